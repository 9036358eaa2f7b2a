package rpcudp

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shirokane/kadnet/internal/dht"
)

// echoHandler replies with the command name followed by the request args,
// and records the sender descriptor it observed.
type echoHandler struct {
	lastSender *dht.Peer
}

func (h *echoHandler) Commands() []dht.Command {
	return []dht.Command{dht.CmdPing}
}

func (h *echoHandler) HandleRPC(ctx context.Context, sender *dht.Peer, cmd dht.Command, args [][]byte) [][]byte {
	h.lastSender = sender
	resp := [][]byte{[]byte(string(cmd))}
	return append(resp, args...)
}

func newTestTransport(t *testing.T, timeout time.Duration, handler dht.Handler) *Transport {
	t.Helper()
	identity, err := dht.NewIdentity()
	require.NoError(t, err)
	// The advertised port is a placeholder: dispatch replaces it with the
	// observed source port, and the real port is only known after Listen.
	self := identity.Peer(net.IPv4(127, 0, 0, 1), 18467)

	tr, err := New(zaptest.NewLogger(t), self, timeout)
	require.NoError(t, err)
	require.NoError(t, tr.Listen("127.0.0.1:0", handler))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestCallRoundTrip(t *testing.T) {
	handler := &echoHandler{}
	server := newTestTransport(t, time.Second, handler)
	client := newTestTransport(t, time.Second, &echoHandler{})

	res := <-client.Call(context.Background(), server.LocalAddr().String(), dht.CmdPing, []byte("x"), []byte("y"))
	require.True(t, res.OK)
	require.Len(t, res.Args, 3)
	assert.Equal(t, "ping", string(res.Args[0]))
	assert.Equal(t, "x", string(res.Args[1]))
	assert.Equal(t, "y", string(res.Args[2]))
}

func TestDispatchPatchesObservedAddress(t *testing.T) {
	handler := &echoHandler{}
	server := newTestTransport(t, time.Second, handler)
	client := newTestTransport(t, time.Second, &echoHandler{})

	res := <-client.Call(context.Background(), server.LocalAddr().String(), dht.CmdPing)
	require.True(t, res.OK)

	require.NotNil(t, handler.lastSender)
	assert.True(t, handler.lastSender.IP.Equal(net.IPv4(127, 0, 0, 1)))
	assert.Equal(t, client.LocalAddr().Port, handler.lastSender.Port,
		"sender descriptor carries the observed source port, not the advertised one")
}

func TestCallTimesOut(t *testing.T) {
	client := newTestTransport(t, 50*time.Millisecond, &echoHandler{})

	// A bound-then-closed port: nobody will answer.
	dead, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := dead.LocalAddr().String()
	dead.Close()

	start := time.Now()
	res := <-client.Call(context.Background(), addr, dht.CmdPing)
	assert.False(t, res.OK)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCallHonorsContextCancellation(t *testing.T) {
	client := newTestTransport(t, 10*time.Second, &echoHandler{})

	dead, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := dead.LocalAddr().String()
	dead.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := client.Call(ctx, addr, dht.CmdPing)
	cancel()

	select {
	case res := <-ch:
		assert.False(t, res.OK)
	case <-time.After(time.Second):
		t.Fatal("cancelled call never settled")
	}
}

func TestMalformedDatagramIsDropped(t *testing.T) {
	handler := &echoHandler{}
	server := newTestTransport(t, time.Second, handler)

	conn, err := net.Dial("udp", server.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("this is not bencode"))
	require.NoError(t, err)

	// The server must stay healthy and keep answering well-formed calls.
	client := newTestTransport(t, time.Second, &echoHandler{})
	res := <-client.Call(context.Background(), server.LocalAddr().String(), dht.CmdPing)
	assert.True(t, res.OK)
}

func TestCallBeforeListenFails(t *testing.T) {
	identity, err := dht.NewIdentity()
	require.NoError(t, err)
	tr, err := New(zaptest.NewLogger(t), identity.Peer(net.IPv4(127, 0, 0, 1), 18467), time.Second)
	require.NoError(t, err)

	res := <-tr.Call(context.Background(), "127.0.0.1:"+strconv.Itoa(18467), dht.CmdPing)
	assert.False(t, res.OK)
}
