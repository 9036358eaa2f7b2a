// Package rpcudp provides the asynchronous request/response channel the
// protocol core calls over: bencode envelopes on UDP datagrams, correlated
// by transaction ID, with a per-call deadline.
package rpcudp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/bencode"
	"go.uber.org/zap"

	"github.com/shirokane/kadnet/internal/dht"
)

const (
	kindQuery    = "q"
	kindResponse = "r"

	maxDatagram = 65536
)

// DefaultCallTimeout bounds how long an outbound call waits for its reply.
const DefaultCallTimeout = 5 * time.Second

type envelope struct {
	TxID   string   `bencode:"t"`
	Kind   string   `bencode:"y"`
	Cmd    string   `bencode:"q"`
	Sender []byte   `bencode:"n"`
	Args   [][]byte `bencode:"a"`
}

// Transport is a UDP implementation of dht.Transport plus the inbound
// dispatch loop that drives a dht.Handler.
type Transport struct {
	log      *zap.Logger
	self     *dht.Peer
	selfBlob []byte
	timeout  time.Duration

	conn    *net.UDPConn
	handler dht.Handler

	mu      sync.Mutex
	pending map[string]chan dht.Result

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a transport for the local peer. timeout <= 0 selects
// DefaultCallTimeout.
func New(log *zap.Logger, self *dht.Peer, timeout time.Duration) (*Transport, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	blob, err := dht.MarshalPeer(self)
	if err != nil {
		return nil, fmt.Errorf("marshal own descriptor: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		log:      log,
		self:     self,
		selfBlob: blob,
		timeout:  timeout,
		pending:  make(map[string]chan dht.Result),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Listen binds addr and starts dispatching inbound requests to handler.
func (t *Transport) Listen(addr string, handler dht.Handler) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	t.conn = conn
	t.handler = handler

	t.wg.Add(1)
	go t.receiveLoop()

	t.log.Info("rpc transport listening", zap.String("addr", conn.LocalAddr().String()))
	return nil
}

// LocalAddr returns the bound UDP address.
func (t *Transport) LocalAddr() *net.UDPAddr {
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Close stops the receive loop and fails every pending call.
func (t *Transport) Close() error {
	t.cancel()
	var err error
	if t.conn != nil {
		err = t.conn.Close()
	}
	t.wg.Wait()

	t.mu.Lock()
	for txid, ch := range t.pending {
		delete(t.pending, txid)
		ch <- dht.Result{}
	}
	t.mu.Unlock()
	return err
}

// Call implements dht.Transport. The returned channel receives exactly one
// Result: the peer's reply list, or OK=false after the deadline.
func (t *Transport) Call(ctx context.Context, addr string, cmd dht.Command, args ...[]byte) <-chan dht.Result {
	out := make(chan dht.Result, 1)
	if t.conn == nil {
		out <- dht.Result{}
		return out
	}
	txid := uuid.NewString()

	data, err := bencode.EncodeBytes(envelope{
		TxID:   txid,
		Kind:   kindQuery,
		Cmd:    string(cmd),
		Sender: t.selfBlob,
		Args:   args,
	})
	if err != nil {
		out <- dht.Result{}
		return out
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.log.Debug("bad call address", zap.String("addr", addr), zap.Error(err))
		out <- dht.Result{}
		return out
	}

	t.mu.Lock()
	t.pending[txid] = out
	t.mu.Unlock()

	if _, err := t.conn.WriteToUDP(data, udpAddr); err != nil {
		t.settle(txid, dht.Result{})
		return out
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		timer := time.NewTimer(t.timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			t.settle(txid, dht.Result{})
		case <-ctx.Done():
			t.settle(txid, dht.Result{})
		case <-t.ctx.Done():
			t.settle(txid, dht.Result{})
		}
	}()
	return out
}

// settle delivers res for txid unless the call already completed.
func (t *Transport) settle(txid string, res dht.Result) {
	t.mu.Lock()
	ch, ok := t.pending[txid]
	if ok {
		delete(t.pending, txid)
	}
	t.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (t *Transport) receiveLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.log.Debug("udp read failed", zap.Error(err))
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		var env envelope
		if err := bencode.DecodeBytes(data, &env); err != nil {
			t.log.Debug("dropping malformed datagram", zap.String("from", addr.String()), zap.Error(err))
			continue
		}
		switch env.Kind {
		case kindResponse:
			t.settle(env.TxID, dht.Result{OK: true, Args: env.Args})
		case kindQuery:
			t.wg.Add(1)
			go func(env envelope, addr *net.UDPAddr) {
				defer t.wg.Done()
				t.dispatch(env, addr)
			}(env, addr)
		default:
			t.log.Debug("dropping datagram with unknown kind", zap.String("kind", env.Kind))
		}
	}
}

// dispatch hands one inbound request to the handler and sends the reply
// back under the request's transaction ID. The sender descriptor is patched
// with the observed source address so handlers (STUN in particular) see the
// peer as the network does.
func (t *Transport) dispatch(env envelope, addr *net.UDPAddr) {
	sender, err := dht.ParsePeer(env.Sender)
	if err != nil {
		t.log.Debug("dropping request with bad sender descriptor",
			zap.String("from", addr.String()), zap.Error(err))
		return
	}
	sender.IP = addr.IP
	sender.Port = addr.Port

	resp := t.handler.HandleRPC(t.ctx, sender, dht.Command(env.Cmd), env.Args)

	data, err := bencode.EncodeBytes(envelope{
		TxID:   env.TxID,
		Kind:   kindResponse,
		Sender: t.selfBlob,
		Args:   resp,
	})
	if err != nil {
		t.log.Warn("encode reply failed", zap.Error(err))
		return
	}
	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		t.log.Debug("send reply failed", zap.String("to", addr.String()), zap.Error(err))
	}
}
