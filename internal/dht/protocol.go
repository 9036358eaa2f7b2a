package dht

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Record admission limits, enforced on every inbound STORE.
const (
	KeywordSize  = 20
	MaxKeySize   = 33
	MaxValueSize = 1800
)

// Command is a wire-level message type.
type Command string

const (
	CmdPing      Command = "ping"
	CmdStun      Command = "stun"
	CmdStore     Command = "store"
	CmdDelete    Command = "delete"
	CmdFindNode  Command = "find_node"
	CmdFindValue Command = "find_value"
	CmdHolePunch Command = "hole_punch"
)

// Result carries the outcome of one outbound RPC exchange. OK is false when
// no (valid) response arrived before the transport's deadline; Args is the
// peer's reply list otherwise.
type Result struct {
	OK   bool
	Args [][]byte
}

// Transport issues a request to addr and delivers exactly one Result on the
// returned channel, after the reply arrives or the call deadline passes.
type Transport interface {
	Call(ctx context.Context, addr string, cmd Command, args ...[]byte) <-chan Result
}

// Handler is the dispatch surface the transport drives for inbound
// requests: one entry per supported command.
type Handler interface {
	// Commands lists the message types the handler advertises.
	Commands() []Command
	// HandleRPC processes one request and returns the reply list.
	HandleRPC(ctx context.Context, sender *Peer, cmd Command, args [][]byte) [][]byte
}

// NATTraversal relays hole-punch requests. The protocol core only
// advertises the command and forwards; the traversal work lives elsewhere.
type NATTraversal interface {
	Punch(sender *Peer, args [][]byte) bool
}

var (
	replyTrue  = []byte("True")
	replyFalse = []byte("False")
	replyValue = []byte("value")
)

// Protocol is the Kademlia request/response core: the inbound handler set,
// the outbound call wrappers, response-driven contact management, and the
// replication of stored records toward newly discovered peers.
type Protocol struct {
	log       *zap.Logger
	self      *Peer
	ksize     int
	router    Router
	storage   Storage
	transport Transport
	nat       NATTraversal
	metrics   *Metrics

	transferMu sync.Mutex
	transfers  map[NodeID]struct{}
}

// NewProtocol wires the protocol core to its collaborators. nat and metrics
// may be nil.
func NewProtocol(log *zap.Logger, self *Peer, ksize int, router Router, storage Storage, transport Transport) *Protocol {
	if ksize <= 0 {
		ksize = DefaultKSize
	}
	return &Protocol{
		log:       log,
		self:      self,
		ksize:     ksize,
		router:    router,
		storage:   storage,
		transport: transport,
		transfers: make(map[NodeID]struct{}),
	}
}

// SetNATTraversal installs the hole-punch collaborator.
func (p *Protocol) SetNATTraversal(nat NATTraversal) { p.nat = nat }

// SetMetrics installs the protocol collectors.
func (p *Protocol) SetMetrics(m *Metrics) { p.metrics = m }

// Commands implements Handler.
func (p *Protocol) Commands() []Command {
	return []Command{CmdPing, CmdStun, CmdStore, CmdDelete, CmdFindNode, CmdFindValue, CmdHolePunch}
}

// HandleRPC implements Handler. Handlers never raise outward: any internal
// fault degrades to a negative reply.
func (p *Protocol) HandleRPC(ctx context.Context, sender *Peer, cmd Command, args [][]byte) (resp [][]byte) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("rpc handler fault",
				zap.String("command", string(cmd)),
				zap.String("peer", sender.ID.String()),
				zap.Any("fault", r))
			resp = [][]byte{replyFalse}
		}
	}()
	p.metrics.handled(cmd)

	switch cmd {
	case CmdPing:
		return p.handlePing(ctx, sender)
	case CmdStun:
		return p.handleStun(ctx, sender)
	case CmdStore:
		return p.handleStore(ctx, sender, args)
	case CmdDelete:
		return p.handleDelete(ctx, sender, args)
	case CmdFindNode:
		return p.handleFindNode(ctx, sender, args)
	case CmdFindValue:
		return p.handleFindValue(ctx, sender, args)
	case CmdHolePunch:
		return p.handleHolePunch(ctx, sender, args)
	default:
		p.log.Warn("unhandled command", zap.String("command", string(cmd)))
		return [][]byte{replyFalse}
	}
}

func (p *Protocol) handlePing(ctx context.Context, sender *Peer) [][]byte {
	p.addToRouter(ctx, sender)
	blob, err := MarshalPeer(p.self)
	if err != nil {
		return [][]byte{replyFalse}
	}
	return [][]byte{blob}
}

// handleStun echoes the sender's address as observed by the transport,
// letting peers behind NAT discover their external endpoint.
func (p *Protocol) handleStun(ctx context.Context, sender *Peer) [][]byte {
	p.addToRouter(ctx, sender)
	return [][]byte{[]byte(sender.IP.String()), []byte(strconv.Itoa(sender.Port))}
}

func (p *Protocol) handleStore(ctx context.Context, sender *Peer, args [][]byte) [][]byte {
	p.addToRouter(ctx, sender)
	if len(args) != 3 {
		return [][]byte{replyFalse}
	}
	keyword, key, value := args[0], args[1], args[2]
	if len(keyword) != KeywordSize || len(key) > MaxKeySize || len(value) > MaxValueSize {
		p.log.Debug("rejecting store request",
			zap.Int("keyword_len", len(keyword)),
			zap.Int("key_len", len(key)),
			zap.Int("value_len", len(value)))
		return [][]byte{replyFalse}
	}
	kw, _ := IDFromBytes(keyword)
	if err := p.storage.Set(kw, key, value); err != nil {
		p.log.Warn("store failed", zap.Error(err))
		return [][]byte{replyFalse}
	}
	p.metrics.stored()
	return [][]byte{replyTrue}
}

// handleDelete authorizes record removal. A keyword equal to the digest of
// the sender's ID names the sender's own namespace and is checked against
// the sender's embedded verification key. Any other keyword is treated as a
// pointer record: its stored value must parse as a peer descriptor, and the
// signature must verify under that referenced peer's key. Both paths verify
// the same signed message, the record key.
func (p *Protocol) handleDelete(ctx context.Context, sender *Peer, args [][]byte) [][]byte {
	p.addToRouter(ctx, sender)
	if len(args) != 3 {
		return [][]byte{replyFalse}
	}
	keyword, key, signature := args[0], args[1], args[2]
	kw, err := IDFromBytes(keyword)
	if err != nil {
		return [][]byte{replyFalse}
	}
	value, ok := p.storage.GetSpecific(kw, key)
	if !ok {
		return [][]byte{replyFalse}
	}

	var verifyKey []byte
	if kw == Digest(sender.ID[:]) {
		verifyKey, ok = sender.VerifyKey()
		if !ok {
			return [][]byte{replyFalse}
		}
	} else {
		pointed, err := ParsePeer(value)
		if err != nil {
			p.log.Debug("delete target is not a pointer record", zap.Error(err))
			return [][]byte{replyFalse}
		}
		verifyKey, ok = pointed.VerifyKey()
		if !ok {
			return [][]byte{replyFalse}
		}
	}
	if !Verify(key, signature, verifyKey) {
		p.log.Debug("delete signature rejected", zap.String("peer", sender.ID.String()))
		return [][]byte{replyFalse}
	}
	if err := p.storage.Delete(kw, key); err != nil {
		return [][]byte{replyFalse}
	}
	p.metrics.deleted()
	return [][]byte{replyTrue}
}

func (p *Protocol) handleFindNode(ctx context.Context, sender *Peer, args [][]byte) [][]byte {
	p.addToRouter(ctx, sender)
	if len(args) != 1 {
		return nil
	}
	target, err := IDFromBytes(args[0])
	if err != nil {
		return nil
	}
	return p.neighborsReply(target, sender)
}

// handleFindValue returns the records under a keyword when the node holds
// any, and otherwise degrades to peer discovery with the same reply shape
// as FIND_NODE.
func (p *Protocol) handleFindValue(ctx context.Context, sender *Peer, args [][]byte) [][]byte {
	p.addToRouter(ctx, sender)
	if len(args) != 1 {
		return nil
	}
	keyword, err := IDFromBytes(args[0])
	if err != nil {
		return nil
	}
	pairs := p.storage.Get(keyword)
	if pairs == nil {
		return p.neighborsReply(keyword, sender)
	}
	resp := make([][]byte, 0, 1+2*len(pairs))
	resp = append(resp, replyValue)
	for _, pair := range pairs {
		resp = append(resp, pair.Key, pair.Value)
	}
	return resp
}

func (p *Protocol) handleHolePunch(ctx context.Context, sender *Peer, args [][]byte) [][]byte {
	p.addToRouter(ctx, sender)
	if p.nat == nil || !p.nat.Punch(sender, args) {
		return [][]byte{replyFalse}
	}
	return [][]byte{replyTrue}
}

func (p *Protocol) neighborsReply(target NodeID, exclude *Peer) [][]byte {
	neighbors := p.router.FindNeighbors(target, exclude)
	resp := make([][]byte, 0, len(neighbors))
	for _, n := range neighbors {
		blob, err := MarshalPeer(n)
		if err != nil {
			continue
		}
		resp = append(resp, blob)
	}
	return resp
}

// addToRouter records a peer that sent us a request. A peer seen for the
// first time receives the locally held records it is responsible for before
// it becomes a contact.
func (p *Protocol) addToRouter(ctx context.Context, peer *Peer) {
	if p.router.IsNewNode(peer) && p.beginTransfer(peer.ID) {
		p.log.Debug("new peer, transferring key/values", zap.String("peer", peer.ID.String()))
		p.transferKeyValues(ctx, peer)
		p.router.AddContact(peer)
		p.endTransfer(peer.ID)
		return
	}
	p.router.AddContact(peer)
}

// handleCallResponse is the continuation of every outbound call: a peer
// that answered is (re)added as a contact, replicating to it first when it
// is new; a peer that did not answer is evicted. The result passes through
// unchanged.
func (p *Protocol) handleCallResponse(ctx context.Context, res Result, peer *Peer) Result {
	if !res.OK {
		p.log.Debug("no response, removing contact", zap.String("peer", peer.ID.String()))
		p.metrics.evicted()
		p.router.RemoveContact(peer)
		return res
	}
	if p.router.IsNewNode(peer) && p.beginTransfer(peer.ID) {
		p.transferKeyValues(ctx, peer)
		p.router.AddContact(peer)
		p.endTransfer(peer.ID)
		return res
	}
	p.router.AddContact(peer)
	return res
}

// beginTransfer marks a replication to peer as in flight so that one peer
// discovery triggers at most one transfer, even when its own STORE
// responses re-enter handleCallResponse before the contact is added.
func (p *Protocol) beginTransfer(id NodeID) bool {
	p.transferMu.Lock()
	defer p.transferMu.Unlock()
	if _, inFlight := p.transfers[id]; inFlight {
		return false
	}
	p.transfers[id] = struct{}{}
	return true
}

func (p *Protocol) endTransfer(id NodeID) {
	p.transferMu.Lock()
	delete(p.transfers, id)
	p.transferMu.Unlock()
}

// transferKeyValues pushes to a newly discovered peer the records it should
// be holding. For each keyword: take the k nearest known peers (the new
// peer excluded); replicate when nobody else is known, when the new peer
// enters a neighborhood this node is the closest member of, or when that
// neighborhood is still below k-way redundancy. The batch completes only
// once every issued STORE has completed; individual failures do not abort
// the rest.
func (p *Protocol) transferKeyValues(ctx context.Context, peer *Peer) {
	var wg sync.WaitGroup
	for _, keyword := range p.storage.Keywords() {
		neighbors := p.router.FindNeighbors(keyword, peer)
		replicate := len(neighbors) == 0
		if !replicate {
			peerClose := peer.ID.DistanceTo(keyword).Less(neighbors[len(neighbors)-1].ID.DistanceTo(keyword))
			selfClosest := p.self.ID.DistanceTo(keyword).Less(neighbors[0].ID.DistanceTo(keyword))
			replicate = (peerClose && selfClosest) || (selfClosest && len(neighbors) < p.ksize)
		}
		if !replicate {
			continue
		}
		for _, pair := range p.storage.Get(keyword) {
			wg.Add(1)
			go func(kw NodeID, pair Pair) {
				defer wg.Done()
				p.CallStore(ctx, peer, kw[:], pair.Key, pair.Value)
			}(keyword, pair)
		}
	}
	wg.Wait()
	p.metrics.replicated()
}

// Outbound call wrappers. Each resolves the peer's address, performs the
// exchange, and feeds the result through handleCallResponse bound to that
// peer before returning it.

func (p *Protocol) CallPing(ctx context.Context, peer *Peer) Result {
	res := <-p.transport.Call(ctx, peer.Addr(), CmdPing)
	p.metrics.called(CmdPing, res.OK)
	return p.handleCallResponse(ctx, res, peer)
}

func (p *Protocol) CallStore(ctx context.Context, peer *Peer, keyword, key, value []byte) Result {
	res := <-p.transport.Call(ctx, peer.Addr(), CmdStore, keyword, key, value)
	p.metrics.called(CmdStore, res.OK)
	return p.handleCallResponse(ctx, res, peer)
}

func (p *Protocol) CallFindNode(ctx context.Context, peer *Peer, target NodeID) Result {
	res := <-p.transport.Call(ctx, peer.Addr(), CmdFindNode, target[:])
	p.metrics.called(CmdFindNode, res.OK)
	return p.handleCallResponse(ctx, res, peer)
}

func (p *Protocol) CallFindValue(ctx context.Context, peer *Peer, keyword NodeID) Result {
	res := <-p.transport.Call(ctx, peer.Addr(), CmdFindValue, keyword[:])
	p.metrics.called(CmdFindValue, res.OK)
	return p.handleCallResponse(ctx, res, peer)
}

func (p *Protocol) CallDelete(ctx context.Context, peer *Peer, keyword, key, signature []byte) Result {
	res := <-p.transport.Call(ctx, peer.Addr(), CmdDelete, keyword, key, signature)
	p.metrics.called(CmdDelete, res.OK)
	return p.handleCallResponse(ctx, res, peer)
}

// RefreshIDs yields one ID to look up per lonely bucket, keeping old
// buckets populated. Scheduling is the node's job.
func (p *Protocol) RefreshIDs() []NodeID {
	var ids []NodeID
	for _, r := range p.router.LonelyBuckets() {
		ids = append(ids, RandomIDInRange(r))
	}
	return ids
}
