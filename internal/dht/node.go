package dht

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NodeOptions tunes the orchestration loops around the protocol core.
type NodeOptions struct {
	KSize           int
	Alpha           int
	RefreshInterval time.Duration
	PruneInterval   time.Duration
	BootstrapPeers  []string
	LookupRounds    int
}

func (o *NodeOptions) defaults() {
	if o.KSize <= 0 {
		o.KSize = DefaultKSize
	}
	if o.Alpha <= 0 {
		o.Alpha = 3
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = time.Hour
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = 10 * time.Minute
	}
	if o.LookupRounds <= 0 {
		o.LookupRounds = 3
	}
}

// Node drives a protocol core: bootstrap, periodic bucket refresh, storage
// pruning, and the client-facing store/get/delete operations.
type Node struct {
	log      *zap.Logger
	identity *Identity
	self     *Peer
	table    *Table
	storage  Storage
	protocol *Protocol
	opts     NodeOptions

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewNode assembles a node around its collaborators. The transport must
// dispatch inbound requests to the returned node's Protocol.
func NewNode(log *zap.Logger, identity *Identity, self *Peer, table *Table, storage Storage, transport Transport, opts NodeOptions) *Node {
	opts.defaults()
	proto := NewProtocol(log, self, opts.KSize, table, storage, transport)
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		log:      log,
		identity: identity,
		self:     self,
		table:    table,
		storage:  storage,
		protocol: proto,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Protocol exposes the request/response core, e.g. for the transport's
// dispatch loop.
func (n *Node) Protocol() *Protocol { return n.protocol }

// Start bootstraps against the configured peers and launches the refresh
// and prune loops.
func (n *Node) Start() {
	n.startedAt = time.Now()
	n.log.Info("starting node",
		zap.String("id", n.self.ID.String()),
		zap.String("addr", n.self.Addr()),
		zap.Int("bootstrap_peers", len(n.opts.BootstrapPeers)))

	if len(n.opts.BootstrapPeers) > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.bootstrap(n.ctx)
		}()
	}

	n.wg.Add(2)
	go n.refreshLoop()
	go n.pruneLoop()
}

// Stop cancels the loops and waits for them to drain. The transport is
// owned by the caller and closed separately.
func (n *Node) Stop() {
	n.log.Info("stopping node")
	n.cancel()
	n.wg.Wait()
}

// bootstrap pings each configured address and then looks up the local ID to
// populate the nearby buckets.
func (n *Node) bootstrap(ctx context.Context) {
	joined := false
	for _, addr := range n.opts.BootstrapPeers {
		res := <-n.protocol.transport.Call(ctx, addr, CmdPing)
		if !res.OK || len(res.Args) == 0 {
			n.log.Warn("bootstrap peer unreachable", zap.String("addr", addr))
			continue
		}
		peer, err := ParsePeer(res.Args[0])
		if err != nil {
			n.log.Warn("bootstrap peer sent a bad descriptor", zap.String("addr", addr), zap.Error(err))
			continue
		}
		n.protocol.handleCallResponse(ctx, res, peer)
		joined = true
	}
	if !joined {
		n.log.Warn("bootstrap failed, no peer reachable")
		return
	}
	n.Lookup(ctx, n.self.ID)
	n.log.Info("bootstrap complete", zap.Int("contacts", n.table.Count()))
}

// Lookup performs an iterative FIND_NODE traversal toward target and
// returns the closest peers found. Contact bookkeeping for every queried
// peer happens inside the call wrappers.
func (n *Node) Lookup(ctx context.Context, target NodeID) []*Peer {
	shortlist := n.table.FindNeighbors(target, nil)
	queried := make(map[NodeID]bool)
	var lastBest *NodeID

	for round := 0; round < n.opts.LookupRounds; round++ {
		var batch []*Peer
		for _, p := range shortlist {
			if len(batch) >= n.opts.Alpha {
				break
			}
			if !queried[p.ID] {
				queried[p.ID] = true
				batch = append(batch, p)
			}
		}
		if len(batch) == 0 {
			break
		}

		results := make(chan Result, len(batch))
		for _, p := range batch {
			go func(p *Peer) {
				results <- n.protocol.CallFindNode(ctx, p, target)
			}(p)
		}
		seen := make(map[NodeID]bool, len(shortlist))
		for _, p := range shortlist {
			seen[p.ID] = true
		}
		for range batch {
			res := <-results
			if !res.OK {
				continue
			}
			for _, blob := range res.Args {
				peer, err := ParsePeer(blob)
				if err != nil || peer.ID == n.self.ID || seen[peer.ID] {
					continue
				}
				seen[peer.ID] = true
				shortlist = append(shortlist, peer)
			}
		}

		sort.Slice(shortlist, func(i, j int) bool {
			return shortlist[i].ID.DistanceTo(target).Less(shortlist[j].ID.DistanceTo(target))
		})
		if len(shortlist) > n.opts.KSize {
			shortlist = shortlist[:n.opts.KSize]
		}
		if len(shortlist) == 0 {
			break
		}
		best := shortlist[0].ID
		if lastBest != nil && !best.DistanceTo(target).Less(lastBest.DistanceTo(target)) {
			break
		}
		lastBest = &best
	}
	return shortlist
}

// Store spreads (key, value) under keyword to the k nearest peers, keeping
// a local copy when this node belongs in that neighborhood.
func (n *Node) Store(ctx context.Context, keyword NodeID, key, value []byte) error {
	if len(key) > MaxKeySize || len(value) > MaxValueSize {
		return ErrRecordTooLarge
	}
	nearest := n.Lookup(ctx, keyword)
	if len(nearest) < n.opts.KSize ||
		n.self.ID.DistanceTo(keyword).Less(nearest[len(nearest)-1].ID.DistanceTo(keyword)) {
		if err := n.storage.Set(keyword, key, value); err != nil {
			return err
		}
	}
	var wg sync.WaitGroup
	for _, p := range nearest {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			n.protocol.CallStore(ctx, p, keyword[:], key, value)
		}(p)
	}
	wg.Wait()
	return nil
}

// Get returns every record held under keyword, querying along the lookup
// path when the local store has none.
func (n *Node) Get(ctx context.Context, keyword NodeID) []Pair {
	if pairs := n.storage.Get(keyword); pairs != nil {
		return pairs
	}
	for _, p := range n.Lookup(ctx, keyword) {
		res := n.protocol.CallFindValue(ctx, p, keyword)
		if !res.OK || len(res.Args) == 0 || !bytes.Equal(res.Args[0], replyValue) {
			continue
		}
		var pairs []Pair
		rest := res.Args[1:]
		for i := 0; i+1 < len(rest); i += 2 {
			pairs = append(pairs, Pair{Key: rest[i], Value: rest[i+1]})
		}
		return pairs
	}
	return nil
}

// Delete retracts (keyword, key) from the network, signing the request with
// the local identity, and drops the local copy.
func (n *Node) Delete(ctx context.Context, keyword NodeID, key []byte) error {
	signature := n.identity.Sign(key)
	nearest := n.Lookup(ctx, keyword)
	var wg sync.WaitGroup
	for _, p := range nearest {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			n.protocol.CallDelete(ctx, p, keyword[:], key, signature)
		}(p)
	}
	wg.Wait()
	return n.storage.Delete(keyword, key)
}

func (n *Node) refreshLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			ids := n.protocol.RefreshIDs()
			if len(ids) == 0 {
				continue
			}
			n.log.Debug("refreshing lonely buckets", zap.Int("lookups", len(ids)))
			for _, id := range ids {
				n.Lookup(n.ctx, id)
			}
		}
	}
}

func (n *Node) pruneLoop() {
	defer n.wg.Done()
	pruner, ok := n.storage.(Pruner)
	if !ok {
		return
	}
	ticker := time.NewTicker(n.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if removed := pruner.Prune(); removed > 0 {
				n.log.Debug("pruned expired records", zap.Int("removed", removed))
			}
		}
	}
}

// Status is a point-in-time summary for the HTTP API and the status CLI.
type Status struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	Contacts int       `json:"contacts"`
	Keywords int       `json:"keywords"`
	Records  int       `json:"records"`
	Started  time.Time `json:"started"`
}

// Status reports the node's current state.
func (n *Node) Status() Status {
	keywords := n.storage.Keywords()
	records := 0
	for _, kw := range keywords {
		records += len(n.storage.Get(kw))
	}
	return Status{
		ID:       n.self.ID.String(),
		Addr:     n.self.Addr(),
		Contacts: n.table.Count(),
		Keywords: len(keywords),
		Records:  records,
		Started:  n.startedAt,
	}
}
