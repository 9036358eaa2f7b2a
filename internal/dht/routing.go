package dht

import (
	"sort"
	"sync"
	"time"
)

// DefaultKSize is Kademlia's k: the bucket capacity and replication factor.
const DefaultKSize = 20

// Router is the routing-table contract the protocol core depends on.
type Router interface {
	// FindNeighbors returns up to k known peers ordered by ascending XOR
	// distance to target, skipping exclude when non-nil.
	FindNeighbors(target NodeID, exclude *Peer) []*Peer
	// AddContact records a known-good peer, refreshing it if present.
	AddContact(p *Peer)
	// RemoveContact evicts a peer.
	RemoveContact(p *Peer)
	// IsNewNode reports whether the peer is not yet in the table.
	IsNewNode(p *Peer) bool
	// LonelyBuckets returns the ID range of every bucket that has not seen
	// traffic within the refresh window.
	LonelyBuckets() []IDRange
}

type kBucket struct {
	peers       []*Peer
	lastUpdated time.Time
}

// Table is a flat routing table with one bucket per shared-prefix length:
// bucket i holds peers whose XOR distance to the local ID has exactly i
// leading zero bits. Each bucket keeps at most k peers; a newcomer to a
// full bucket is dropped.
type Table struct {
	self          NodeID
	ksize         int
	refreshWindow time.Duration

	mu      sync.RWMutex
	buckets [IDLength * 8]kBucket
}

// NewTable creates a routing table for the node with the given ID.
func NewTable(self NodeID, ksize int, refreshWindow time.Duration) *Table {
	if ksize <= 0 {
		ksize = DefaultKSize
	}
	if refreshWindow <= 0 {
		refreshWindow = time.Hour
	}
	return &Table{self: self, ksize: ksize, refreshWindow: refreshWindow}
}

func (t *Table) bucketIndex(id NodeID) int {
	i := t.self.DistanceTo(id).PrefixLen()
	if i >= len(t.buckets) {
		i = len(t.buckets) - 1
	}
	return i
}

func (t *Table) AddContact(p *Peer) {
	if p.ID == t.self {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[t.bucketIndex(p.ID)]
	b.lastUpdated = time.Now()
	for i, known := range b.peers {
		if known.ID == p.ID {
			// Seen again: move to the tail and refresh the descriptor.
			b.peers = append(append(b.peers[:i], b.peers[i+1:]...), p)
			return
		}
	}
	if len(b.peers) < t.ksize {
		b.peers = append(b.peers, p)
	}
}

func (t *Table) RemoveContact(p *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[t.bucketIndex(p.ID)]
	for i, known := range b.peers {
		if known.ID == p.ID {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			return
		}
	}
}

func (t *Table) IsNewNode(p *Peer) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, known := range t.buckets[t.bucketIndex(p.ID)].peers {
		if known.ID == p.ID {
			return false
		}
	}
	return true
}

func (t *Table) FindNeighbors(target NodeID, exclude *Peer) []*Peer {
	t.mu.RLock()
	var peers []*Peer
	for i := range t.buckets {
		for _, p := range t.buckets[i].peers {
			if exclude != nil && p.ID == exclude.ID {
				continue
			}
			peers = append(peers, p)
		}
	}
	t.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].ID.DistanceTo(target).Less(peers[j].ID.DistanceTo(target))
	})
	if len(peers) > t.ksize {
		peers = peers[:t.ksize]
	}
	return peers
}

func (t *Table) LonelyBuckets() []IDRange {
	now := time.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ranges []IDRange
	for i := range t.buckets {
		b := &t.buckets[i]
		if len(b.peers) == 0 || now.Sub(b.lastUpdated) <= t.refreshWindow {
			continue
		}
		ranges = append(ranges, t.bucketRange(i))
	}
	return ranges
}

// Count returns the number of contacts currently held.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].peers)
	}
	return n
}

// bucketRange computes the inclusive ID range covered by bucket index: the
// IDs sharing the first index bits with the local ID and differing at bit
// index form one contiguous span.
func (t *Table) bucketRange(index int) IDRange {
	byteIdx := index / 8
	bit := byte(0x80) >> uint(index%8)
	suffix := bit - 1

	var low NodeID
	copy(low[:byteIdx], t.self[:byteIdx])
	low[byteIdx] = (t.self[byteIdx] ^ bit) &^ suffix
	high := low
	high[byteIdx] |= suffix
	for i := byteIdx + 1; i < IDLength; i++ {
		high[i] = 0xFF
	}
	return IDRange{Low: low, High: high}
}
