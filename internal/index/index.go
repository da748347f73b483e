// Package index keeps the cache index inside a shared memory segment.
//
// Nodes are ordered in an AVL tree by key and linked into a recency queue,
// most recently used first. The tree, the queue and the aggregate counters
// all live in the segment and are guarded by its lock: every method except
// New requires the caller to hold it (see Lock).
package index

import (
	"math"

	"github.com/always-cache/filecache/internal/shm"
	cachekey "github.com/always-cache/filecache/pkg/cache-key"
)

// aggregate layout within the segment meta area
const (
	metaRoot      = 0
	metaHead      = 4
	metaTail      = 8
	metaCold      = 12
	metaLoading   = 16
	metaCount     = 24
	metaSize      = 32
	metaWatermark = 40
	metaInit      = 48
)

type Index struct {
	seg  *shm.Segment
	meta []byte
}

// New returns the index stored in seg, initialising it if seg is fresh.
// A fresh index is cold until the loader marks it otherwise.
func New(seg *shm.Segment) *Index {
	x := &Index{seg: seg, meta: seg.Meta()}
	seg.Lock()
	defer seg.Unlock()
	if seg.Fresh() || le.Uint32(x.meta[metaInit:]) == 0 {
		clear(x.meta)
		x.SetCold(true)
		x.SetWatermark(math.MaxInt64)
		le.PutUint32(x.meta[metaInit:], 1)
	}
	return x
}

func (x *Index) Lock()   { x.seg.Lock() }
func (x *Index) Unlock() { x.seg.Unlock() }

// Node returns the node with the given id.
func (x *Index) Node(id uint32) Node {
	return Node{id: id, b: x.seg.Slot(id)}
}

func (x *Index) u32(off int) uint32       { return le.Uint32(x.meta[off:]) }
func (x *Index) setU32(off int, v uint32) { le.PutUint32(x.meta[off:], v) }

func (x *Index) root() uint32       { return x.u32(metaRoot) }
func (x *Index) setRoot(id uint32)  { x.setU32(metaRoot, id) }

// Count is the number of nodes in the index.
func (x *Index) Count() int64 { return int64(le.Uint64(x.meta[metaCount:])) }

func (x *Index) addCount(d int64) { le.PutUint64(x.meta[metaCount:], uint64(x.Count()+d)) }

// Size is the total size of all cached files, in blocks.
func (x *Index) Size() int64 { return int64(le.Uint64(x.meta[metaSize:])) }

func (x *Index) AddSize(blocks int64) {
	le.PutUint64(x.meta[metaSize:], uint64(x.Size()+blocks))
}

// Watermark is the node count above which the manager starts forced eviction.
func (x *Index) Watermark() int64 { return int64(le.Uint64(x.meta[metaWatermark:])) }

func (x *Index) SetWatermark(n int64) { le.PutUint64(x.meta[metaWatermark:], uint64(n)) }

// LowerWatermark sets the watermark just below the current node count.
func (x *Index) LowerWatermark() {
	c := x.Count()
	x.SetWatermark(c - c/8)
}

func (x *Index) Cold() bool       { return x.u32(metaCold) != 0 }
func (x *Index) SetCold(v bool)   { x.setU32(metaCold, b2u(v)) }
func (x *Index) Loading() bool    { return x.u32(metaLoading) != 0 }
func (x *Index) SetLoading(v bool) { x.setU32(metaLoading, b2u(v)) }

// Capacity is the maximum number of nodes.
func (x *Index) Capacity() int64 { return int64(x.seg.Slots()) }

func b2u(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// Lookup finds the node for key.
func (x *Index) Lookup(key cachekey.Key) (Node, bool) {
	id := x.root()
	for id != 0 {
		n := x.Node(id)
		switch c := key.Compare(n.Key()); {
		case c < 0:
			id = n.left()
		case c > 0:
			id = n.right()
		default:
			return n, true
		}
	}
	return Node{}, false
}

// Insert adds a node for key at the front of the queue.
// The key must not be in the index yet.
func (x *Index) Insert(key cachekey.Key) (Node, error) {
	id, err := x.seg.Alloc()
	if err != nil {
		return Node{}, err
	}
	n := x.Node(id)
	copy(n.b[offKey:], key[:])
	n.setHeight(1)
	x.setRoot(x.insert(x.root(), n, key))
	x.addCount(1)
	x.PushFront(n)
	return n, nil
}

// FindOrCreate returns the node for key, inserting it when missing, and
// records one more use and one more reference. The node moves to the front
// of the queue.
func (x *Index) FindOrCreate(key cachekey.Key) (Node, bool, error) {
	if n, ok := x.Lookup(key); ok {
		x.MoveToFront(n)
		n.SetUses(n.Uses() + 1)
		n.SetCount(n.Count() + 1)
		return n, false, nil
	}
	n, err := x.Insert(key)
	if err != nil {
		return Node{}, false, err
	}
	n.SetUses(1)
	n.SetCount(1)
	return n, true, nil
}

// Remove unlinks n and frees its slot. n must not be referenced.
func (x *Index) Remove(n Node) {
	if n.Count() != 0 {
		panic("index: remove of referenced node")
	}
	x.Unlink(n)
	x.setRoot(x.remove(x.root(), n.Key()))
	x.addCount(-1)
	x.seg.Free(n.id)
}

// Each calls fn for every node in recency order until fn returns false.
func (x *Index) Each(fn func(Node) bool) {
	for id := x.u32(metaHead); id != 0; {
		n := x.Node(id)
		next := n.next()
		if !fn(n) {
			return
		}
		id = next
	}
}
