package index

import (
	"encoding/binary"

	cachekey "github.com/always-cache/filecache/pkg/cache-key"
)

// NodeSize is the slot size used for nodes.
const NodeSize = 96

// node layout
const (
	offKey       = 0
	offLeft      = 16
	offRight     = 20
	offHeight    = 24
	offPrev      = 28
	offNext      = 32
	offCount     = 36
	offUses      = 40
	offFlags     = 44
	offError     = 48
	offValidMsec = 50
	offBodyStart = 52
	offLockTime  = 56
	offExpire    = 64
	offValidSec  = 72
	offUniq      = 80
	offFsSize    = 88
)

const (
	flagExists uint32 = 1 << iota
	flagUpdating
	flagDeleting
)

var le = binary.LittleEndian

// Node is a view of one index record in the shared segment.
// It is only valid while the index lock is held and until the node is removed.
type Node struct {
	id uint32
	b  []byte
}

func (n Node) ID() uint32 { return n.id }

func (n Node) Key() cachekey.Key {
	var k cachekey.Key
	copy(k[:], n.b[offKey:offKey+cachekey.Size])
	return k
}

func (n Node) u32(off int) uint32       { return le.Uint32(n.b[off:]) }
func (n Node) setU32(off int, v uint32) { le.PutUint32(n.b[off:], v) }
func (n Node) i64(off int) int64        { return int64(le.Uint64(n.b[off:])) }
func (n Node) setI64(off int, v int64)  { le.PutUint64(n.b[off:], uint64(v)) }

func (n Node) left() uint32          { return n.u32(offLeft) }
func (n Node) setLeft(id uint32)     { n.setU32(offLeft, id) }
func (n Node) right() uint32         { return n.u32(offRight) }
func (n Node) setRight(id uint32)    { n.setU32(offRight, id) }
func (n Node) height() uint32        { return n.u32(offHeight) }
func (n Node) setHeight(h uint32)    { n.setU32(offHeight, h) }
func (n Node) prev() uint32          { return n.u32(offPrev) }
func (n Node) setPrev(id uint32)     { n.setU32(offPrev, id) }
func (n Node) next() uint32          { return n.u32(offNext) }
func (n Node) setNext(id uint32)     { n.setU32(offNext, id) }
func (n Node) flag(f uint32) bool    { return n.u32(offFlags)&f != 0 }
func (n Node) setFlag(f uint32, on bool) {
	v := n.u32(offFlags) &^ f
	if on {
		v |= f
	}
	n.setU32(offFlags, v)
}

// Count is the number of requests currently holding the node.
func (n Node) Count() uint32       { return n.u32(offCount) }
func (n Node) SetCount(c uint32)   { n.setU32(offCount, c) }
func (n Node) Uses() uint32        { return n.u32(offUses) }
func (n Node) SetUses(u uint32)    { n.setU32(offUses, u) }
func (n Node) Exists() bool        { return n.flag(flagExists) }
func (n Node) SetExists(v bool)    { n.setFlag(flagExists, v) }
func (n Node) Updating() bool      { return n.flag(flagUpdating) }
func (n Node) SetUpdating(v bool)  { n.setFlag(flagUpdating, v) }
func (n Node) Deleting() bool      { return n.flag(flagDeleting) }
func (n Node) SetDeleting(v bool)  { n.setFlag(flagDeleting, v) }
func (n Node) Error() int          { return int(le.Uint16(n.b[offError:])) }
func (n Node) SetError(status int) { le.PutUint16(n.b[offError:], uint16(status)) }

// ValidSec and ValidMsec hold the validity of a cached negative result.
func (n Node) ValidSec() int64         { return n.i64(offValidSec) }
func (n Node) SetValidSec(v int64)     { n.setI64(offValidSec, v) }
func (n Node) ValidMsec() uint16       { return le.Uint16(n.b[offValidMsec:]) }
func (n Node) SetValidMsec(v uint16)   { le.PutUint16(n.b[offValidMsec:], v) }
func (n Node) BodyStart() uint32       { return n.u32(offBodyStart) }
func (n Node) SetBodyStart(v uint32)   { n.setU32(offBodyStart, v) }
func (n Node) LockTime() int64         { return n.i64(offLockTime) }
func (n Node) SetLockTime(msec int64)  { n.setI64(offLockTime, msec) }
func (n Node) Expire() int64           { return n.i64(offExpire) }
func (n Node) SetExpire(sec int64)     { n.setI64(offExpire, sec) }
func (n Node) Uniq() uint64            { return le.Uint64(n.b[offUniq:]) }
func (n Node) SetUniq(v uint64)        { le.PutUint64(n.b[offUniq:], v) }
func (n Node) FsSize() int64           { return n.i64(offFsSize) }
func (n Node) SetFsSize(blocks int64)  { n.setI64(offFsSize, blocks) }

// Renew forgets everything known about the cached response while keeping
// the node's identity, references and recency.
func (n Node) Renew() {
	n.SetValidMsec(0)
	n.SetError(0)
	n.SetExists(false)
	n.SetValidSec(0)
	n.SetUniq(0)
	n.SetBodyStart(0)
	n.SetFsSize(0)
}
