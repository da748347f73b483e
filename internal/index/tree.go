package index

import cachekey "github.com/always-cache/filecache/pkg/cache-key"

// AVL tree over slot ids. Nodes are relinked, never copied, so a Node
// handle held by a request stays valid across rebalancing and deletion of
// other nodes.

func (x *Index) h(id uint32) uint32 {
	if id == 0 {
		return 0
	}
	return x.Node(id).height()
}

func (x *Index) fix(n Node) {
	n.setHeight(1 + max(x.h(n.left()), x.h(n.right())))
}

func (x *Index) rotateRight(id uint32) uint32 {
	n := x.Node(id)
	l := x.Node(n.left())
	n.setLeft(l.right())
	l.setRight(id)
	x.fix(n)
	x.fix(l)
	return l.id
}

func (x *Index) rotateLeft(id uint32) uint32 {
	n := x.Node(id)
	r := x.Node(n.right())
	n.setRight(r.left())
	r.setLeft(id)
	x.fix(n)
	x.fix(r)
	return r.id
}

func (x *Index) balance(id uint32) uint32 {
	n := x.Node(id)
	x.fix(n)
	lh, rh := x.h(n.left()), x.h(n.right())
	switch {
	case lh > rh+1:
		l := x.Node(n.left())
		if x.h(l.left()) < x.h(l.right()) {
			n.setLeft(x.rotateLeft(l.id))
		}
		return x.rotateRight(id)
	case rh > lh+1:
		r := x.Node(n.right())
		if x.h(r.right()) < x.h(r.left()) {
			n.setRight(x.rotateRight(r.id))
		}
		return x.rotateLeft(id)
	}
	return id
}

func (x *Index) insert(root uint32, n Node, key cachekey.Key) uint32 {
	if root == 0 {
		return n.id
	}
	r := x.Node(root)
	if key.Compare(r.Key()) < 0 {
		r.setLeft(x.insert(r.left(), n, key))
	} else {
		r.setRight(x.insert(r.right(), n, key))
	}
	return x.balance(root)
}

// removeMin detaches the leftmost node of the subtree and returns the new
// subtree root and the detached id.
func (x *Index) removeMin(root uint32) (uint32, uint32) {
	r := x.Node(root)
	if r.left() == 0 {
		return r.right(), root
	}
	sub, least := x.removeMin(r.left())
	r.setLeft(sub)
	return x.balance(root), least
}

func (x *Index) remove(root uint32, key cachekey.Key) uint32 {
	if root == 0 {
		return 0
	}
	r := x.Node(root)
	switch c := key.Compare(r.Key()); {
	case c < 0:
		r.setLeft(x.remove(r.left(), key))
	case c > 0:
		r.setRight(x.remove(r.right(), key))
	default:
		l, rt := r.left(), r.right()
		r.setLeft(0)
		r.setRight(0)
		if l == 0 {
			return rt
		}
		if rt == 0 {
			return l
		}
		sub, succ := x.removeMin(rt)
		s := x.Node(succ)
		s.setLeft(l)
		s.setRight(sub)
		return x.balance(succ)
	}
	return x.balance(root)
}
