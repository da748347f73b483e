package index

// The queue runs from head (most recently used) to tail. next points
// towards the tail, prev towards the head.

func (x *Index) PushFront(n Node) {
	head := x.u32(metaHead)
	n.setPrev(0)
	n.setNext(head)
	if head != 0 {
		x.Node(head).setPrev(n.id)
	} else {
		x.setU32(metaTail, n.id)
	}
	x.setU32(metaHead, n.id)
}

func (x *Index) Unlink(n Node) {
	prev, next := n.prev(), n.next()
	if prev != 0 {
		x.Node(prev).setNext(next)
	} else if x.u32(metaHead) == n.id {
		x.setU32(metaHead, next)
	}
	if next != 0 {
		x.Node(next).setPrev(prev)
	} else if x.u32(metaTail) == n.id {
		x.setU32(metaTail, prev)
	}
	n.setPrev(0)
	n.setNext(0)
}

func (x *Index) MoveToFront(n Node) {
	x.Unlink(n)
	x.PushFront(n)
}

// Back returns the least recently used node.
func (x *Index) Back() (Node, bool) {
	id := x.u32(metaTail)
	if id == 0 {
		return Node{}, false
	}
	return x.Node(id), true
}

// Prev returns the node used just after n.
func (x *Index) Prev(n Node) (Node, bool) {
	id := n.prev()
	if id == 0 {
		return Node{}, false
	}
	return x.Node(id), true
}
