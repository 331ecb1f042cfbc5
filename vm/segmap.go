package vm

// segMap is the address space's segment map: an intrusive red-black
// tree keyed by starting page number, each node covering [Pgn, Pgn+Pglen)
// and carrying a polymorphic Handler instead of a flat struct.
//
// The tree shape (rotation, insertion rebalance, removal rebalance) is
// the teacher's vm/rb.go verbatim algorithm, generalized from a single
// Vminfo_t payload type to the Handler interface so each segment can be
// lazy-anonymous, direct-mapped, file-backed, or any other region kind
// without the tree itself knowing which.
type segNode struct {
	p, l, r *segNode
	c       rbColor
	pgn     uintptr
	pglen   uintptr
	handler Handler
}

type rbColor int

const (
	red rbColor = iota
	black
)

type segMap struct {
	root *segNode
}

func (h *segMap) rol(nn *segNode) {
	tmp := nn.r
	nn.r = tmp.l
	if nn.r != nil {
		tmp.l.p = nn
	}
	tmp.p = nn.p
	if tmp.p != nil {
		if nn == nn.p.l {
			nn.p.l = tmp
		} else {
			nn.p.r = tmp
		}
	} else {
		h.root = tmp
	}
	tmp.l = nn
	nn.p = tmp
}

func (h *segMap) ror(nn *segNode) {
	tmp := nn.l
	nn.l = tmp.r
	if nn.l != nil {
		tmp.r.p = nn
	}
	tmp.p = nn.p
	if tmp.p != nil {
		if nn == nn.p.l {
			nn.p.l = tmp
		} else {
			nn.p.r = tmp
		}
	} else {
		h.root = tmp
	}
	tmp.r = nn
	nn.p = tmp
}

func (h *segMap) balance(nn *segNode) {
	for par := nn.p; par != nil && par.c == red; par = nn.p {
		gp := par.p
		if par == gp.l {
			tmp := gp.r
			if tmp != nil && tmp.c == red {
				tmp.c = black
				par.c = black
				gp.c = red
				nn = gp
				continue
			}
			if par.r == nn {
				h.rol(par)
				tmp = par
				par = nn
				nn = tmp
			}
			par.c = black
			gp.c = red
			h.ror(gp)
		} else {
			tmp := gp.l
			if tmp != nil && tmp.c == red {
				tmp.c = black
				par.c = black
				gp.c = red
				nn = gp
				continue
			}
			if par.l == nn {
				h.ror(par)
				tmp = par
				par = nn
				nn = tmp
			}
			par.c = black
			gp.c = red
			h.rol(gp)
		}
	}
	h.root.c = black
}

// insert adds a new segment [pgn, pgn+pglen) with handler, or returns
// the existing node unmodified if pgn exactly matches one already
// present (callers are expected to have already checked for overlap;
// this tree does not merge or split ranges itself).
func (h *segMap) insert(pgn, pglen uintptr, handler Handler) *segNode {
	nn := &segNode{pgn: pgn, pglen: pglen, handler: handler, c: red}
	if h.root == nil {
		h.root = nn
		h.balance(nn)
		return nn
	}
	n := h.root
	for {
		switch {
		case pgn > n.pgn:
			if n.r == nil {
				n.r = nn
				nn.p = n
				h.balance(nn)
				return nn
			}
			n = n.r
		case pgn < n.pgn:
			if n.l == nil {
				n.l = nn
				nn.p = n
				h.balance(nn)
				return nn
			}
			n = n.l
		default:
			return n
		}
	}
}

// lookup finds the segment covering page number pgn, or nil.
func (h *segMap) lookup(pgn uintptr) *segNode {
	n := h.root
	for n != nil {
		end := n.pgn + n.pglen
		if pgn >= n.pgn && pgn < end {
			return n
		}
		if n.pgn < pgn {
			n = n.r
		} else {
			n = n.l
		}
	}
	return nil
}

// splitAt ensures atPgn is a segment boundary: if atPgn falls strictly
// inside an existing node's range, that node is shrunk to end at
// atPgn and a new node [atPgn, oldEnd) is inserted, carrying
// handler.Relocate(atPgn-oldPgn) so a file-anchored handler keeps
// reading from the right offset after the split. A no-op if atPgn is
// already a boundary or not covered by any segment.
func (h *segMap) splitAt(atPgn uintptr) {
	n := h.lookup(atPgn)
	if n == nil || atPgn == n.pgn {
		return
	}
	rightLen := (n.pgn + n.pglen) - atPgn
	rightHandler := n.handler.Relocate(atPgn - n.pgn)
	n.pglen = atPgn - n.pgn
	h.insert(atPgn, rightLen, rightHandler)
}

// iter calls f on every segment in ascending page-number order; f
// returning false stops the walk early.
func (h *segMap) iter(f func(*segNode) bool) {
	var walk func(*segNode) bool
	walk = func(n *segNode) bool {
		if n == nil {
			return true
		}
		if !walk(n.l) {
			return false
		}
		if !f(n) {
			return false
		}
		return walk(n.r)
	}
	walk(h.root)
}

func (h *segMap) rembalance(par, nn *segNode) {
	for (nn == nil || nn.c == black) && nn != h.root {
		if par.l == nn {
			tmp := par.r
			if tmp.c == red {
				tmp.c = black
				par.c = red
				h.rol(par)
				tmp = par.r
			}
			if (tmp.l == nil || tmp.l.c == black) && (tmp.r == nil || tmp.r.c == black) {
				tmp.c = red
				nn = par
				par = nn.p
			} else {
				if tmp.r == nil || tmp.r.c == black {
					oleft := tmp.l
					if oleft != nil {
						oleft.c = black
					}
					tmp.c = red
					h.ror(tmp)
					tmp = par.r
				}
				tmp.c = par.c
				par.c = black
				if tmp.r != nil {
					tmp.r.c = black
				}
				h.rol(par)
				nn = h.root
				break
			}
		} else {
			tmp := par.l
			if tmp.c == red {
				tmp.c = black
				par.c = red
				h.ror(par)
				tmp = par.l
			}
			if (tmp.l == nil || tmp.l.c == black) && (tmp.r == nil || tmp.r.c == black) {
				tmp.c = red
				nn = par
				par = nn.p
			} else {
				if tmp.l == nil || tmp.l.c == black {
					oright := tmp.r
					if oright != nil {
						oright.c = black
					}
					tmp.c = red
					h.rol(tmp)
					tmp = par.l
				}
				tmp.c = par.c
				par.c = black
				if tmp.l != nil {
					tmp.l.c = black
				}
				h.ror(par)
				nn = h.root
				break
			}
		}
	}
	if nn != nil {
		nn.c = black
	}
}

// remove unlinks nn from the tree.
func (h *segMap) remove(nn *segNode) {
	old := nn
	fast := true
	var child *segNode
	var par *segNode
	var col rbColor
	if nn.l == nil {
		child = nn.r
	} else if nn.r == nil {
		child = nn.l
	} else {
		nn = nn.r
		left := nn.l
		for left != nil {
			nn = left
			left = nn.l
		}
		child = nn.r
		par = nn.p
		col = nn.c
		if child != nil {
			child.p = par
		}
		if par != nil {
			if par.l == nn {
				par.l = child
			} else {
				par.r = child
			}
		} else {
			h.root = child
		}
		if nn.p == old {
			par = nn
		}
		nn.p = old.p
		nn.l = old.l
		nn.r = old.r
		nn.c = old.c
		if old.p != nil {
			if old.p.l == old {
				old.p.l = nn
			} else {
				old.p.r = nn
			}
		} else {
			h.root = nn
		}
		old.l.p = nn
		if old.r != nil {
			old.r.p = nn
		}
		fast = false
	}
	if fast {
		par = nn.p
		col = nn.c
		if child != nil {
			child.p = par
		}
		if par != nil {
			if par.l == nn {
				par.l = child
			} else {
				par.r = child
			}
		} else {
			h.root = child
		}
	}
	if col == black {
		h.rembalance(par, child)
	}
}
