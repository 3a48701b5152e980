package paths

import (
	"math"
	"sort"
)

// SortConfig controls travel optimization.
type SortConfig struct {
	Split   bool // ok to split continuous polylines
	Reverse bool // ok to draw polylines in the reverse direction
}

// A verticle is a vertex (the "start" vertex of the polyline),
// with a link to the other "end" of the polyline.
// This might be an adjacent vertex on the polyline, or it might
// summarize the whole polyline from start to end.
type verticle struct {
	path       int // which polyline it's from
	start, end int // start and end index of segment
}

func (v verticle) reversed() verticle {
	v.start, v.end = v.end, v.start
	return v
}

// kdNode is a node of a 2-d tree over verticle start points. Leaves hold
// a small slice of entries and no children.
type kdNode struct {
	x           Vec2
	v           verticle
	yaxis       bool
	left, right *kdNode
	leaf        []kdEntry
}

type kdEntry struct {
	x Vec2
	v verticle
}

type vindex struct {
	minR float64
	live map[verticle]struct{}
	root *kdNode
}

const leafThreshold = 20

func buildIndex(es []kdEntry, yaxis bool) *kdNode {
	if len(es) == 0 {
		return nil
	}
	if len(es) < leafThreshold {
		return &kdNode{leaf: append([]kdEntry(nil), es...)}
	}
	axis := 0
	if yaxis {
		axis = 1
	}
	sort.Slice(es, func(i, j int) bool { return es[i].x[axis] < es[j].x[axis] })
	k := len(es) / 2
	return &kdNode{
		x:     es[k].x,
		v:     es[k].v,
		yaxis: yaxis,
		left:  buildIndex(es[:k], !yaxis),
		right: buildIndex(es[k+1:], !yaxis),
	}
}

type vcand struct {
	dist float64
	v    verticle
}

func vec2distbounds(v0 Vec2, b Bounds) float64 {
	v := Vec2{
		math.Min(math.Max(v0[0], b.Min[0]), b.Max[0]),
		math.Min(math.Max(v0[1], b.Min[1]), b.Max[1]),
	}
	return vec2dist(v0, v)
}

func (vi *vindex) consider(cand []vcand, x Vec2, v verticle, pos Vec2, r float64) []vcand {
	if d := vec2dist(x, pos); d <= r {
		if _, ok := vi.live[v]; ok {
			cand = append(cand, vcand{dist: d, v: v})
		}
	}
	return cand
}

func (vi *vindex) findRadius(n *kdNode, pos Vec2, r float64, bounds Bounds, cand []vcand) []vcand {
	if n == nil {
		return cand
	}
	if n.leaf != nil {
		for _, e := range n.leaf {
			cand = vi.consider(cand, e.x, e.v, pos, r)
		}
		return cand
	}
	cand = vi.consider(cand, n.x, n.v, pos, r)

	axis := 0
	if n.yaxis {
		axis = 1
	}
	near, far := n.left, n.right
	nearB, farB := bounds, bounds
	nearB.Max[axis], farB.Min[axis] = n.x[axis], n.x[axis]
	if pos[axis] > n.x[axis] {
		near, far = far, near
		nearB, farB = farB, nearB
	}
	cand = vi.findRadius(near, pos, r, nearB, cand)
	if math.Abs(pos[axis]-n.x[axis]) <= r && vec2distbounds(pos, farB) <= r {
		cand = vi.findRadius(far, pos, r, farB, cand)
	}
	return cand
}

func (vi *vindex) popNearest(pos Vec2) verticle {
	r := vi.minR
	const inf = 1e19
	bs := Bounds{Min: Vec2{-inf, -inf}, Max: Vec2{inf, inf}}
	for {
		cands := vi.findRadius(vi.root, pos, r, bs, nil)
		if len(cands) > 0 {
			best := 0
			for i := 1; i < len(cands); i++ {
				if cands[i].dist < cands[best].dist {
					best = i
				}
			}
			v := cands[best].v
			delete(vi.live, v)
			delete(vi.live, v.reversed())
			return v
		}
		r *= 2
	}
}

// Sort reorders the drawable polylines to reduce pen-up travel, greedily
// drawing next whichever remaining polyline starts nearest to where the
// pen is. Travel starts from the origin. Construction polylines are kept,
// after the drawable ones.
func (ps Polylines) Sort(cfg SortConfig) Polylines {
	draw := ps.Drawable()
	var es []kdEntry
	for i, p := range draw {
		if cfg.Split {
			for j := 0; j < len(p.V)-1; j++ {
				es = append(es, kdEntry{p.V[j], verticle{i, j, j + 1}})
				if cfg.Reverse {
					es = append(es, kdEntry{p.V[j+1], verticle{i, j + 1, j}})
				}
			}
		} else {
			es = append(es, kdEntry{p.V[0], verticle{i, 0, len(p.V) - 1}})
			if cfg.Reverse {
				es = append(es, kdEntry{p.V[len(p.V)-1], verticle{i, len(p.V) - 1, 0}})
			}
		}
	}
	want := len(es)
	if cfg.Reverse {
		want /= 2
	}
	live := make(map[verticle]struct{}, len(es))
	for _, e := range es {
		live[e.v] = struct{}{}
	}
	minR := 1.0
	if b, ok := draw.Bounds(); ok && b.Width() > 0 {
		minR = b.Width() / 100
	}
	idx := &vindex{minR: minR, live: live, root: buildIndex(es, false)}

	var b builder
	var pos Vec2
	for i := 0; i < want; i++ {
		v := idx.popNearest(pos)
		src := draw[v.path].V
		d := 1
		if v.end < v.start {
			d = -1
		}
		for j := v.start; j != v.end; j += d {
			// move is a no-op when the pen is already at src[j].
			if n := len(b.out); n == 0 || b.out[n-1].V[len(b.out[n-1].V)-1] != src[j] {
				b.move(src[j])
			}
			b.line(src[j+d])
		}
		pos = src[v.end]
	}
	out := b.finish()
	for _, p := range ps {
		if p.Construction {
			out = append(out, p)
		}
	}
	return out
}
