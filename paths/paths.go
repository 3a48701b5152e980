// Package paths turns vector artwork into polylines: it parses SVG
// documents, flattens their shapes into line segments, and maps the
// result onto a page measured in millimeters.
package paths

import "math"

// Vec2 is a 2-dimensional vector.
type Vec2 [2]float64

// A Polyline is a contiguous series of line segments, from the
// first point in V to the last. Construction polylines come from
// geometry that is not meant to be drawn (hidden elements, defs);
// they are carried along but never plotted.
type Polyline struct {
	V            []Vec2
	Construction bool
}

// Polylines is an ordered set of polylines.
type Polylines []Polyline

// Bounds describes an axis-aligned bounding box.
type Bounds struct {
	Min, Max Vec2
}

// Width of the box.
func (b Bounds) Width() float64 { return b.Max[0] - b.Min[0] }

// Height of the box.
func (b Bounds) Height() float64 { return b.Max[1] - b.Min[1] }

// Contains reports whether v lies inside b, edges included.
func (b Bounds) Contains(v Vec2) bool {
	return v[0] >= b.Min[0] && v[0] <= b.Max[0] && v[1] >= b.Min[1] && v[1] <= b.Max[1]
}

// Bounds returns the box exactly containing all drawable points.
// ok is false when there are no drawable points.
func (ps Polylines) Bounds() (b Bounds, ok bool) {
	inf := math.Inf(1)
	min := Vec2{inf, inf}
	max := Vec2{-inf, -inf}
	for _, p := range ps {
		if p.Construction {
			continue
		}
		for _, v := range p.V {
			ok = true
			min[0] = math.Min(min[0], v[0])
			min[1] = math.Min(min[1], v[1])
			max[0] = math.Max(max[0], v[0])
			max[1] = math.Max(max[1], v[1])
		}
	}
	if !ok {
		return Bounds{}, false
	}
	return Bounds{Min: min, Max: max}, true
}

// Drawable returns the polylines that will be plotted: not construction,
// and with at least two points.
func (ps Polylines) Drawable() Polylines {
	var r Polylines
	for _, p := range ps {
		if p.Construction || len(p.V) < 2 {
			continue
		}
		r = append(r, p)
	}
	return r
}

// Clone returns a deep copy, so callers can transform the result without
// touching the original.
func (ps Polylines) Clone() Polylines {
	r := make(Polylines, len(ps))
	for i, p := range ps {
		r[i] = Polyline{V: append([]Vec2(nil), p.V...), Construction: p.Construction}
	}
	return r
}

// PointCount is the total number of vertices.
func (ps Polylines) PointCount() int {
	n := 0
	for _, p := range ps {
		n += len(p.V)
	}
	return n
}

// builder accumulates polylines the way a pen moves: move starts a new
// polyline unless the pen is already there, line extends the current one.
type builder struct {
	out          Polylines
	construction bool
}

func (b *builder) move(x Vec2) {
	if n := len(b.out); n > 0 {
		p := &b.out[n-1]
		if len(p.V) == 1 {
			// a lone move is replaced, not kept as a dot.
			p.V[0] = x
			return
		}
	}
	b.out = append(b.out, Polyline{V: []Vec2{x}, Construction: b.construction})
}

func (b *builder) line(x Vec2) {
	if len(b.out) == 0 {
		b.move(x)
		return
	}
	p := &b.out[len(b.out)-1]
	if len(p.V) > 0 && p.V[len(p.V)-1] == x {
		return
	}
	p.V = append(p.V, x)
}

// finish drops a trailing lone move.
func (b *builder) finish() Polylines {
	if n := len(b.out); n > 0 && len(b.out[n-1].V) < 2 {
		b.out = b.out[:n-1]
	}
	return b.out
}

func vec2dist(v0, v1 Vec2) float64 {
	return math.Hypot(v0[0]-v1[0], v0[1]-v1[1])
}

func vec2lerp(x, y Vec2, s float64) Vec2 {
	return Vec2{x[0]*(1-s) + y[0]*s, x[1]*(1-s) + y[1]*s}
}

// segDist is the distance from v to the segment a-b.
func segDist(v, a, b Vec2) float64 {
	dx, dy := b[0]-a[0], b[1]-a[1]
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return vec2dist(v, a)
	}
	t := ((v[0]-a[0])*dx + (v[1]-a[1])*dy) / l2
	t = math.Max(0, math.Min(1, t))
	return vec2dist(v, vec2lerp(a, b, t))
}
