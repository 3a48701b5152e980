package paths

import (
	"errors"
	"fmt"
	"math"
)

// maxDepth bounds bezier subdivision: 2^16 pieces per curve is far below
// any sensible tolerance.
const maxDepth = 16

var errDegenerate = errors.New("degenerate shape")

// Flatten turns every shape of the document into polylines whose
// deviation from the true outline is at most tol document units.
// Output is in document order. Shapes that cannot be flattened are
// skipped and reported in the returned warnings.
func (d *Document) Flatten(tol float64) (Polylines, []string) {
	var out Polylines
	var warnings []string
	for i, s := range d.Shapes {
		ps, err := FlattenShape(s, tol)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("skipping %s: %v", shapeName(i, s), err))
			continue
		}
		out = append(out, ps...)
	}
	return out, warnings
}

// FlattenShape flattens one shape to polylines in document units.
func FlattenShape(s Shape, tol float64) (Polylines, error) {
	if !(tol > 0) {
		return nil, fmt.Errorf("tolerance must be positive, got %g", tol)
	}
	a := s.attrs()
	m := a.Matrix
	scale := m.MaxScale()
	if scale == 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("singular transform %v", m)
	}
	f := &flattener{m: m, tol: tol / scale, b: builder{construction: a.Construction}}
	var err error
	switch s := s.(type) {
	case *PathShape:
		err = f.path(s.Segs)
	case *RectShape:
		err = f.rect(s)
	case *EllipseShape:
		err = f.ellipse(s)
	case *LineShape:
		f.moveTo(Vec2{s.X1, s.Y1})
		f.lineTo(Vec2{s.X2, s.Y2})
	case *PolylineShape:
		err = f.polyline(s)
	default:
		err = fmt.Errorf("unsupported shape %T", s)
	}
	if err != nil {
		return nil, err
	}
	out := f.b.finish()
	if len(out) == 0 {
		return nil, errDegenerate
	}
	return out, nil
}

// flattener works in the shape's local space, with tol already divided
// by the transform's largest stretch, and maps each emitted point
// through m.
type flattener struct {
	m     Matrix
	tol   float64
	b     builder
	cur   Vec2
	start Vec2
}

func (f *flattener) moveTo(v Vec2) {
	f.b.move(f.m.Apply(v))
	f.cur, f.start = v, v
}

func (f *flattener) lineTo(v Vec2) {
	f.b.line(f.m.Apply(v))
	f.cur = v
}

func (f *flattener) closePath() {
	if f.cur != f.start {
		f.lineTo(f.start)
	}
	f.cur = f.start
}

func (f *flattener) path(segs []PathSeg) error {
	for _, s := range segs {
		switch s.Op {
		case OpMove:
			f.moveTo(s.P[0])
		case OpLine:
			f.lineTo(s.P[0])
		case OpQuad:
			// raise to a cubic with the same curve.
			q := s.P[0]
			c1 := vec2lerp(f.cur, q, 2.0/3)
			c2 := vec2lerp(s.P[1], q, 2.0/3)
			f.cubic(f.cur, c1, c2, s.P[1], 0)
		case OpCubic:
			f.cubic(f.cur, s.P[0], s.P[1], s.P[2], 0)
		case OpArc:
			f.arc(s)
		case OpClose:
			f.closePath()
		default:
			return fmt.Errorf("unknown path op %q", s.Op)
		}
	}
	return nil
}

// cubicFlat reports whether both control points lie within tol of the
// chord. The curve stays inside the hull of its control points, so the
// chord is then within tol of the curve.
func cubicFlat(p0, p1, p2, p3 Vec2, tol float64) bool {
	return segDist(p1, p0, p3) <= tol && segDist(p2, p0, p3) <= tol
}

func (f *flattener) cubic(p0, p1, p2, p3 Vec2, depth int) {
	if depth >= maxDepth || cubicFlat(p0, p1, p2, p3, f.tol) {
		f.lineTo(p3)
		return
	}
	// de Casteljau split at t=0.5.
	p01 := vec2lerp(p0, p1, 0.5)
	p12 := vec2lerp(p1, p2, 0.5)
	p23 := vec2lerp(p2, p3, 0.5)
	p012 := vec2lerp(p01, p12, 0.5)
	p123 := vec2lerp(p12, p23, 0.5)
	mid := vec2lerp(p012, p123, 0.5)
	f.cubic(p0, p01, p012, mid, depth+1)
	f.cubic(mid, p123, p23, p3, depth+1)
}

// arcSteps is how many chords an elliptical arc spanning sweep radians
// needs so no chord strays more than tol from an ellipse whose larger
// radius is r.
func arcSteps(r, sweep, tol float64, minSteps int) int {
	c := 1 - tol/r
	if c < -1 {
		c = -1
	}
	step := 2 * math.Acos(c)
	n := minSteps
	if step > 0 {
		n = int(math.Ceil(math.Abs(sweep) / step))
	}
	if n < minSteps {
		n = minSteps
	}
	return n
}

func ellipsePoint(c Vec2, rx, ry, phi, t float64) Vec2 {
	sp, cp := math.Sincos(phi)
	st, ct := math.Sincos(t)
	return Vec2{
		c[0] + rx*cp*ct - ry*sp*st,
		c[1] + rx*sp*ct + ry*cp*st,
	}
}

// ellipseInterior emits the interior points of an arc from angle t0
// through t0+dt; the caller emits the exact end point.
func (f *flattener) ellipseInterior(c Vec2, rx, ry, phi, t0, dt float64, minSteps int) {
	n := arcSteps(math.Max(rx, ry), dt, f.tol, minSteps)
	for i := 1; i < n; i++ {
		f.lineTo(ellipsePoint(c, rx, ry, phi, t0+dt*float64(i)/float64(n)))
	}
}

// arc flattens an endpoint-parameterized elliptical arc, converting it
// to center form first. Out-of-range radii are scaled up, and a zero
// radius makes the arc a straight line.
func (f *flattener) arc(s PathSeg) {
	p0, p1 := f.cur, s.P[0]
	if p0 == p1 {
		return
	}
	rx, ry := math.Abs(s.RX), math.Abs(s.RY)
	if rx == 0 || ry == 0 {
		f.lineTo(p1)
		return
	}
	phi := deg(s.Rot)
	sp, cp := math.Sincos(phi)
	dx, dy := (p0[0]-p1[0])/2, (p0[1]-p1[1])/2
	x1 := cp*dx + sp*dy
	y1 := -sp*dx + cp*dy
	if l := x1*x1/(rx*rx) + y1*y1/(ry*ry); l > 1 {
		rx *= math.Sqrt(l)
		ry *= math.Sqrt(l)
	}
	num := rx*rx*ry*ry - rx*rx*y1*y1 - ry*ry*x1*x1
	den := rx*rx*y1*y1 + ry*ry*x1*x1
	coef := math.Sqrt(math.Max(0, num/den))
	if s.Large == s.Sweep {
		coef = -coef
	}
	cx1 := coef * rx * y1 / ry
	cy1 := -coef * ry * x1 / rx
	c := Vec2{
		cp*cx1 - sp*cy1 + (p0[0]+p1[0])/2,
		sp*cx1 + cp*cy1 + (p0[1]+p1[1])/2,
	}
	ux, uy := (x1-cx1)/rx, (y1-cy1)/ry
	vx, vy := (-x1-cx1)/rx, (-y1-cy1)/ry
	t0 := math.Atan2(uy, ux)
	dt := math.Atan2(ux*vy-uy*vx, ux*vx+uy*vy)
	if !s.Sweep && dt > 0 {
		dt -= 2 * math.Pi
	} else if s.Sweep && dt < 0 {
		dt += 2 * math.Pi
	}
	f.ellipseInterior(c, rx, ry, phi, t0, dt, 1)
	f.lineTo(p1)
}

func (f *flattener) ellipse(e *EllipseShape) error {
	if e.RX < 0 || e.RY < 0 {
		return fmt.Errorf("negative radius %g,%g", e.RX, e.RY)
	}
	if e.RX == 0 || e.RY == 0 {
		return errDegenerate
	}
	c := Vec2{e.CX, e.CY}
	start := ellipsePoint(c, e.RX, e.RY, 0, 0)
	f.moveTo(start)
	f.ellipseInterior(c, e.RX, e.RY, 0, 0, 2*math.Pi, 4)
	f.lineTo(start)
	return nil
}

func (f *flattener) rect(r *RectShape) error {
	if r.W < 0 || r.H < 0 {
		return fmt.Errorf("negative size %gx%g", r.W, r.H)
	}
	if r.W == 0 || r.H == 0 {
		return errDegenerate
	}
	rx, ry := r.RX, r.RY
	if rx < 0 || ry < 0 {
		return fmt.Errorf("negative corner radius %g,%g", rx, ry)
	}
	rx = math.Min(rx, r.W/2)
	ry = math.Min(ry, r.H/2)
	x0, y0, x1, y1 := r.X, r.Y, r.X+r.W, r.Y+r.H
	if rx == 0 || ry == 0 {
		f.moveTo(Vec2{x0, y0})
		f.lineTo(Vec2{x1, y0})
		f.lineTo(Vec2{x1, y1})
		f.lineTo(Vec2{x0, y1})
		f.closePath()
		return nil
	}
	corner := func(cx, cy, t0 float64, end Vec2) {
		f.ellipseInterior(Vec2{cx, cy}, rx, ry, 0, t0, math.Pi/2, 1)
		f.lineTo(end)
	}
	f.moveTo(Vec2{x0 + rx, y0})
	f.lineTo(Vec2{x1 - rx, y0})
	corner(x1-rx, y0+ry, -math.Pi/2, Vec2{x1, y0 + ry})
	f.lineTo(Vec2{x1, y1 - ry})
	corner(x1-rx, y1-ry, 0, Vec2{x1 - rx, y1})
	f.lineTo(Vec2{x0 + rx, y1})
	corner(x0+rx, y1-ry, math.Pi/2, Vec2{x0, y1 - ry})
	f.lineTo(Vec2{x0, y0 + ry})
	corner(x0+rx, y0+ry, math.Pi, Vec2{x0 + rx, y0})
	return nil
}

func (f *flattener) polyline(p *PolylineShape) error {
	if len(p.Points) < 2 {
		return errDegenerate
	}
	f.moveTo(p.Points[0])
	for _, v := range p.Points[1:] {
		f.lineTo(v)
	}
	if p.Closed {
		f.closePath()
	}
	return nil
}
