package paths

import (
	"fmt"
	"strconv"
)

// PathOp is the kind of a path segment, after path data has been
// converted to absolute coordinates.
type PathOp byte

const (
	OpMove  PathOp = 'M'
	OpLine  PathOp = 'L'
	OpQuad  PathOp = 'Q'
	OpCubic PathOp = 'C'
	OpArc   PathOp = 'A'
	OpClose PathOp = 'Z'
)

// A PathSeg is one absolute segment of a path. P holds the control
// points (if any) followed by the end point. Arc segments also carry
// their radii, x-axis rotation in degrees, and flags.
type PathSeg struct {
	Op PathOp
	P  []Vec2

	RX, RY, Rot  float64
	Large, Sweep bool
}

// End is the point the segment finishes at.
func (s PathSeg) End() Vec2 { return s.P[len(s.P)-1] }

type pathLexer struct {
	s string
	i int
}

func isPathSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == ','
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func (l *pathLexer) skip() {
	for l.i < len(l.s) && isPathSpace(l.s[l.i]) {
		l.i++
	}
}

func (l *pathLexer) done() bool {
	l.skip()
	return l.i >= len(l.s)
}

// command returns the command letter at the current position, if any,
// without consuming it.
func (l *pathLexer) command() (byte, bool) {
	l.skip()
	if l.i >= len(l.s) {
		return 0, false
	}
	c := l.s[l.i]
	switch c {
	case 'e', 'E':
		return 0, false
	}
	if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return c, true
	}
	return 0, false
}

// number scans a number in the compact path syntax, where "1-2" and
// "0.5.5" are each two numbers.
func (l *pathLexer) number() (float64, error) {
	l.skip()
	start := l.i
	if l.i < len(l.s) && (l.s[l.i] == '+' || l.s[l.i] == '-') {
		l.i++
	}
	digits := 0
	for l.i < len(l.s) && isDigit(l.s[l.i]) {
		l.i++
		digits++
	}
	if l.i < len(l.s) && l.s[l.i] == '.' {
		l.i++
		for l.i < len(l.s) && isDigit(l.s[l.i]) {
			l.i++
			digits++
		}
	}
	if digits == 0 {
		l.i = start
		return 0, fmt.Errorf("expected number at offset %d", start)
	}
	if l.i < len(l.s) && (l.s[l.i] == 'e' || l.s[l.i] == 'E') {
		j := l.i + 1
		if j < len(l.s) && (l.s[j] == '+' || l.s[j] == '-') {
			j++
		}
		if j < len(l.s) && isDigit(l.s[j]) {
			for j < len(l.s) && isDigit(l.s[j]) {
				j++
			}
			l.i = j
		}
	}
	return strconv.ParseFloat(l.s[start:l.i], 64)
}

// flag scans an arc flag, which may be written without a separator.
func (l *pathLexer) flag() (bool, error) {
	l.skip()
	if l.i < len(l.s) {
		switch l.s[l.i] {
		case '0':
			l.i++
			return false, nil
		case '1':
			l.i++
			return true, nil
		}
	}
	return false, fmt.Errorf("expected arc flag at offset %d", l.i)
}

func (l *pathLexer) numbers(n int) ([]float64, error) {
	r := make([]float64, n)
	for i := range r {
		f, err := l.number()
		if err != nil {
			return nil, err
		}
		r[i] = f
	}
	return r, nil
}

func reflectAbout(p, c Vec2) Vec2 {
	return Vec2{2*c[0] - p[0], 2*c[1] - p[1]}
}

// ParsePathData converts the d attribute of an SVG path into absolute
// segments. Relative commands, shorthand curves (S, T), H and V are
// all resolved.
func ParsePathData(d string) ([]PathSeg, error) {
	l := &pathLexer{s: d}
	var segs []PathSeg
	var cur, start Vec2
	// control point of the previous curve, for S and T.
	var lastCtrl Vec2
	var prev byte
	var cmd byte
	for !l.done() {
		if c, ok := l.command(); ok {
			cmd = c
			l.i++
		} else if cmd == 0 {
			return nil, fmt.Errorf("path data must start with a command, got %q", d[l.i:])
		} else if cmd == 'Z' || cmd == 'z' {
			return nil, fmt.Errorf("unexpected number after close at offset %d", l.i)
		}
		rel := cmd >= 'a'
		abs := func(v Vec2) Vec2 {
			if rel {
				return Vec2{v[0] + cur[0], v[1] + cur[1]}
			}
			return v
		}
		upper := cmd &^ 0x20
		if len(segs) == 0 && upper != 'M' {
			return nil, fmt.Errorf("path data must start with a move, got %q", cmd)
		}
		var seg PathSeg
		switch upper {
		case 'M':
			a, err := l.numbers(2)
			if err != nil {
				return nil, err
			}
			p := abs(Vec2{a[0], a[1]})
			seg = PathSeg{Op: OpMove, P: []Vec2{p}}
			start = p
			// further coordinate pairs are implicit lines.
			if rel {
				cmd = 'l'
			} else {
				cmd = 'L'
			}
		case 'L':
			a, err := l.numbers(2)
			if err != nil {
				return nil, err
			}
			seg = PathSeg{Op: OpLine, P: []Vec2{abs(Vec2{a[0], a[1]})}}
		case 'H':
			x, err := l.number()
			if err != nil {
				return nil, err
			}
			if rel {
				x += cur[0]
			}
			seg = PathSeg{Op: OpLine, P: []Vec2{{x, cur[1]}}}
		case 'V':
			y, err := l.number()
			if err != nil {
				return nil, err
			}
			if rel {
				y += cur[1]
			}
			seg = PathSeg{Op: OpLine, P: []Vec2{{cur[0], y}}}
		case 'C':
			a, err := l.numbers(6)
			if err != nil {
				return nil, err
			}
			seg = PathSeg{Op: OpCubic, P: []Vec2{abs(Vec2{a[0], a[1]}), abs(Vec2{a[2], a[3]}), abs(Vec2{a[4], a[5]})}}
		case 'S':
			a, err := l.numbers(4)
			if err != nil {
				return nil, err
			}
			c1 := cur
			if prev == 'C' || prev == 'S' {
				c1 = reflectAbout(lastCtrl, cur)
			}
			seg = PathSeg{Op: OpCubic, P: []Vec2{c1, abs(Vec2{a[0], a[1]}), abs(Vec2{a[2], a[3]})}}
		case 'Q':
			a, err := l.numbers(4)
			if err != nil {
				return nil, err
			}
			seg = PathSeg{Op: OpQuad, P: []Vec2{abs(Vec2{a[0], a[1]}), abs(Vec2{a[2], a[3]})}}
		case 'T':
			a, err := l.numbers(2)
			if err != nil {
				return nil, err
			}
			c := cur
			if prev == 'Q' || prev == 'T' {
				c = reflectAbout(lastCtrl, cur)
			}
			seg = PathSeg{Op: OpQuad, P: []Vec2{c, abs(Vec2{a[0], a[1]})}}
		case 'A':
			r, err := l.numbers(3)
			if err != nil {
				return nil, err
			}
			large, err := l.flag()
			if err != nil {
				return nil, err
			}
			sweep, err := l.flag()
			if err != nil {
				return nil, err
			}
			e, err := l.numbers(2)
			if err != nil {
				return nil, err
			}
			seg = PathSeg{Op: OpArc, P: []Vec2{abs(Vec2{e[0], e[1]})},
				RX: r[0], RY: r[1], Rot: r[2], Large: large, Sweep: sweep}
		case 'Z':
			seg = PathSeg{Op: OpClose, P: []Vec2{start}}
		default:
			return nil, fmt.Errorf("unknown path command %q", cmd)
		}
		switch seg.Op {
		case OpCubic:
			lastCtrl = seg.P[1]
		case OpQuad:
			lastCtrl = seg.P[0]
		}
		prev = upper
		cur = seg.End()
		segs = append(segs, seg)
	}
	return segs, nil
}

// parsePoints reads the points attribute of polyline and polygon.
func parsePoints(s string) ([]Vec2, error) {
	l := &pathLexer{s: s}
	var r []Vec2
	for !l.done() {
		a, err := l.numbers(2)
		if err != nil {
			return nil, err
		}
		r = append(r, Vec2{a[0], a[1]})
	}
	return r, nil
}
