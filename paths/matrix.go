package paths

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/scanner"
)

// Matrix is a 2D affine transform in SVG order:
//
//	| A C E |
//	| B D F |
//	| 0 0 1 |
type Matrix struct {
	A, B, C, D, E, F float64
}

// Identity is the transform that leaves points unchanged.
var Identity = Matrix{A: 1, D: 1}

// Mul returns m·n, the transform that applies n first and then m.
func (m Matrix) Mul(n Matrix) Matrix {
	return Matrix{
		A: m.A*n.A + m.C*n.B,
		B: m.B*n.A + m.D*n.B,
		C: m.A*n.C + m.C*n.D,
		D: m.B*n.C + m.D*n.D,
		E: m.A*n.E + m.C*n.F + m.E,
		F: m.B*n.E + m.D*n.F + m.F,
	}
}

// Apply transforms a point.
func (m Matrix) Apply(v Vec2) Vec2 {
	return Vec2{
		m.A*v[0] + m.C*v[1] + m.E,
		m.B*v[0] + m.D*v[1] + m.F,
	}
}

// MaxScale is the largest factor by which m stretches any vector, used to
// convert a tolerance in output units into local units.
func (m Matrix) MaxScale() float64 {
	// largest singular value of the linear part.
	p := m.A*m.A + m.B*m.B + m.C*m.C + m.D*m.D
	det := m.A*m.D - m.B*m.C
	q := math.Sqrt(math.Max(0, p*p-4*det*det))
	return math.Sqrt((p + q) / 2)
}

// Translate returns m with a translation applied first.
func (m Matrix) Translate(x, y float64) Matrix {
	return m.Mul(Matrix{A: 1, D: 1, E: x, F: y})
}

// Scale returns m with a scale applied first.
func (m Matrix) Scale(x, y float64) Matrix {
	return m.Mul(Matrix{A: x, D: y})
}

// Rotate returns m with a rotation by theta radians applied first.
func (m Matrix) Rotate(theta float64) Matrix {
	s, c := math.Sincos(theta)
	return m.Mul(Matrix{A: c, B: s, C: -s, D: c})
}

// SkewX returns m with a horizontal skew by theta radians applied first.
func (m Matrix) SkewX(theta float64) Matrix {
	return m.Mul(Matrix{A: 1, C: math.Tan(theta), D: 1})
}

// SkewY returns m with a vertical skew by theta radians applied first.
func (m Matrix) SkewY(theta float64) Matrix {
	return m.Mul(Matrix{A: 1, B: math.Tan(theta), D: 1})
}

type xformScannerState int

const (
	xfsName xformScannerState = 1 + iota
	xfsBra
	xfsMaybeComma
	xfsArg
)

func deg(a float64) float64 { return a * math.Pi / 180 }

func applyXformFunc(m Matrix, name string, a []float64) (Matrix, error) {
	argc := func(counts ...int) error {
		for _, c := range counts {
			if len(a) == c {
				return nil
			}
		}
		return fmt.Errorf("%s takes %v parameters: got %v", name, counts, a)
	}
	switch name {
	case "matrix":
		if err := argc(6); err != nil {
			return m, err
		}
		return m.Mul(Matrix{A: a[0], B: a[1], C: a[2], D: a[3], E: a[4], F: a[5]}), nil
	case "translate":
		if err := argc(1, 2); err != nil {
			return m, err
		}
		if len(a) == 1 {
			a = append(a, 0)
		}
		return m.Translate(a[0], a[1]), nil
	case "scale":
		if err := argc(1, 2); err != nil {
			return m, err
		}
		if len(a) == 1 {
			a = append(a, a[0])
		}
		return m.Scale(a[0], a[1]), nil
	case "rotate":
		if err := argc(1, 3); err != nil {
			return m, err
		}
		if len(a) == 3 {
			return m.Translate(a[1], a[2]).Rotate(deg(a[0])).Translate(-a[1], -a[2]), nil
		}
		return m.Rotate(deg(a[0])), nil
	case "skewX":
		if err := argc(1); err != nil {
			return m, err
		}
		return m.SkewX(deg(a[0])), nil
	case "skewY":
		if err := argc(1); err != nil {
			return m, err
		}
		return m.SkewY(deg(a[0])), nil
	default:
		return m, fmt.Errorf("unknown transform function %q", name)
	}
}

// ParseTransform parses an SVG transform attribute such as
// "translate(10, 20) rotate(45)". An empty string is the identity.
func ParseTransform(x string) (Matrix, error) {
	var s scanner.Scanner
	s.Init(strings.NewReader(x))
	s.Mode = scanner.ScanIdents | scanner.ScanFloats | scanner.ScanInts
	s.Error = func(*scanner.Scanner, string) {}
	m := Identity
	state := xfsName
	fname := ""
	sign := ""
	var args []float64
	for tok := s.Scan(); tok != scanner.EOF; tok = s.Scan() {
		switch state {
		case xfsName:
			if tok == ',' {
				continue
			}
			if tok != scanner.Ident {
				return Identity, fmt.Errorf("failed to parse transform: expected transform name, but got %q", s.TokenText())
			}
			fname = s.TokenText()
			state = xfsBra
		case xfsBra:
			if tok != '(' {
				return Identity, fmt.Errorf("failed to parse transform: expected (, but got %q", s.TokenText())
			}
			state = xfsArg
		case xfsMaybeComma:
			if tok == ',' {
				state = xfsArg
				continue
			}
			fallthrough
		case xfsArg:
			switch {
			case tok == ')' && sign == "":
				var err error
				if m, err = applyXformFunc(m, fname, args); err != nil {
					return Identity, err
				}
				state = xfsName
				args = nil
			case (tok == '-' || tok == '+') && sign == "":
				sign = s.TokenText()
			case tok == scanner.Float || tok == scanner.Int:
				f, err := strconv.ParseFloat(sign+s.TokenText(), 64)
				if err != nil {
					return Identity, err
				}
				args = append(args, f)
				sign = ""
				state = xfsMaybeComma
			default:
				return Identity, fmt.Errorf("unexpected token %q parsing transform %q", s.TokenText(), x)
			}
		}
	}
	if state != xfsName {
		return Identity, fmt.Errorf("failed to parse transform: %q", x)
	}
	return m, nil
}
