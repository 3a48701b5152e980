package paths

import (
	"reflect"
	"testing"
)

func TestParsePathData(t *testing.T) {
	mv := func(x, y float64) PathSeg { return PathSeg{Op: OpMove, P: []Vec2{{x, y}}} }
	ln := func(x, y float64) PathSeg { return PathSeg{Op: OpLine, P: []Vec2{{x, y}}} }
	cases := []struct {
		d    string
		want []PathSeg
	}{
		{"M 1 2 L 3 4", []PathSeg{mv(1, 2), ln(3, 4)}},
		{"M1,2 3,4 5,6", []PathSeg{mv(1, 2), ln(3, 4), ln(5, 6)}},
		{"m1 2 3 4", []PathSeg{mv(1, 2), ln(4, 6)}},
		{"M10 10 h5 v-5 H0 V0", []PathSeg{mv(10, 10), ln(15, 10), ln(15, 5), ln(0, 5), ln(0, 0)}},
		{"M0,0L1-1.5.5-1", []PathSeg{mv(0, 0), ln(1, -1.5), ln(0.5, -1)}},
		{"M1e1 -2E-1", []PathSeg{mv(10, -0.2)}},
		{"M0 0 10 0 Z", []PathSeg{mv(0, 0), ln(10, 0), {Op: OpClose, P: []Vec2{{0, 0}}}}},
		{"M 0 0 C 1 1 2 1 3 0 S 5 -1 6 0", []PathSeg{
			mv(0, 0),
			{Op: OpCubic, P: []Vec2{{1, 1}, {2, 1}, {3, 0}}},
			{Op: OpCubic, P: []Vec2{{4, -1}, {5, -1}, {6, 0}}},
		}},
		{"M 0 0 Q 1 1 2 0 t 2 0", []PathSeg{
			mv(0, 0),
			{Op: OpQuad, P: []Vec2{{1, 1}, {2, 0}}},
			{Op: OpQuad, P: []Vec2{{3, -1}, {4, 0}}},
		}},
		{"M 0 0 S 1 1 2 0", []PathSeg{
			mv(0, 0),
			{Op: OpCubic, P: []Vec2{{0, 0}, {1, 1}, {2, 0}}},
		}},
		{"M0 0a5 5 30 1010 0", []PathSeg{
			mv(0, 0),
			{Op: OpArc, P: []Vec2{{10, 0}}, RX: 5, RY: 5, Rot: 30, Large: true, Sweep: false},
		}},
		{"  ", nil},
	}
	for _, c := range cases {
		got, err := ParsePathData(c.d)
		if err != nil {
			t.Errorf("ParsePathData(%q) failed: %v", c.d, err)
			continue
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("ParsePathData(%q) = %v, want %v", c.d, got, c.want)
		}
	}
}

func TestParsePathDataErrors(t *testing.T) {
	for _, d := range []string{
		"L 1 2",
		"1 2",
		"M 1",
		"M 0 0 Z 5 5",
		"M 0 0 A 1 1 0 2 0 3 3",
		"M 0 0 K 1 1",
		"M 0 0 L . 1",
	} {
		if got, err := ParsePathData(d); err == nil {
			t.Errorf("ParsePathData(%q) = %v, want error", d, got)
		}
	}
}
