package paths

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrInvalidPageSize is returned for page sizes that are neither a
	// known preset nor a WxH<unit> string with positive sides.
	ErrInvalidPageSize = errors.New("invalid page size")
	// ErrEmptyArtwork is returned when the artwork has no extent to
	// scale: no drawable points, or zero width or height.
	ErrEmptyArtwork = errors.New("empty artwork")
)

// PageSpec is a target page, in millimeters.
type PageSpec struct {
	Name          string
	Width, Height float64
}

func (p PageSpec) String() string {
	return fmt.Sprintf("%s (%gx%gmm)", p.Name, p.Width, p.Height)
}

// Portrait sizes in millimeters.
var pagePresets = map[string][2]float64{
	"a0":      {841, 1189},
	"a1":      {594, 841},
	"a2":      {420, 594},
	"a3":      {297, 420},
	"a4":      {210, 297},
	"a5":      {148, 210},
	"a6":      {105, 148},
	"b4":      {250, 353},
	"b5":      {176, 250},
	"letter":  {215.9, 279.4},
	"legal":   {215.9, 355.6},
	"tabloid": {279.4, 431.8},
}

// pageUnits converts to millimeters.
var pageUnits = map[string]float64{
	"":   1,
	"mm": 1,
	"cm": 10,
	"in": 25.4,
	"pt": 25.4 / 72,
	"px": 25.4 / 96,
}

var explicitPageRE = regexp.MustCompile(`^([0-9]*\.?[0-9]+)\s*x\s*([0-9]*\.?[0-9]+)\s*([a-z]*)$`)

// ParsePageSize resolves a page size: a preset name such as "A4" or
// "letter", optionally with a "-landscape" suffix, or an explicit
// size such as "297x210mm" or "29.7x21cm". A size without a unit is in
// millimeters.
func ParsePageSize(s string) (PageSpec, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	landscape := false
	if n, ok := strings.CutSuffix(name, "-landscape"); ok {
		name, landscape = n, true
	}
	if wh, ok := pagePresets[name]; ok {
		if landscape {
			wh[0], wh[1] = wh[1], wh[0]
		}
		return PageSpec{Name: strings.TrimSpace(s), Width: wh[0], Height: wh[1]}, nil
	}
	m := explicitPageRE.FindStringSubmatch(name)
	if m == nil || landscape {
		return PageSpec{}, fmt.Errorf("%w: %q", ErrInvalidPageSize, s)
	}
	k, ok := pageUnits[m[3]]
	if !ok {
		return PageSpec{}, fmt.Errorf("%w: unknown unit %q", ErrInvalidPageSize, m[3])
	}
	w, _ := strconv.ParseFloat(m[1], 64)
	h, _ := strconv.ParseFloat(m[2], 64)
	ps := PageSpec{Name: strings.TrimSpace(s), Width: w * k, Height: h * k}
	if err := ps.Validate(); err != nil {
		return PageSpec{}, err
	}
	return ps, nil
}

// Validate checks that both sides are positive and finite.
func (p PageSpec) Validate() error {
	if !(p.Width > 0) || !(p.Height > 0) || math.IsInf(p.Width, 0) || math.IsInf(p.Height, 0) {
		return fmt.Errorf("%w: %gx%gmm", ErrInvalidPageSize, p.Width, p.Height)
	}
	return nil
}

// MapOptions adjust how artwork is placed on the page.
type MapOptions struct {
	// Margin is kept clear on every side, in millimeters.
	Margin float64
	// FlipY mirrors the y axis, for machines whose origin is at the
	// bottom left while SVG's is at the top left.
	FlipY bool
}

// Fit describes the mapping FitToPage applied: a point p of the
// artwork went to p*Scale + Offset (before any flip).
type Fit struct {
	Scale  float64
	Offset Vec2
	Source Bounds // artwork bounds, document units
	Placed Bounds // artwork bounds on the page, millimeters
}

// FitToPage scales the artwork uniformly to the largest size that fits
// the page, centers it, and returns the mapped copy. The input is not
// modified. Points that land a rounding error outside the page are
// clamped onto it.
func FitToPage(ps Polylines, page PageSpec, opt MapOptions) (Polylines, Fit, error) {
	fit, err := PlanFit(ps, page, opt)
	if err != nil {
		return nil, Fit{}, err
	}
	out := fit.Apply(ps, page, opt)
	fit.Placed, _ = out.Bounds()
	return out, fit, nil
}

// PlanFit works out the mapping FitToPage would apply, without applying
// it. Placed is left empty.
func PlanFit(ps Polylines, page PageSpec, opt MapOptions) (Fit, error) {
	if err := page.Validate(); err != nil {
		return Fit{}, err
	}
	aw, ah := page.Width-2*opt.Margin, page.Height-2*opt.Margin
	if opt.Margin < 0 || aw <= 0 || ah <= 0 {
		return Fit{}, fmt.Errorf("%w: margin %gmm leaves no room on %s", ErrInvalidPageSize, opt.Margin, page)
	}
	b, ok := ps.Bounds()
	if !ok || b.Width() <= 0 || b.Height() <= 0 {
		return Fit{}, fmt.Errorf("%w: artwork bounds %v", ErrEmptyArtwork, b)
	}
	s := math.Min(aw/b.Width(), ah/b.Height())
	off := Vec2{
		opt.Margin + (aw-b.Width()*s)/2 - b.Min[0]*s,
		opt.Margin + (ah-b.Height()*s)/2 - b.Min[1]*s,
	}
	return Fit{Scale: s, Offset: off, Source: b}, nil
}

// Apply maps a copy of ps onto the page with this fit. Artwork that
// isn't the one the fit was planned for, such as one layer of it, lands
// where it would have in the whole.
func (f Fit) Apply(ps Polylines, page PageSpec, opt MapOptions) Polylines {
	clamp := func(x, hi float64) float64 { return math.Max(0, math.Min(hi, x)) }
	mapPt := func(v Vec2) Vec2 {
		r := Vec2{v[0]*f.Scale + f.Offset[0], v[1]*f.Scale + f.Offset[1]}
		if opt.FlipY {
			r[1] = page.Height - r[1]
		}
		return Vec2{clamp(r[0], page.Width), clamp(r[1], page.Height)}
	}
	out := ps.Clone()
	for _, p := range out {
		for i, v := range p.V {
			p.V[i] = mapPt(v)
		}
	}
	return out
}
