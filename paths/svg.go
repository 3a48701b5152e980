package paths

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/JoshVarga/svgparser"
	"golang.org/x/net/html/charset"
)

// svgUnits converts length units to user units (px, 96 per inch).
var svgUnits = map[string]float64{
	"":   1,
	"px": 1,
	"pt": 96.0 / 72,
	"pc": 16,
	"mm": 96 / 25.4,
	"cm": 96 / 2.54,
	"in": 96,
}

// parseLength parses an SVG length such as "10", "2.5mm" or "3in" into
// user units.
func parseLength(s string) (float64, error) {
	s = strings.TrimSpace(s)
	i := len(s)
	for i > 0 && (s[i-1] >= 'a' && s[i-1] <= 'z') {
		i--
	}
	k, ok := svgUnits[s[i:]]
	if !ok {
		return 0, fmt.Errorf("unsupported length %q", s)
	}
	f, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, fmt.Errorf("bad length %q", s)
	}
	return f * k, nil
}

// attrReader collects the first error from a series of attribute reads.
type attrReader struct {
	e   *svgparser.Element
	err error
}

func (a *attrReader) length(name string) float64 {
	s, ok := a.e.Attributes[name]
	if !ok || a.err != nil {
		return 0
	}
	f, err := parseLength(s)
	if err != nil {
		a.err = fmt.Errorf("attribute %s: %w", name, err)
	}
	return f
}

func (a *attrReader) has(name string) bool {
	_, ok := a.e.Attributes[name]
	return ok
}

func parseViewBox(s string) (*Bounds, error) {
	l := &pathLexer{s: s}
	v, err := l.numbers(4)
	if err != nil || !l.done() {
		return nil, fmt.Errorf("bad viewBox %q", s)
	}
	if v[2] <= 0 || v[3] <= 0 {
		return nil, fmt.Errorf("bad viewBox %q", s)
	}
	return &Bounds{Min: Vec2{v[0], v[1]}, Max: Vec2{v[0] + v[2], v[1] + v[3]}}, nil
}

// styleProp finds a property in an element's style attribute, falling
// back to the presentation attribute of the same name.
func styleProp(e *svgparser.Element, name string) string {
	for _, decl := range strings.Split(e.Attributes["style"], ";") {
		k, v, ok := strings.Cut(decl, ":")
		if ok && strings.TrimSpace(k) == name {
			return strings.TrimSpace(v)
		}
	}
	return strings.TrimSpace(e.Attributes[name])
}

func hidden(e *svgparser.Element) bool {
	return styleProp(e, "display") == "none" || styleProp(e, "visibility") == "hidden"
}

type svgParser struct {
	doc   *Document
	layer string // of the top-level group being read
}

func (p *svgParser) warn(format string, args ...interface{}) {
	p.doc.Warnings = append(p.doc.Warnings, fmt.Sprintf(format, args...))
}

func (p *svgParser) add(e *svgparser.Element, a Attrs, s Shape, err error) {
	if err != nil {
		p.warn("skipping %s%s: %v", e.Name, idSuffix(e), err)
		return
	}
	*s.attrs() = a
	p.doc.Shapes = append(p.doc.Shapes, s)
}

func idSuffix(e *svgparser.Element) string {
	if id := e.Attributes["id"]; id != "" {
		return " #" + id
	}
	return ""
}

func (p *svgParser) children(e *svgparser.Element, m Matrix, construction bool) {
	for _, c := range e.Children {
		p.element(c, m, construction)
	}
}

func (p *svgParser) element(e *svgparser.Element, parent Matrix, construction bool) {
	switch e.Name {
	case "title", "desc", "metadata", "style", "script":
		return
	}
	m := parent
	if t, ok := e.Attributes["transform"]; ok {
		xf, err := ParseTransform(t)
		if err != nil {
			p.warn("skipping %s%s: %v", e.Name, idSuffix(e), err)
			return
		}
		m = parent.Mul(xf)
	}
	construction = construction || hidden(e)
	a := Attrs{ID: e.Attributes["id"], Matrix: m, Construction: construction, Layer: p.layer}
	r := &attrReader{e: e}
	switch e.Name {
	case "g", "a", "switch":
		p.children(e, m, construction)
	case "defs", "symbol", "clipPath", "mask", "marker", "pattern":
		p.children(e, m, true)
	case "svg":
		// a nested svg: its x,y position it in the parent.
		p.children(e, m.Translate(r.length("x"), r.length("y")), construction)
	case "path":
		segs, err := ParsePathData(e.Attributes["d"])
		if err == nil && len(segs) == 0 {
			err = errDegenerate
		}
		p.add(e, a, &PathShape{Segs: segs}, err)
	case "rect":
		s := &RectShape{X: r.length("x"), Y: r.length("y"), W: r.length("width"), H: r.length("height"),
			RX: r.length("rx"), RY: r.length("ry")}
		// a missing corner radius takes the other one's value.
		if !r.has("ry") {
			s.RY = s.RX
		}
		if !r.has("rx") {
			s.RX = s.RY
		}
		p.add(e, a, s, r.err)
	case "circle":
		radius := r.length("r")
		p.add(e, a, &EllipseShape{CX: r.length("cx"), CY: r.length("cy"), RX: radius, RY: radius}, r.err)
	case "ellipse":
		p.add(e, a, &EllipseShape{CX: r.length("cx"), CY: r.length("cy"), RX: r.length("rx"), RY: r.length("ry")}, r.err)
	case "line":
		p.add(e, a, &LineShape{X1: r.length("x1"), Y1: r.length("y1"), X2: r.length("x2"), Y2: r.length("y2")}, r.err)
	case "polyline", "polygon":
		pts, err := parsePoints(e.Attributes["points"])
		p.add(e, a, &PolylineShape{Points: pts, Closed: e.Name == "polygon"}, err)
	default:
		p.warn("unknown element %q%s ignored", e.Name, idSuffix(e))
	}
}

// layerName names a top-level group: its Inkscape label, else its id,
// else its position.
func layerName(e *svgparser.Element, n int) string {
	for _, k := range []string{"label", "id"} {
		if v := strings.TrimSpace(e.Attributes[k]); v != "" {
			return v
		}
	}
	return fmt.Sprintf("layer%d", n)
}

// ParseSVG parses an SVG document into its shapes. Only geometry is
// read: fills, strokes and text are ignored. A shape with bad
// attributes is skipped with a warning rather than failing the whole
// document.
func ParseSVG(r io.Reader) (*Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	decoder := xml.NewDecoder(bytes.NewReader(raw))
	decoder.CharsetReader = charset.NewReaderLabel
	elt, err := svgparser.DecodeFirst(decoder)
	if err != nil {
		return nil, fmt.Errorf("parsing svg: %w", err)
	}
	if err := elt.Decode(decoder); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parsing svg: %w", err)
	}
	if elt.Name != "svg" {
		return nil, fmt.Errorf("parsing svg: root element is %q, not svg", elt.Name)
	}
	doc := &Document{}
	p := &svgParser{doc: doc}
	ra := &attrReader{e: elt}
	doc.Width = ra.length("width")
	doc.Height = ra.length("height")
	if ra.err != nil {
		p.warn("ignoring document size: %v", ra.err)
		doc.Width, doc.Height = 0, 0
	}
	m := Identity
	if vb, ok := elt.Attributes["viewBox"]; ok {
		b, err := parseViewBox(vb)
		if err != nil {
			p.warn("%v", err)
		} else {
			doc.ViewBox = b
			// map the viewBox onto the declared size, preserving aspect.
			if doc.Width > 0 && doc.Height > 0 {
				s := min(doc.Width/b.Width(), doc.Height/b.Height())
				m = m.Scale(s, s).Translate(-b.Min[0], -b.Min[1])
			}
		}
	}
	if t, ok := elt.Attributes["transform"]; ok {
		xf, err := ParseTransform(t)
		if err != nil {
			return nil, fmt.Errorf("parsing svg: %w", err)
		}
		m = m.Mul(xf)
	}
	groups := 0
	for _, c := range elt.Children {
		p.layer = ""
		if c.Name == "g" {
			groups++
			p.layer = layerName(c, groups)
		}
		p.element(c, m, hidden(elt))
	}
	return doc, nil
}
