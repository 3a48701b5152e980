package paths

import "fmt"

// Attrs are the properties every shape carries.
type Attrs struct {
	// ID is the element's id attribute, used in warnings.
	ID string
	// Matrix maps the shape's local coordinates to document
	// coordinates; ancestor group transforms are already folded in.
	Matrix Matrix
	// Construction marks geometry that is never drawn.
	Construction bool
	// Layer names the top-level group the shape is in, or is empty for
	// shapes outside any.
	Layer string
}

func (a *Attrs) attrs() *Attrs { return a }

// A Shape is one drawable element of a Document. The set of shapes is
// closed: PathShape, RectShape, EllipseShape, LineShape and
// PolylineShape.
type Shape interface {
	attrs() *Attrs
}

// PathShape is an SVG path, already resolved to absolute segments.
type PathShape struct {
	Attrs
	Segs []PathSeg
}

// RectShape is an SVG rect, optionally with rounded corners.
type RectShape struct {
	Attrs
	X, Y, W, H float64
	RX, RY     float64
}

// EllipseShape is an SVG ellipse, or a circle when RX == RY.
type EllipseShape struct {
	Attrs
	CX, CY float64
	RX, RY float64
}

// LineShape is an SVG line.
type LineShape struct {
	Attrs
	X1, Y1, X2, Y2 float64
}

// PolylineShape is an SVG polyline, or a polygon when Closed is set.
type PolylineShape struct {
	Attrs
	Points []Vec2
	Closed bool
}

// Document is a parsed SVG: its shapes in source order, plus whatever
// was declared about its size.
type Document struct {
	Width, Height float64 // in user units, zero if not given
	ViewBox       *Bounds
	Shapes        []Shape
	// Warnings are elements or attributes that were skipped.
	Warnings []string
}

// Layers lists the document's layers in the order they first appear.
func (d *Document) Layers() []string {
	var names []string
	seen := map[string]bool{}
	for _, s := range d.Shapes {
		l := s.attrs().Layer
		if l != "" && !seen[l] {
			seen[l] = true
			names = append(names, l)
		}
	}
	return names
}

// Layer returns a document with only the shapes of the named layer.
func (d *Document) Layer(name string) *Document {
	sub := &Document{Width: d.Width, Height: d.Height, ViewBox: d.ViewBox}
	for _, s := range d.Shapes {
		if s.attrs().Layer == name {
			sub.Shapes = append(sub.Shapes, s)
		}
	}
	return sub
}

// Common returns the attributes shared by all shapes.
func Common(s Shape) Attrs { return *s.attrs() }

func shapeKind(s Shape) string {
	switch s := s.(type) {
	case *PathShape:
		return "path"
	case *RectShape:
		return "rect"
	case *EllipseShape:
		if s.RX == s.RY {
			return "circle"
		}
		return "ellipse"
	case *LineShape:
		return "line"
	case *PolylineShape:
		if s.Closed {
			return "polygon"
		}
		return "polyline"
	}
	return "shape"
}

func shapeName(i int, s Shape) string {
	if id := s.attrs().ID; id != "" {
		return fmt.Sprintf("%s #%s", shapeKind(s), id)
	}
	return fmt.Sprintf("%s %d", shapeKind(s), i)
}
