package paths

import (
	"bufio"
	"fmt"
	"io"
)

const svgh = `<svg width="%gmm" height="%gmm" viewBox="0 0 %g %g" version="1.1" xmlns="http://www.w3.org/2000/svg">`

// WriteSVG writes an SVG file of the page with black strokes along the
// drawable polylines, so a plot can be previewed before it is run.
// Coordinates are millimeters.
func (ps Polylines) WriteSVG(w io.Writer, page PageSpec) error {
	var werr error
	bi := bufio.NewWriter(w)
	wr := func(f string, args ...interface{}) {
		if werr != nil {
			return
		}
		_, werr = fmt.Fprintf(bi, f, args...)
	}
	wr(svgh, page.Width, page.Height, page.Width, page.Height)
	wr("\n")
	wr("<g fill=\"none\" stroke=\"black\" stroke-width=\"0.3\">\n")
	for _, p := range ps.Drawable() {
		wr(`<path d="`)
		for i, v := range p.V {
			if i == 0 {
				wr("M %.3f,%.3f", v[0], v[1])
			} else {
				wr(" %.3f,%.3f", v[0], v[1])
			}
		}
		wr("\"/>\n")
	}
	wr("</g>\n")
	wr("</svg>\n")
	if werr == nil {
		werr = bi.Flush()
	}
	return werr
}
