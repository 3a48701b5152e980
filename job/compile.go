package job

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/paulhankin/grblplot/gcode"
	"github.com/paulhankin/grblplot/paths"
)

// Kind is the format of a submitted file.
type Kind string

const (
	KindSVG   Kind = "svg"
	KindGcode Kind = "gcode"
)

var gcodeExts = map[string]bool{".gcode": true, ".nc": true, ".ngc": true, ".gc": true, ".txt": true}

// DetectKind decides from the file name, then from the content, whether
// src is SVG or G-code.
func DetectKind(name string, src []byte) Kind {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case ext == ".svg":
		return KindSVG
	case gcodeExts[ext]:
		return KindGcode
	}
	head := src
	if len(head) > 1024 {
		head = head[:1024]
	}
	if bytes.Contains(bytes.ToLower(head), []byte("<svg")) {
		return KindSVG
	}
	return KindGcode
}

// CompileOptions control how artwork becomes a program.
type CompileOptions struct {
	Tolerance float64 // flattening tolerance, document units
	Simplify  float64 // mm, 0 keeps every point
	Sort      bool
	Map       paths.MapOptions
	Gcode     *gcode.Config
	Machine   gcode.MachineSettings
}

// DefaultCompileOptions returns the options used when none are given.
func DefaultCompileOptions() CompileOptions {
	return CompileOptions{
		Tolerance: 0.1,
		Simplify:  0.1,
		Sort:      true,
		Gcode:     gcode.DefaultConfig(),
		Machine:   gcode.DefaultMachine(),
	}
}

// Compiled is a program ready to stream.
type Compiled struct {
	Kind     Kind
	Layer    string // set when compiled one layer at a time
	Page     paths.PageSpec
	Program  gcode.Program
	Fit      *paths.Fit // nil for G-code, which is streamed as given
	Warnings []string
	Estimate gcode.TimeEstimate
	// Polylines is the mapped artwork, for previews.
	Polylines paths.Polylines
}

// Lines is the program's text, one line per command.
func (c *Compiled) Lines() []string { return c.Program.Lines() }

// Compile turns a submitted file into a program for page. G-code files
// are only checked for line syntax; SVG goes through flattening, page
// mapping, the optional simplify and sort steps and the motion compiler.
func Compile(name string, src []byte, page paths.PageSpec, opt CompileOptions) (*Compiled, error) {
	opt = opt.withDefaults()
	kind := DetectKind(name, src)
	if kind == KindGcode {
		p, err := gcode.ParseProgram(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", name, err)
		}
		return &Compiled{Kind: kind, Page: page, Program: p, Estimate: gcode.Estimate(p, opt.Machine)}, nil
	}
	doc, err := paths.ParseSVG(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", name, err)
	}
	ps, warnings := doc.Flatten(opt.Tolerance)
	fit, err := paths.PlanFit(ps, page, opt.Map)
	if err != nil {
		return nil, err
	}
	c, err := compileMapped(ps, fit, page, opt)
	if err != nil {
		return nil, err
	}
	c.Warnings = append(append(c.Warnings, doc.Warnings...), warnings...)
	return c, nil
}

// CompileLayers compiles each layer of an SVG into its own program, to be
// plotted one after another, for instance with a different pen each.
// Every layer keeps its place in the whole drawing. Shapes outside any
// layer, and layers with nothing to draw, are left out with a warning.
// A document without layers compiles to a single program.
func CompileLayers(name string, src []byte, page paths.PageSpec, opt CompileOptions) ([]*Compiled, error) {
	opt = opt.withDefaults()
	if DetectKind(name, src) != KindSVG {
		return nil, fmt.Errorf("%s: only SVG files have layers", name)
	}
	doc, err := paths.ParseSVG(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", name, err)
	}
	layers := doc.Layers()
	if len(layers) == 0 {
		c, err := Compile(name, src, page, opt)
		if err != nil {
			return nil, err
		}
		return []*Compiled{c}, nil
	}
	all, warnings := doc.Flatten(opt.Tolerance)
	warnings = append(append([]string(nil), doc.Warnings...), warnings...)
	fit, err := paths.PlanFit(all, page, opt.Map)
	if err != nil {
		return nil, err
	}
	if n := len(doc.Layer("").Shapes); n > 0 {
		warnings = append(warnings, fmt.Sprintf("%d shapes outside any layer left out", n))
	}
	var out []*Compiled
	for _, l := range layers {
		ps, _ := doc.Layer(l).Flatten(opt.Tolerance)
		c, err := compileMapped(ps, fit, page, opt)
		if errors.Is(err, gcode.ErrEmptyProgram) {
			warnings = append(warnings, fmt.Sprintf("layer %s has nothing to draw", l))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", l, err)
		}
		c.Layer = l
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, gcode.ErrEmptyProgram
	}
	out[0].Warnings = append(warnings, out[0].Warnings...)
	return out, nil
}

func (opt CompileOptions) withDefaults() CompileOptions {
	if opt.Gcode == nil {
		opt.Gcode = gcode.DefaultConfig()
	}
	if opt.Machine == (gcode.MachineSettings{}) {
		opt.Machine = gcode.DefaultMachine()
	}
	if !(opt.Tolerance > 0) {
		opt.Tolerance = 0.1
	}
	return opt
}

// compileMapped places flattened artwork on the page with fit and
// compiles it.
func compileMapped(ps paths.Polylines, fit paths.Fit, page paths.PageSpec, opt CompileOptions) (*Compiled, error) {
	mapped := fit.Apply(ps, page, opt.Map)
	if opt.Simplify > 0 {
		mapped = mapped.Simplify(opt.Simplify)
	}
	if opt.Sort {
		mapped = mapped.Sort(paths.SortConfig{Reverse: true})
	}
	p, err := gcode.Compile(mapped, opt.Gcode)
	if err != nil {
		return nil, err
	}
	fit.Placed, _ = mapped.Bounds()
	return &Compiled{
		Kind:      KindSVG,
		Page:      page,
		Program:   p,
		Fit:       &fit,
		Estimate:  gcode.Estimate(p, opt.Machine),
		Polylines: mapped,
	}, nil
}
