package gcode

import (
	"errors"
	"time"

	"github.com/paulhankin/grblplot/paths"
)

// ErrEmptyProgram is returned when there is nothing to draw.
var ErrEmptyProgram = errors.New("empty program: nothing to draw")

// Config controls how polylines are compiled.
type Config struct {
	FeedRate     int // drawing speed, mm/min
	PenUp        int // servo value with the pen lifted
	PenDown      int // servo value with the pen on the paper
	PenUpDelay   time.Duration
	PenDownDelay time.Duration
	ReturnHome   bool // travel back to 0,0 at the end
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() *Config {
	return &Config{
		FeedRate:     2000,
		PenUp:        40,
		PenDown:      80,
		PenUpDelay:   100 * time.Millisecond,
		PenDownDelay: 200 * time.Millisecond,
		ReturnHome:   true,
	}
}

// Compile turns polylines, already mapped to machine millimeters, into a
// motion program. Each drawable polyline becomes pen up, travel to its
// first point, pen down, draws through the rest, pen up. Polylines are
// kept in the order given. The feed rate is set once, before the first
// draw.
func Compile(ps paths.Polylines, cfg *Config) (Program, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	draw := ps.Drawable()
	if len(draw) == 0 {
		return nil, ErrEmptyProgram
	}
	p := Program{Raw{"G21"}, Raw{"G90"}}
	penDown := true // unknown at start: lift and wait
	up := func() {
		p = append(p, PenUp{cfg.PenUp})
		if penDown && cfg.PenUpDelay > 0 {
			p = append(p, Dwell{cfg.PenUpDelay})
		}
		penDown = false
	}
	down := func() {
		p = append(p, PenDown{cfg.PenDown})
		if cfg.PenDownDelay > 0 {
			p = append(p, Dwell{cfg.PenDownDelay})
		}
		penDown = true
	}
	feedSet := false
	for _, pl := range draw {
		up()
		p = append(p, Travel{pl.V[0][0], pl.V[0][1]})
		down()
		if !feedSet {
			p = append(p, SetFeed{cfg.FeedRate})
			feedSet = true
		}
		for _, v := range pl.V[1:] {
			p = append(p, Draw{v[0], v[1]})
		}
		up()
	}
	if cfg.ReturnHome {
		p = append(p, Travel{0, 0})
	}
	return p, nil
}
