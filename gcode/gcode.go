// Package gcode is the plotter's motion program: pen and movement
// commands, compiled from polylines or loaded from a G-code file, and
// rendered one G-code line per command.
package gcode

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"
)

// A Command is one step of a motion program. The set of commands is
// closed: Travel, Draw, PenUp, PenDown, SetFeed, Dwell and Raw.
type Command interface {
	// Line renders the command as a line of G-code, without terminator.
	Line() string
	command()
}

// Travel moves with the pen up, at rapid speed.
type Travel struct{ X, Y float64 }

// Draw moves with the pen down, at the current feed rate.
type Draw struct{ X, Y float64 }

// PenUp lifts the pen. S is the servo value.
type PenUp struct{ S int }

// PenDown lowers the pen. S is the servo value.
type PenDown struct{ S int }

// SetFeed sets the drawing feed rate in mm/min.
type SetFeed struct{ Rate int }

// Dwell pauses, typically to let the pen servo settle.
type Dwell struct{ D time.Duration }

// Raw is a line passed to the device as is.
type Raw struct{ Text string }

func (Travel) command()  {}
func (Draw) command()    {}
func (PenUp) command()   {}
func (PenDown) command() {}
func (SetFeed) command() {}
func (Dwell) command()   {}
func (Raw) command()     {}

// coord formats a coordinate with at most 3 decimals and no trailing
// zeros; shorter lines leave more room in the device's buffer.
func coord(x float64) string {
	x = math.Round(x*1000) / 1000
	if x == 0 {
		x = 0 // no "-0"
	}
	return strconv.FormatFloat(x, 'f', -1, 64)
}

func (c Travel) Line() string  { return "G0 X" + coord(c.X) + " Y" + coord(c.Y) }
func (c Draw) Line() string    { return "G1 X" + coord(c.X) + " Y" + coord(c.Y) }
func (c PenUp) Line() string   { return "M3 S" + strconv.Itoa(c.S) }
func (c PenDown) Line() string { return "M3 S" + strconv.Itoa(c.S) }
func (c SetFeed) Line() string { return "F" + strconv.Itoa(c.Rate) }
func (c Raw) Line() string     { return c.Text }

// Line renders the dwell in seconds, which is what GRBL's P word means.
func (c Dwell) Line() string {
	return "G4 P" + strconv.FormatFloat(c.D.Seconds(), 'f', -1, 64)
}

// A Program is an ordered sequence of commands, the unit of streaming.
type Program []Command

// Lines renders every command.
func (p Program) Lines() []string {
	r := make([]string, len(p))
	for i, c := range p {
		r[i] = c.Line()
	}
	return r
}

// WriteTo writes the program as G-code text, one command per line.
func (p Program) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	for _, c := range p {
		k, err := fmt.Fprintln(bw, c.Line())
		n += int64(k)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}
