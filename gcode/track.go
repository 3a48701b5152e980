package gcode

import (
	"strings"

	"github.com/paulhankin/grblplot/paths"
)

const mmPerInch = 25.4

// A Tracker follows where a program leaves the pen, in millimeters of work
// coordinates, through the modal state that moves it: absolute (G90) and
// relative (G91) distances, inches (G20) and millimeters (G21), and G92
// origin shifts. Lines whose effect on the work position can't be known
// from the program alone, such as homing, machine coordinate moves,
// coordinate system changes and jogs, make the position unknown.
type Tracker struct {
	Pos      paths.Vec2
	relative bool
	inches   bool
	lost     bool
}

// Known reports whether Pos can still be trusted.
func (t *Tracker) Known() bool { return !t.lost }

// Step follows one line of a program.
func (t *Tracker) Step(line string) {
	line = strings.ToUpper(strings.TrimSpace(line))
	if strings.HasPrefix(line, "$") {
		if strings.HasPrefix(line, "$J=") || strings.HasPrefix(line, "$H") {
			t.lost = true
		}
		return
	}
	ws, err := parseWords(line)
	if err != nil {
		return
	}
	setOrigin, l20, g10 := false, false, false
	for _, w := range ws {
		switch {
		case w.letter == 'G':
			switch w.value {
			case 90:
				t.relative = false
			case 91:
				t.relative = true
			case 20:
				t.inches = true
			case 21:
				t.inches = false
			case 92:
				setOrigin = true
			case 10:
				g10 = true
			case 28, 30, 53, 54, 55, 56, 57, 58, 59, 92.1:
				t.lost = true
			}
		case w.letter == 'L' && w.value == 20:
			l20 = true
		}
	}
	if g10 {
		// only L20 names the current position; L2 rewrites an offset.
		if !l20 {
			t.lost = true
			return
		}
		setOrigin = true
	}
	scale := 1.0
	if t.inches {
		scale = mmPerInch
	}
	for _, w := range ws {
		var axis int
		switch w.letter {
		case 'X':
			axis = 0
		case 'Y':
			axis = 1
		default:
			continue
		}
		v := w.value * scale
		switch {
		case setOrigin:
			t.Pos[axis] = v
		case t.relative:
			t.Pos[axis] += v
		default:
			t.Pos[axis] = v
		}
	}
}
