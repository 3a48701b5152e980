package gcode

import (
	"math"
	"strings"
	"time"

	"github.com/paulhankin/grblplot/paths"
)

// MachineSettings are the GRBL motion limits the estimate assumes.
type MachineSettings struct {
	MaxRateX, MaxRateY           float64 // mm/min ($110, $111)
	AccelerationX, AccelerationY float64 // mm/s^2 ($120, $121)
}

// DefaultMachine returns the limits of a typical small pen plotter.
func DefaultMachine() MachineSettings {
	return MachineSettings{MaxRateX: 3000, MaxRateY: 3000, AccelerationX: 800, AccelerationY: 800}
}

// Per-line costs on top of the motion itself.
const (
	blockProcessingTime      = 20 * time.Millisecond
	serialDelay              = 10 * time.Millisecond
	accelerationPlanningTime = 15 * time.Millisecond
	minMoveTime              = 50 * time.Millisecond
)

// TimeEstimate is the result of simulating a program.
type TimeEstimate struct {
	Duration time.Duration
	// Bounds covers every position the program moves to, including the
	// starting origin.
	Bounds         paths.Bounds
	Moves          int
	DrawDistance   float64 // mm with the pen down (G1)
	TravelDistance float64 // mm with the pen up (G0)
}

type simulator struct {
	s        MachineSettings
	pos      paths.Vec2
	vel      paths.Vec2 // mm/s per axis, signed
	feed     float64    // programmed feed, mm/min
	mode     int        // modal motion, G0 or G1
	total    float64    // seconds
	min, max paths.Vec2
}

func (sim *simulator) visit(v paths.Vec2) {
	sim.min[0] = math.Min(sim.min[0], v[0])
	sim.min[1] = math.Min(sim.min[1], v[1])
	sim.max[0] = math.Max(sim.max[0], v[0])
	sim.max[1] = math.Max(sim.max[1], v[1])
}

// axisMove returns the time one axis takes over a move, accelerating or
// decelerating towards its target speed, and the speed it ends at. A
// change of direction costs a full stop.
func axisMove(start, end, startVel, maxRate, feed, accel float64) (float64, float64) {
	dist := math.Abs(end - start)
	if dist == 0 {
		return 0, startVel
	}
	dir := 1.0
	if end < start {
		dir = -1
	}
	maxVel := math.Min(maxRate, feed) / 60
	if startVel != 0 && math.Copysign(1, startVel) != dir {
		t, v := axisMove(start, end, 0, maxRate, feed, accel)
		return math.Abs(startVel)/accel + t, v
	}
	reachable := math.Sqrt(math.Abs(startVel*startVel + 2*accel*dist))
	target := math.Min(maxVel, reachable) * dir
	v0, v1 := math.Abs(startVel), math.Abs(target)
	t := math.Abs(v1-v0) / accel
	// the rest of the distance is covered at the target speed.
	if rest := dist - (v0+v1)/2*t; rest > 0 && v1 > 0 {
		t += rest / v1
	}
	return t, target
}

func (sim *simulator) move(to paths.Vec2, feed float64) float64 {
	tx, vx := axisMove(sim.pos[0], to[0], sim.vel[0], sim.s.MaxRateX, feed, sim.s.AccelerationX)
	ty, vy := axisMove(sim.pos[1], to[1], sim.vel[1], sim.s.MaxRateY, feed, sim.s.AccelerationY)
	sim.vel = paths.Vec2{vx, vy}
	return math.Max(tx, ty)
}

// Estimate simulates the program on a GRBL machine with the given limits
// and returns how long it should take, and the area it covers. It is a
// rough model: acceleration is per axis and every line pays a fixed
// processing overhead.
func Estimate(p Program, s MachineSettings) TimeEstimate {
	sim := &simulator{s: s}
	sim.visit(sim.pos)
	var est TimeEstimate
	for _, c := range p {
		line := strings.TrimSpace(c.Line())
		if line == "" || strings.HasPrefix(line, "$") {
			continue
		}
		sim.total += (blockProcessingTime + serialDelay).Seconds()
		ws, err := parseWords(strings.ToUpper(line))
		if err != nil {
			continue
		}
		motion := -1
		hasXY := false
		var dwell float64
		target := sim.pos
		feed := sim.feed
		for _, w := range ws {
			switch w.letter {
			case 'G':
				switch w.value {
				case 0, 1:
					motion = int(w.value)
				case 4:
					motion = 4
				}
			case 'X':
				target[0] = w.value
				hasXY = true
			case 'Y':
				target[1] = w.value
				hasXY = true
			case 'F':
				feed = w.value
			case 'P':
				dwell = w.value
			}
		}
		if motion == -1 && hasXY {
			motion = sim.mode
		}
		switch motion {
		case 0, 1:
			sim.mode = motion
			sim.feed = feed
			rate := feed
			if motion == 0 {
				// rapids ignore the programmed feed.
				rate = math.Max(s.MaxRateX, s.MaxRateY)
			}
			if rate == 0 {
				rate = s.MaxRateX
			}
			t := math.Max(sim.move(target, rate), minMoveTime.Seconds())
			sim.total += t + accelerationPlanningTime.Seconds()
			d := math.Hypot(target[0]-sim.pos[0], target[1]-sim.pos[1])
			if motion == 0 {
				est.TravelDistance += d
			} else {
				est.DrawDistance += d
			}
			est.Moves++
			sim.pos = target
			sim.visit(target)
		case 4:
			sim.vel = paths.Vec2{}
			sim.total += dwell
		default:
			sim.feed = feed
		}
	}
	est.Duration = time.Duration(sim.total * float64(time.Second))
	est.Bounds = paths.Bounds{Min: sim.min, Max: sim.max}
	return est
}
