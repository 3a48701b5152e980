// Package grbltest provides a simulated GRBL device for tests.
package grbltest

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/paulhankin/grblplot/gcode"
	"github.com/paulhankin/grblplot/grbl"
	"github.com/paulhankin/grblplot/paths"
)

// Banner is what the device prints when it resets.
const Banner = "Grbl 1.1h ['$' for help]"

// An Event is a line or a realtime byte received by the device.
type Event struct {
	Line     string
	Realtime byte // non-zero for a realtime command
}

func (e Event) String() string {
	if e.Realtime != 0 {
		return fmt.Sprintf("rt(%q)", e.Realtime)
	}
	return e.Line
}

// An Option configures a Device.
type Option func(*Device)

// AckDelay sets how long the device takes to process each line.
func AckDelay(d time.Duration) Option { return func(dev *Device) { dev.ackDelay = d } }

// ManualAck stops the device processing lines until Ack is called.
func ManualAck() Option { return func(dev *Device) { dev.manual = true } }

// ErrorOn makes the device answer line with error:code.
func ErrorOn(line string, code int) Option {
	return func(dev *Device) { dev.errors[line] = code }
}

// ReplyOn makes the device answer line with reply instead of ok, as a
// GRBL 0.9 board does with its text errors.
func ReplyOn(line, reply string) Option {
	return func(dev *Device) { dev.replies[line] = reply }
}

// ReportBuffer makes status reports include the buffer state.
func ReportBuffer() Option { return func(dev *Device) { dev.settings[10] = "3" } }

// WorkOffset puts the work origin at offset in machine coordinates. Like
// GRBL 1.1, the device only includes WCO in every n'th status report,
// starting with the first.
func WorkOffset(offset paths.Vec2, every int) Option {
	return func(dev *Device) { dev.offset, dev.wcoEvery = offset, every }
}

// DisconnectAfter makes the device drop the connection right after
// acknowledging its n'th line.
func DisconnectAfter(n int) Option { return func(dev *Device) { dev.disconnectAfter = n } }

// Alarmed starts the device in alarm state.
func Alarmed() Option { return func(dev *Device) { dev.alarm = true } }

// Silent makes the device ignore status queries.
func Silent() Option { return func(dev *Device) { dev.silent = true } }

// A Device is an in-memory GRBL device implementing grbl.Transport. Lines
// it receives take up room in a receive buffer of fixed capacity until
// they are processed and acknowledged.
type Device struct {
	ackDelay        time.Duration
	manual          bool
	silent          bool
	errors          map[string]int
	replies         map[string]string
	disconnectAfter int
	offset          paths.Vec2
	wcoEvery        int

	mu       sync.Mutex
	capacity int
	settings map[int]string
	pending  []string
	used     int
	maxUsed  int
	overflow bool
	held     bool
	alarm    bool
	track    gcode.Tracker // position in work coordinates
	events   []Event
	outq     []string
	closed   bool
	broken   error
	running  bool
	done     int // lines processed
	reports  int

	notify chan struct{} // output available
	wake   chan struct{} // input available
	quit   chan struct{}
}

var _ grbl.Transport = (*Device)(nil)

// New returns a device with a receive buffer of capacity bytes.
func New(capacity int, opts ...Option) *Device {
	d := &Device{
		capacity: capacity,
		errors:   map[string]int{},
		replies:  map[string]string{},
		settings: map[int]string{0: "10", 10: "1", 110: "3000.000", 111: "3000.000", 120: "800.000", 121: "800.000"},
		notify:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	d.start()
	return d
}

func (d *Device) start() {
	d.wake = make(chan struct{}, 1)
	d.quit = make(chan struct{})
	d.running = true
	go d.process(d.wake, d.quit)
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// emit queues a line for ReadLine. d.mu is held.
func (d *Device) emit(lines ...string) {
	d.outq = append(d.outq, lines...)
	signal(d.notify)
}

func (d *Device) process(wake, quit chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case <-wake:
		}
		for {
			if d.ackDelay > 0 {
				select {
				case <-quit:
					return
				case <-time.After(d.ackDelay):
				}
			}
			d.mu.Lock()
			if d.manual || d.held || len(d.pending) == 0 || d.usable() != nil {
				d.mu.Unlock()
				break
			}
			d.step()
			d.mu.Unlock()
		}
	}
}

// step processes the oldest pending line. d.mu is held.
func (d *Device) step() {
	line := d.pending[0]
	d.pending = d.pending[1:]
	d.used -= len(line) + 1
	d.done++
	if d.done == d.disconnectAfter {
		defer func() {
			d.broken = errors.New("device unplugged")
			d.stop()
		}()
	}
	if code, ok := d.errors[line]; ok {
		d.emit(fmt.Sprintf("error:%d", code))
		return
	}
	if r, ok := d.replies[line]; ok {
		d.emit(r)
		return
	}
	switch {
	case line == "$$":
		keys := make([]int, 0, len(d.settings))
		for k := range d.settings {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			d.emit(fmt.Sprintf("$%d=%s", k, d.settings[k]))
		}
	case line == "$X":
		d.alarm = false
		d.emit("[MSG:Caution: Unlocked]")
	case line == "$I":
		d.emit("[VER:1.1h.20190825:]", fmt.Sprintf("[OPT:V,15,%d]", d.capacity))
	case strings.HasPrefix(line, "$") && strings.Contains(line, "="):
		k, v, _ := strings.Cut(line[1:], "=")
		n, err := strconv.Atoi(k)
		if err != nil {
			d.emit("error:3")
			return
		}
		d.settings[n] = v
	case d.alarm:
		d.emit("error:9")
		return
	default:
		d.track.Step(line)
	}
	d.emit("ok")
}

// Ack processes up to n pending lines, for a device made with ManualAck.
func (d *Device) Ack(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ; n > 0 && len(d.pending) > 0; n-- {
		d.step()
	}
}

func (d *Device) WriteLine(line string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return err
	}
	d.events = append(d.events, Event{Line: line})
	d.used += len(line) + 1
	if d.used > d.capacity {
		d.overflow = true
	}
	d.maxUsed = max(d.maxUsed, d.used)
	d.pending = append(d.pending, line)
	signal(d.wake)
	return nil
}

func (d *Device) SendRealtime(b byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(); err != nil {
		return err
	}
	d.events = append(d.events, Event{Realtime: b})
	switch b {
	case grbl.StatusQuery:
		if !d.silent {
			d.emit(d.status())
		}
	case grbl.FeedHold:
		d.held = true
	case grbl.CycleStart:
		d.held = false
		signal(d.wake)
	case grbl.SoftReset:
		if len(d.pending) > 0 && !d.held {
			d.alarm = true
			d.emit("ALARM:3")
		}
		d.pending = nil
		d.used = 0
		d.held = false
		d.emit(Banner)
	}
	return nil
}

// status renders a status report. d.mu is held.
func (d *Device) status() string {
	state := "Idle"
	switch {
	case d.alarm:
		state = "Alarm"
	case d.held:
		state = "Hold:0"
	case len(d.pending) > 0:
		state = "Run"
	}
	s := fmt.Sprintf("<%s|MPos:%.3f,%.3f,0.000", state, d.track.Pos[0]+d.offset[0], d.track.Pos[1]+d.offset[1])
	if d.wcoEvery > 0 && d.reports%d.wcoEvery == 0 {
		s += fmt.Sprintf("|WCO:%.3f,%.3f,0.000", d.offset[0], d.offset[1])
	}
	d.reports++
	if mask, _ := strconv.Atoi(d.settings[10]); mask&2 != 0 {
		s += fmt.Sprintf("|Bf:15,%d", d.capacity-d.used)
	}
	return s + "|FS:0,0>"
}

// usable reports why the device can't be used. d.mu is held.
func (d *Device) usable() error {
	if d.closed {
		return grbl.ErrClosed
	}
	if d.broken != nil {
		return fmt.Errorf("%w: %v", grbl.ErrLinkDown, d.broken)
	}
	return nil
}

func (d *Device) ReadLine(timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		d.mu.Lock()
		if len(d.outq) > 0 {
			line := d.outq[0]
			d.outq = d.outq[1:]
			d.mu.Unlock()
			return line, nil
		}
		err := d.usable()
		d.mu.Unlock()
		if err != nil {
			return "", err
		}
		select {
		case <-d.notify:
		case <-timer.C:
			return "", grbl.ErrTimeout
		}
	}
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.stop()
	signal(d.notify)
	return nil
}

// stop ends line processing. d.mu is held.
func (d *Device) stop() {
	if d.running {
		close(d.quit)
		d.running = false
	}
}

// Disconnect makes every further call fail with err, as if the cable was
// pulled. Lines already received stay pending.
func (d *Device) Disconnect(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broken = err
	d.stop()
	signal(d.notify)
}

// Reopen undoes Close and Disconnect, keeping the device's state.
func (d *Device) Reopen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
	d.broken = nil
	d.outq = nil
	if !d.running {
		d.start()
	}
	signal(d.wake)
}

// Events returns everything the device has received, in order.
func (d *Device) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

// Lines returns the lines the device has received, in order.
func (d *Device) Lines() []string {
	var lines []string
	for _, e := range d.Events() {
		if e.Realtime == 0 {
			lines = append(lines, e.Line)
		}
	}
	return lines
}

// MaxUsed is the most of the receive buffer ever in use.
func (d *Device) MaxUsed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxUsed
}

// Overflowed reports whether more was sent than the buffer holds.
func (d *Device) Overflowed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overflow
}

// Position is where the device has moved to, in work coordinates.
func (d *Device) Position() paths.Vec2 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.track.Pos
}

// SetPosition moves the device, as a reset or a manual jog would.
func (d *Device) SetPosition(v paths.Vec2) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.track.Pos = v
}

// Pending is the number of lines received and not yet processed.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Alarm reports whether the device is in alarm state.
func (d *Device) Alarm() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alarm
}
