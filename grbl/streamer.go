package grbl

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/paulhankin/grblplot/gcode"
	"github.com/paulhankin/grblplot/logger"
	"github.com/paulhankin/grblplot/paths"
)

// StreamState is where a Streamer is in its life.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamPriming
	StreamStreaming
	StreamDraining
	StreamDone
	StreamFaulted
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamPriming:
		return "priming"
	case StreamStreaming:
		return "streaming"
	case StreamDraining:
		return "draining"
	case StreamDone:
		return "done"
	case StreamFaulted:
		return "faulted"
	}
	return fmt.Sprintf("StreamState(%d)", int(s))
}

// StreamConfig tunes a Streamer.
type StreamConfig struct {
	// BufferCapacity is the device's receive buffer in bytes, used when
	// the device doesn't report it.
	BufferCapacity int
	// StatusInterval is how often the device is asked for its status
	// while streaming. Zero disables polling.
	StatusInterval time.Duration
	StatusTimeout  time.Duration
	// LineTimeout bounds the wait for any acknowledgement while lines
	// are in flight.
	LineTimeout       time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	// CancelTimeout bounds the wait for a feed hold to stop the machine
	// before it is reset.
	CancelTimeout time.Duration
	// ResetOnCancel soft-resets the device once a cancel's feed hold has
	// stopped it, discarding the motion it still holds. Without it the
	// device is left in feed hold with that motion queued, to be resumed
	// (~) or reset (^X) by hand.
	ResetOnCancel bool
	// EnableBufferReport turns on the device's buffer state in status
	// reports ($10) so the buffer size can be read from the device.
	EnableBufferReport bool
}

// DefaultStreamConfig returns settings for a stock GRBL 1.1 board.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		BufferCapacity:    127,
		StatusInterval:    250 * time.Millisecond,
		StatusTimeout:     time.Second,
		LineTimeout:       100 * time.Second,
		ReconnectAttempts: 3,
		ReconnectBackoff:  2 * time.Second,
		CancelTimeout:     10 * time.Second,
	}
}

// bufferReportMask is the $10 bit that adds "Bf:" to status reports.
const bufferReportMask = 2

// positionSlack is how far, in mm, a reconnected device may be from where
// the stream left it.
const positionSlack = 0.01

const receivePoll = 50 * time.Millisecond

// Progress is a snapshot of a stream.
type Progress struct {
	State    StreamState
	Acked    int // lines the device has acknowledged
	Sent     int
	Total    int
	Used     int // bytes in flight
	Capacity int
	Paused   bool
	Status   *StatusReport // latest status report, if any
}

type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// A Streamer sends a program to the device using character counting: a
// line is written only when it fits in what is left of the device's
// receive buffer, counting every line sent and not yet acknowledged.
//
// A Streamer runs one program; make a new one for the next.
type Streamer struct {
	cfg StreamConfig
	log *logger.Logger

	// Redial, if set, reopens the connection after it fails. A stream is
	// only resumed if nothing was in flight and the device is idle where
	// the stream left it.
	Redial Dialer
	// OnProgress, if set, is called after every change of state, line
	// sent, acknowledgement and status report. Calls are serialized.
	OnProgress func(Progress)

	// sendMu orders line writes against the feed hold of a cancel.
	sendMu   sync.Mutex
	reportMu sync.Mutex

	mu           sync.Mutex
	cond         *sync.Cond
	t            Transport
	window       *AckWindow
	lines        []string
	sent         int
	acked        int
	track        gcode.Tracker // position after the last acknowledged line
	posKnown     bool          // the stream started from a known position
	state        StreamState
	err          error
	cancelled    bool
	paused       bool
	resetting    bool
	status       *StatusReport
	statusSeq    int
	wco          paths.Vec2 // last work offset the device reported
	wcoKnown     bool
	lastProgress time.Time
	reconnects   int
}

// NewStreamer returns a streamer on an open transport.
func NewStreamer(t Transport, cfg StreamConfig, log *logger.Logger) *Streamer {
	s := &Streamer{
		cfg:    cfg,
		log:    log,
		t:      t,
		window: NewAckWindow(cfg.BufferCapacity),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Progress returns a snapshot of the stream.
func (s *Streamer) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Progress{
		State:    s.state,
		Acked:    s.acked,
		Sent:     s.sent,
		Total:    len(s.lines),
		Used:     s.window.Used(),
		Capacity: s.window.Capacity(),
		Paused:   s.paused,
	}
	if s.status != nil {
		st := *s.status
		p.Status = &st
	}
	return p
}

func (s *Streamer) report() {
	if s.OnProgress == nil {
		return
	}
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	s.OnProgress(s.Progress())
}

func (s *Streamer) transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t
}

// fault records the first failure and wakes the sender. s.mu is held.
func (s *Streamer) fault(err error) {
	if s.err == nil {
		s.err = err
	}
	s.cond.Broadcast()
}

// stopErr is why the sender must stop, if it must. s.mu is held.
func (s *Streamer) stopErr() error {
	if s.err != nil {
		return s.err
	}
	if s.cancelled {
		return ErrCancelled
	}
	return nil
}

// Stream sends lines to the device and waits until the device has
// acknowledged all of them. It returns ErrCancelled if ctx is done or
// Cancel is called first, and a *DeviceError if the device reports an
// error or alarm, after which nothing more is sent.
func (s *Streamer) Stream(ctx context.Context, lines []string) error {
	s.mu.Lock()
	if s.state != StreamIdle {
		s.mu.Unlock()
		return errors.New("grbl: streamer already used")
	}
	s.lines = lines
	s.state = StreamPriming
	s.mu.Unlock()
	s.report()

	if err := ctx.Err(); err != nil {
		return s.finish(fmt.Errorf("%w: %v", ErrCancelled, err))
	}
	if err := s.prime(); err != nil {
		return s.finish(err)
	}
	stop := context.AfterFunc(ctx, s.Cancel)
	defer stop()
	for {
		err := s.run()
		var te *transportError
		if err == nil || !errors.As(err, &te) {
			return s.finish(err)
		}
		if err := s.reconnect(ctx, te.err); err != nil {
			return s.finish(err)
		}
	}
}

func (s *Streamer) finish(err error) error {
	s.mu.Lock()
	if err == nil || errors.Is(err, ErrCancelled) {
		s.state = StreamDone
	} else {
		s.state = StreamFaulted
		s.err = err
	}
	s.mu.Unlock()
	s.report()
	return err
}

// prime learns the device's buffer size and checks it can run a job.
func (s *Streamer) prime() error {
	t := s.transport()
	capacity := s.cfg.BufferCapacity
	if s.cfg.EnableBufferReport {
		replies, err := exchange(t, "$$", s.cfg.StatusTimeout)
		if err != nil {
			return fmt.Errorf("reading settings: %w", err)
		}
		if v, ok := parseSettings(replies)[10]; ok {
			mask, err := strconv.Atoi(v)
			if err == nil && mask&bufferReportMask == 0 {
				s.log.Info("enabling buffer reports ($10=%d)", mask|bufferReportMask)
				if _, err := exchange(t, fmt.Sprintf("$10=%d", mask|bufferReportMask), s.cfg.StatusTimeout); err != nil {
					return fmt.Errorf("enabling buffer reports: %w", err)
				}
			}
		}
	}
	st, err := queryStatus(t, s.cfg.StatusTimeout)
	switch {
	case errors.Is(err, ErrTimeout):
		s.log.Warn("no status report, assuming a %d byte buffer", capacity)
	case err != nil:
		return &transportError{err}
	default:
		switch st.State {
		case "Alarm":
			return fmt.Errorf("%w: unlock ($X) or home ($H) it first", ErrAlarmState)
		case "Hold":
			return fmt.Errorf("%w: resume (~) or reset (^X) it first", ErrDeviceHeld)
		}
		if st.RX > 0 && !st.BufferUsed {
			capacity = st.RX
		}
		s.mu.Lock()
		s.withOffset(&st)
		s.status = &st
		s.statusSeq++
		s.track.Pos, s.posKnown = st.Work()
		s.mu.Unlock()
	}
	for i, l := range s.lines {
		if cost(l) > capacity {
			return fmt.Errorf("line %d doesn't fit the device's %d byte buffer: %q", i+1, capacity, l)
		}
	}
	s.mu.Lock()
	s.window.Reset(capacity)
	s.mu.Unlock()
	s.log.Debug("streaming %d lines into a %d byte buffer", len(s.lines), capacity)
	return nil
}

// run streams from the current position until everything is
// acknowledged or something stops it.
func (s *Streamer) run() error {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.receive(done)
	}()
	if s.cfg.StatusInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.poll(done, s.cfg.StatusInterval)
		}()
	}
	err := s.send()
	if errors.Is(err, ErrCancelled) {
		err = s.stopDevice()
	}
	close(done)
	wg.Wait()
	return err
}

func (s *Streamer) send() error {
	s.mu.Lock()
	if s.state == StreamPriming {
		s.state = StreamStreaming
		s.mu.Unlock()
		s.report()
		s.mu.Lock()
	}
	for {
		for s.stopErr() == nil && s.sent < len(s.lines) && !s.window.Fits(s.lines[s.sent]) {
			s.cond.Wait()
		}
		if err := s.stopErr(); err != nil {
			s.mu.Unlock()
			return err
		}
		if s.sent == len(s.lines) {
			break
		}
		i, line := s.sent, s.lines[s.sent]
		if err := s.window.Push(i, line); err != nil {
			s.mu.Unlock()
			return err
		}
		s.sent++
		s.lastProgress = time.Now()
		t := s.t
		s.mu.Unlock()

		// A cancel sets its flag before taking sendMu to send the feed
		// hold, so no line follows the hold onto the wire.
		s.sendMu.Lock()
		s.mu.Lock()
		abort := s.stopErr() != nil
		if abort {
			s.window.dropNewest()
			s.sent--
		}
		s.mu.Unlock()
		var err error
		if !abort {
			err = t.WriteLine(line)
		}
		s.sendMu.Unlock()
		s.report()

		s.mu.Lock()
		if err != nil {
			if errors.Is(err, ErrLinkDown) || errors.Is(err, ErrClosed) {
				s.window.dropNewest()
				s.sent--
			}
			s.fault(&transportError{err})
		}
	}
	s.state = StreamDraining
	s.mu.Unlock()
	s.report()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.stopErr() == nil && s.window.Len() > 0 {
		s.cond.Wait()
	}
	return s.stopErr()
}

func (s *Streamer) receive(done <-chan struct{}) {
	t := s.transport()
	for {
		select {
		case <-done:
			return
		default:
		}
		line, err := t.ReadLine(receivePoll)
		if errors.Is(err, ErrTimeout) {
			s.checkStall()
			continue
		}
		if err != nil {
			s.mu.Lock()
			s.fault(&transportError{err})
			s.mu.Unlock()
			return
		}
		s.handle(line)
	}
}

func (s *Streamer) handle(line string) {
	r := ParseResponse(line)
	s.mu.Lock()
	changed := false
	switch r.Kind {
	case RespOK:
		_, l, ok := s.window.Pop()
		if !ok {
			s.log.Warn("acknowledgement with nothing in flight")
			break
		}
		s.acked++
		s.track.Step(l)
		s.lastProgress = time.Now()
		changed = true
	case RespError:
		i, l, _ := s.window.Pop()
		s.fault(&DeviceError{Code: r.Code, Message: r.Message, Command: l, Line: i})
	case RespAlarm:
		if !s.resetting {
			s.fault(&DeviceError{Code: r.Code, Message: r.Message, Alarm: true, Line: -1})
		}
	case RespStatus:
		s.withOffset(r.Status)
		s.status = r.Status
		s.statusSeq++
		changed = true
	case RespBanner:
		if !s.resetting {
			s.fault(ErrUnexpectedReset)
		}
	case RespMessage:
		s.log.Info("device: %s", line)
	case RespSetting:
		s.log.Debug("device: %s", line)
	default:
		// anything else while lines are in flight may be the answer to
		// one of them, so the cursor can no longer be trusted.
		if i, l, ok := s.window.Oldest(); ok && !s.resetting && !strings.HasPrefix(line, "<") {
			s.fault(&DeviceError{Code: -1, Message: fmt.Sprintf("unexpected reply %q", line), Command: l, Line: i})
			break
		}
		s.log.Warn("ignoring %q", line)
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	if changed {
		s.report()
	}
}

// checkStall fails the stream if lines are in flight and the device has
// gone quiet for longer than the line timeout.
func (s *Streamer) checkStall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.LineTimeout <= 0 || s.window.Len() == 0 || s.cancelled || s.paused {
		return
	}
	if time.Since(s.lastProgress) > s.cfg.LineTimeout {
		s.fault(&transportError{fmt.Errorf("%w: no acknowledgement in %v", ErrTimeout, s.cfg.LineTimeout)})
	}
}

func (s *Streamer) poll(done <-chan struct{}, every time.Duration) {
	t := s.transport()
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-tick.C:
			// a failed write also fails reads; the receiver reports it.
			_ = t.SendRealtime(StatusQuery)
		}
	}
}

// Cancel stops the stream: a feed hold is sent at once and no further
// line is written. Once the machine has stopped, Stream returns
// ErrCancelled; with ResetOnCancel the device is reset first, which
// discards everything it has queued.
func (s *Streamer) Cancel() {
	s.mu.Lock()
	switch {
	case s.cancelled, s.state == StreamIdle, s.state == StreamDone, s.state == StreamFaulted:
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	t := s.t
	s.cond.Broadcast()
	s.mu.Unlock()

	s.log.Info("cancelling: feed hold")
	s.sendMu.Lock()
	err := t.SendRealtime(FeedHold)
	s.sendMu.Unlock()
	if err != nil {
		s.log.Warn("sending feed hold: %v", err)
	}
}

// ErrNotStreaming is returned when pausing or resuming a stream that
// isn't running.
var ErrNotStreaming = errors.New("grbl: not streaming")

// Pause holds the machine where it is. Lines keep flowing until the
// device's buffer is full.
func (s *Streamer) Pause() error {
	return s.hold(true, FeedHold)
}

// Resume continues a paused stream.
func (s *Streamer) Resume() error {
	return s.hold(false, CycleStart)
}

func (s *Streamer) hold(pause bool, b byte) error {
	s.mu.Lock()
	if s.cancelled || (s.state != StreamStreaming && s.state != StreamDraining) {
		s.mu.Unlock()
		return ErrNotStreaming
	}
	if s.paused == pause {
		s.mu.Unlock()
		return nil
	}
	s.paused = pause
	s.lastProgress = time.Now()
	t := s.t
	s.mu.Unlock()
	s.report()
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return t.SendRealtime(b)
}

// stopDevice waits for the feed hold to bring the machine to rest, then
// resets it if configured to.
func (s *Streamer) stopDevice() error {
	s.mu.Lock()
	seq := s.statusSeq
	t := s.t
	s.mu.Unlock()

	quit := make(chan struct{})
	defer close(quit)
	go func() {
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for {
			_ = t.SendRealtime(StatusQuery)
			select {
			case <-quit:
				return
			case <-tick.C:
			}
		}
	}()
	timer := time.AfterFunc(s.cfg.CancelTimeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(s.cfg.CancelTimeout)
	s.mu.Lock()
	stopped := func() bool {
		return s.statusSeq > seq && (s.status.Held() || s.status.State == "Idle")
	}
	for !stopped() && s.err == nil && time.Now().Before(deadline) {
		s.cond.Wait()
	}
	rest := stopped()
	held := s.window.Len()
	if !s.cfg.ResetOnCancel {
		s.mu.Unlock()
		if !rest {
			s.log.Warn("machine not at rest after %v", s.cfg.CancelTimeout)
		}
		s.log.Info("cancelled, device left in feed hold with %d lines queued", held)
		return ErrCancelled
	}
	s.resetting = true
	s.mu.Unlock()

	if !rest {
		s.log.Warn("machine not at rest after %v, resetting anyway", s.cfg.CancelTimeout)
	}
	s.sendMu.Lock()
	err := t.SendRealtime(SoftReset)
	s.sendMu.Unlock()

	s.mu.Lock()
	s.window.Reset(s.window.Capacity())
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w, but the reset failed: %v", ErrCancelled, err)
	}
	s.log.Info("cancelled and reset")
	return ErrCancelled
}

// reconnect replaces a failed connection, if the stream can safely carry
// on from where it was.
func (s *Streamer) reconnect(ctx context.Context, cause error) error {
	s.mu.Lock()
	inFlight := s.window.Len()
	old := s.t
	s.mu.Unlock()
	old.Close()

	if inFlight > 0 {
		return fmt.Errorf("%w: %d lines unacknowledged when the connection failed: %w", ErrCursorUntrusted, inFlight, cause)
	}
	if s.Redial == nil || s.reconnects >= s.cfg.ReconnectAttempts {
		return fmt.Errorf("connection failed: %w", cause)
	}
	lastErr := cause
	for s.reconnects < s.cfg.ReconnectAttempts {
		s.reconnects++
		s.log.Warn("connection lost (%v), reconnecting (%d/%d)", lastErr, s.reconnects, s.cfg.ReconnectAttempts)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w while reconnecting", ErrCancelled)
		case <-time.After(s.cfg.ReconnectBackoff):
		}
		t, err := s.Redial(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if err := s.checkResume(t); err != nil {
			t.Close()
			return err
		}
		s.mu.Lock()
		s.t = t
		s.err = nil
		s.mu.Unlock()
		s.log.Info("reconnected, resuming at line %d", s.Progress().Acked+1)
		return nil
	}
	return fmt.Errorf("gave up after %d reconnects: %w", s.reconnects, lastErr)
}

// withOffset completes a report that left out the work offset with the
// last one seen; GRBL 1.1 only sends WCO every 10 to 30 reports. s.mu is
// held.
func (s *Streamer) withOffset(st *StatusReport) {
	switch {
	case st.HasWCO:
		s.wco, s.wcoKnown = st.WCO, true
	case s.wcoKnown && !st.HasWPos:
		st.WCO, st.HasWCO = s.wco, true
	}
}

func (s *Streamer) checkResume(t Transport) error {
	st, err := queryStatus(t, s.cfg.StatusTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCursorUntrusted, err)
	}
	if st.State != "Idle" {
		return fmt.Errorf("%w: device is %s", ErrCursorUntrusted, st.State)
	}
	s.mu.Lock()
	s.withOffset(&st)
	want, known := s.track.Pos, s.posKnown && s.track.Known()
	s.mu.Unlock()
	pos, ok := st.Work()
	if !ok || !known {
		return fmt.Errorf("%w: position unknown", ErrCursorUntrusted)
	}
	if math.Hypot(pos[0]-want[0], pos[1]-want[1]) > positionSlack {
		return fmt.Errorf("%w: device at %.3f,%.3f, expected %.3f,%.3f", ErrCursorUntrusted, pos[0], pos[1], want[0], want[1])
	}
	return nil
}
