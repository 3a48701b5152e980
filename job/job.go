// Package job runs plot jobs: each submitted file is compiled and
// streamed to the plotter in its own goroutine, one job at a time.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/paulhankin/grblplot/grbl"
	"github.com/paulhankin/grblplot/logger"
	"github.com/paulhankin/grblplot/paths"
)

var (
	// ErrDeviceBusy is returned when another job or session has the device.
	ErrDeviceBusy = errors.New("device busy")
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrJobActive is returned when clearing a job that hasn't finished.
	ErrJobActive = errors.New("job still running")
)

// Status is where a job is in its life.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusCompiling Status = "compiling"
	StatusStreaming Status = "streaming"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a job in this status is finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Snapshot is the state of a job at one moment.
type Snapshot struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Kind       Kind   `json:"kind,omitempty"`
	Page       string `json:"page"`
	Status     Status `json:"status"`
	LinesSent  int    `json:"linesSent"`
	LinesTotal int    `json:"linesTotal"`
	// Cursor is the number of lines the device has acknowledged.
	Cursor           int         `json:"cursor"`
	Error            string      `json:"error,omitempty"`
	Warnings         []string    `json:"warnings,omitempty"`
	DeviceState      string      `json:"deviceState,omitempty"`
	Position         *paths.Vec2 `json:"position,omitempty"`
	EstimatedSeconds float64     `json:"estimatedSeconds,omitempty"`
	Created          time.Time   `json:"created"`
	Started          *time.Time  `json:"started,omitempty"`
	Finished         *time.Time  `json:"finished,omitempty"`
}

type job struct {
	id   string
	name string
	src  []byte
	page paths.PageSpec

	snap   atomic.Pointer[Snapshot]
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex // serializes updates; guards streamer
	streamer *grbl.Streamer
}

func (j *job) snapshot() Snapshot { return *j.snap.Load() }

// update applies f to a copy of the snapshot and publishes it.
func (j *job) update(f func(*Snapshot)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := *j.snap.Load()
	f(&s)
	j.snap.Store(&s)
}

func (j *job) finish(status Status, reason string) {
	now := time.Now()
	j.update(func(s *Snapshot) {
		s.Status = status
		s.Error = reason
		s.Finished = &now
	})
}

func (j *job) getStreamer() *grbl.Streamer {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.streamer
}

// Options configure a Manager.
type Options struct {
	// Dial opens the device. It is called once per job, and again by the
	// streamer when the connection drops.
	Dial    grbl.Dialer
	Stream  grbl.StreamConfig
	Compile CompileOptions
	// CommandTimeout bounds each command of an interactive session.
	// Zero means the stream's line timeout.
	CommandTimeout time.Duration
	Log            *logger.Logger
}

// Manager owns the device and the jobs run on it. Jobs are kept until
// cleared.
type Manager struct {
	opt    Options
	log    *logger.Logger
	device Device

	mu    sync.RWMutex
	jobs  map[string]*job
	order []string
}

// NewManager returns a manager with no jobs.
func NewManager(opt Options) *Manager {
	if opt.CommandTimeout <= 0 {
		opt.CommandTimeout = opt.Stream.LineTimeout
	}
	return &Manager{
		opt:  opt,
		log:  opt.Log,
		jobs: make(map[string]*job),
	}
}

// Device returns the lock the manager holds while a job runs.
func (m *Manager) Device() *Device { return &m.device }

func (m *Manager) busy() error {
	return fmt.Errorf("%w: in use by %s", ErrDeviceBusy, m.device.Holder())
}

// Compile compiles a file without running it.
func (m *Manager) Compile(name string, src []byte, pageSize string) (*Compiled, error) {
	page, err := paths.ParsePageSize(pageSize)
	if err != nil {
		return nil, err
	}
	return Compile(name, src, page, m.opt.Compile)
}

// Submit starts a job plotting src on a page of the given size and
// returns its id. It fails at once if the page size is invalid or the
// device is taken; compile and device errors are reported in the job's
// status instead.
func (m *Manager) Submit(name string, src []byte, pageSize string) (string, error) {
	page, err := paths.ParsePageSize(pageSize)
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	if !m.device.TryAcquire("job " + id[:8]) {
		return "", m.busy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		id:     id,
		name:   name,
		src:    src,
		page:   page,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	j.snap.Store(&Snapshot{
		ID:      id,
		Name:    name,
		Page:    page.String(),
		Status:  StatusQueued,
		Created: time.Now(),
	})

	m.mu.Lock()
	m.jobs[id] = j
	m.order = append(m.order, id)
	m.mu.Unlock()

	go m.run(ctx, j)
	return id, nil
}

// run drives a job to its terminal status. The device is closed and
// released before that status is published, so a caller that sees it
// can submit again at once.
func (m *Manager) run(ctx context.Context, j *job) {
	holder := "job " + j.id[:8]
	log := m.log.WithPrefix(holder)
	status, reason := StatusFailed, ""
	defer func() {
		if r := recover(); r != nil {
			log.Error("PANIC recovered: %v", r)
			status, reason = StatusFailed, fmt.Sprintf("job panicked: %v", r)
		}
		j.cancel()
		m.device.Release(holder)
		j.finish(status, reason)
		close(j.done)
	}()
	status, reason = m.execute(ctx, j, log)
}

// execute compiles and streams a job, returning how it ended.
func (m *Manager) execute(ctx context.Context, j *job, log *logger.Logger) (Status, string) {
	now := time.Now()
	j.update(func(s *Snapshot) {
		s.Status = StatusCompiling
		s.Started = &now
	})
	log.Info("compiling %s for %s", j.name, j.page)
	c, err := Compile(j.name, j.src, j.page, m.opt.Compile)
	if err != nil {
		log.Error("compile failed: %v", err)
		return StatusFailed, fmt.Sprintf("compiling: %v", err)
	}
	lines := c.Lines()
	for _, w := range c.Warnings {
		log.Warn("%s", w)
	}
	j.update(func(s *Snapshot) {
		s.Kind = c.Kind
		s.Warnings = c.Warnings
		s.LinesTotal = len(lines)
		s.EstimatedSeconds = c.Estimate.Duration.Seconds()
	})
	if ctx.Err() != nil {
		return StatusCancelled, "cancelled before streaming"
	}

	if m.opt.Dial == nil {
		return StatusFailed, grbl.ErrNoDevice.Error()
	}
	t, err := m.opt.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return StatusCancelled, "cancelled while connecting"
		}
		log.Error("connecting: %v", err)
		return StatusFailed, fmt.Sprintf("connecting: %v", err)
	}
	// the streamer closes the connections it replaces; the last one is ours.
	last := t
	defer func() { last.Close() }()

	s := grbl.NewStreamer(t, m.opt.Stream, log)
	s.Redial = func(ctx context.Context) (grbl.Transport, error) {
		t, err := m.opt.Dial(ctx)
		if err == nil {
			last = t
		}
		return t, err
	}
	s.OnProgress = func(p grbl.Progress) {
		j.update(func(sn *Snapshot) {
			sn.LinesSent = p.Sent
			sn.LinesTotal = p.Total
			sn.Cursor = p.Acked
			switch {
			case sn.Status.Terminal():
			case p.Paused:
				sn.Status = StatusPaused
			default:
				sn.Status = StatusStreaming
			}
			if p.Status != nil {
				sn.DeviceState = p.Status.State
				if pos, ok := p.Status.Work(); ok {
					sn.Position = &pos
				}
			}
		})
	}
	j.mu.Lock()
	j.streamer = s
	j.mu.Unlock()

	done := log.Step(fmt.Sprintf("streaming %d lines", len(lines)))
	err = s.Stream(ctx, lines)
	switch {
	case err == nil:
		done()
		return StatusCompleted, ""
	case errors.Is(err, grbl.ErrCancelled):
		log.Info("cancelled at line %d of %d", s.Progress().Acked, len(lines))
		return StatusCancelled, "cancelled"
	default:
		log.Error("stream failed: %v", err)
		return StatusFailed, err.Error()
	}
}

func (m *Manager) get(id string) (*job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, nil
}

// Status returns the job's latest snapshot.
func (m *Manager) Status(id string) (Snapshot, bool) {
	j, err := m.get(id)
	if err != nil {
		return Snapshot{}, false
	}
	return j.snapshot(), true
}

// List returns every job in the order submitted.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.jobs[id].snapshot())
	}
	return out
}

// Cancel stops a job. The machine is held and reset, so the pen stops
// where it is. Cancelling a finished job does nothing.
func (m *Manager) Cancel(id string) error {
	j, err := m.get(id)
	if err != nil {
		return err
	}
	if j.snapshot().Status.Terminal() {
		return nil
	}
	m.log.Info("cancelling job %s", id[:8])
	j.cancel()
	return nil
}

// Pause holds the machine mid-job.
func (m *Manager) Pause(id string) error {
	return m.hold(id, (*grbl.Streamer).Pause)
}

// Resume continues a paused job.
func (m *Manager) Resume(id string) error {
	return m.hold(id, (*grbl.Streamer).Resume)
}

func (m *Manager) hold(id string, f func(*grbl.Streamer) error) error {
	j, err := m.get(id)
	if err != nil {
		return err
	}
	s := j.getStreamer()
	if s == nil || j.snapshot().Status.Terminal() {
		return grbl.ErrNotStreaming
	}
	return f(s)
}

// Wait blocks until the job finishes or ctx is done, and returns its
// final snapshot.
func (m *Manager) Wait(ctx context.Context, id string) (Snapshot, error) {
	j, err := m.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-j.done:
		return j.snapshot(), nil
	case <-ctx.Done():
		return j.snapshot(), ctx.Err()
	}
}

// Clear forgets a finished job.
func (m *Manager) Clear(id string) error {
	j, err := m.get(id)
	if err != nil {
		return err
	}
	if !j.snapshot().Status.Terminal() {
		return ErrJobActive
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

const sessionHolder = "interactive session"

// WithSession lends the device to fn for interactive commands. It fails
// with ErrDeviceBusy while a job is running; jobs are never touched.
func (m *Manager) WithSession(ctx context.Context, fn func(*grbl.Session) error) error {
	if !m.device.TryAcquire(sessionHolder) {
		return m.busy()
	}
	defer m.device.Release(sessionHolder)
	if m.opt.Dial == nil {
		return grbl.ErrNoDevice
	}
	t, err := m.opt.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer t.Close()
	return fn(grbl.NewSession(t, m.opt.CommandTimeout, m.log.WithPrefix("session")))
}
