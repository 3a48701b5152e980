package job_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulhankin/grblplot/gcode"
	"github.com/paulhankin/grblplot/grbl"
	"github.com/paulhankin/grblplot/grbl/grbltest"
	"github.com/paulhankin/grblplot/job"
	"github.com/paulhankin/grblplot/logger"
	"github.com/paulhankin/grblplot/paths"
)

const lineSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="10" height="10"><line x1="0" y1="0" x2="10" y2="10"/></svg>`

// dialer hands out a fresh simulated device on every dial.
type dialer struct {
	mu    sync.Mutex
	opts  []grbltest.Option
	devs  []*grbltest.Device
	calls int
}

func (d *dialer) dial(ctx context.Context) (grbl.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	dev := grbltest.New(127, d.opts...)
	d.devs = append(d.devs, dev)
	return dev, nil
}

func (d *dialer) setOptions(opts ...grbltest.Option) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts = opts
}

func (d *dialer) last() *grbltest.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.devs) == 0 {
		return nil
	}
	return d.devs[len(d.devs)-1]
}

func (d *dialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newManager(dial grbl.Dialer) *job.Manager {
	cfg := grbl.DefaultStreamConfig()
	cfg.StatusInterval = 0
	cfg.StatusTimeout = 200 * time.Millisecond
	cfg.LineTimeout = 5 * time.Second
	cfg.ReconnectAttempts = 0
	cfg.CancelTimeout = time.Second
	return job.NewManager(job.Options{
		Dial:    dial,
		Stream:  cfg,
		Compile: job.DefaultCompileOptions(),
		Log:     logger.Discard(),
	})
}

func wait(t *testing.T, m *job.Manager, id string) job.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return s
}

// waitStreaming returns once the newest device holds unprocessed lines.
func waitStreaming(t *testing.T, d *dialer) *grbltest.Device {
	t.Helper()
	require.Eventually(t, func() bool {
		dev := d.last()
		return dev != nil && dev.Pending() >= 3
	}, 2*time.Second, time.Millisecond)
	return d.last()
}

func TestSubmitCompletes(t *testing.T) {
	d := &dialer{}
	m := newManager(d.dial)
	id, err := m.Submit("line.svg", []byte(lineSVG), "200x100mm")
	require.NoError(t, err)

	s := wait(t, m, id)
	assert.Equal(t, job.StatusCompleted, s.Status)
	assert.Empty(t, s.Error)
	assert.Equal(t, job.KindSVG, s.Kind)
	assert.Equal(t, "line.svg", s.Name)
	assert.Equal(t, s.LinesTotal, s.LinesSent)
	assert.Equal(t, s.LinesTotal, s.Cursor)
	assert.Greater(t, s.EstimatedSeconds, 0.0)
	assert.NotNil(t, s.Started)
	assert.NotNil(t, s.Finished)
	assert.Equal(t, "", m.Device().Holder())

	dev := d.last()
	// a 10x10 diagonal scaled by 10 and centered on the page.
	assert.Contains(t, dev.Lines(), "G0 X50 Y0")
	assert.Contains(t, dev.Lines(), "G1 X150 Y100")
	assert.Equal(t, paths.Vec2{0, 0}, dev.Position())
}

// slowClose is a device whose Close takes a while, like a serial port
// draining its buffers.
type slowClose struct {
	*grbltest.Device
	closed chan struct{}
}

func (s slowClose) Close() error {
	time.Sleep(200 * time.Millisecond)
	err := s.Device.Close()
	close(s.closed)
	return err
}

func TestSubmitAfterTerminalStatus(t *testing.T) {
	closed := make(chan struct{})
	dial := func(ctx context.Context) (grbl.Transport, error) {
		return slowClose{grbltest.New(127), closed}, nil
	}
	m := newManager(dial)
	id, err := m.Submit("line.svg", []byte(lineSVG), "A4")
	require.NoError(t, err)

	var s job.Snapshot
	require.Eventually(t, func() bool {
		s, _ = m.Status(id)
		return s.Status.Terminal()
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, job.StatusCompleted, s.Status)
	select {
	case <-closed:
	default:
		t.Fatal("terminal status published before the device was closed")
	}
	assert.Equal(t, "", m.Device().Holder())

	closed = make(chan struct{})
	second, err := m.Submit("line.svg", []byte(lineSVG), "A4")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, wait(t, m, second).Status)
}

func TestSubmitDeviceBusy(t *testing.T) {
	d := &dialer{}
	d.setOptions(grbltest.ManualAck())
	m := newManager(d.dial)
	first, err := m.Submit("line.svg", []byte(lineSVG), "A4")
	require.NoError(t, err)
	waitStreaming(t, d)

	_, err = m.Submit("other.svg", []byte(lineSVG), "A4")
	assert.ErrorIs(t, err, job.ErrDeviceBusy)
	err = m.WithSession(context.Background(), func(*grbl.Session) error { return nil })
	assert.ErrorIs(t, err, job.ErrDeviceBusy)
	assert.Len(t, m.List(), 1)

	require.NoError(t, m.Cancel(first))
	s := wait(t, m, first)
	assert.Equal(t, job.StatusCancelled, s.Status)
	assert.NotEmpty(t, s.Error)

	d.setOptions()
	second, err := m.Submit("other.svg", []byte(lineSVG), "A4")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, wait(t, m, second).Status)
	assert.Len(t, m.List(), 2)
}

func TestSessionLeavesJobsAlone(t *testing.T) {
	d := &dialer{}
	m := newManager(d.dial)
	id, err := m.Submit("line.svg", []byte(lineSVG), "A4")
	require.NoError(t, err)
	wait(t, m, id)
	before := m.List()

	var dump string
	err = m.WithSession(context.Background(), func(s *grbl.Session) error {
		var err error
		dump, err = s.Query("$$")
		return err
	})
	require.NoError(t, err)
	assert.Contains(t, dump, "$110=3000.000")
	assert.Equal(t, before, m.List())
	assert.Equal(t, "", m.Device().Holder())
}

func TestSubmitCompileFailure(t *testing.T) {
	d := &dialer{}
	m := newManager(d.dial)
	id, err := m.Submit("empty.svg", []byte(`<svg width="10" height="10"></svg>`), "A4")
	require.NoError(t, err)
	s := wait(t, m, id)
	assert.Equal(t, job.StatusFailed, s.Status)
	assert.Contains(t, s.Error, "empty")
	assert.Zero(t, d.count(), "device opened for a job that didn't compile")
	assert.Equal(t, "", m.Device().Holder())
}

func TestSubmitInvalidPageSize(t *testing.T) {
	d := &dialer{}
	m := newManager(d.dial)
	_, err := m.Submit("line.svg", []byte(lineSVG), "banana")
	assert.ErrorIs(t, err, paths.ErrInvalidPageSize)
	assert.Empty(t, m.List())
	assert.Equal(t, "", m.Device().Holder())
}

func TestSubmitDeviceError(t *testing.T) {
	d := &dialer{}
	d.setOptions(grbltest.ErrorOn("G1 X2", 9))
	m := newManager(d.dial)
	id, err := m.Submit("part.gcode", []byte("G0 X1\ng1 x2 ; cut\nG1 X3\n"), "A4")
	require.NoError(t, err)
	s := wait(t, m, id)
	assert.Equal(t, job.StatusFailed, s.Status)
	assert.Contains(t, s.Error, "error:9")
	assert.Equal(t, job.KindGcode, s.Kind)
	assert.Equal(t, 3, s.LinesTotal)
}

func TestCancelFinishedJob(t *testing.T) {
	d := &dialer{}
	m := newManager(d.dial)
	id, err := m.Submit("line.svg", []byte(lineSVG), "A4")
	require.NoError(t, err)
	wait(t, m, id)
	require.NoError(t, m.Cancel(id))
	s, ok := m.Status(id)
	require.True(t, ok)
	assert.Equal(t, job.StatusCompleted, s.Status)

	assert.ErrorIs(t, m.Cancel("nope"), job.ErrNotFound)
	_, ok = m.Status("nope")
	assert.False(t, ok)
}

func TestPauseResume(t *testing.T) {
	d := &dialer{}
	d.setOptions(grbltest.ManualAck())
	m := newManager(d.dial)
	id, err := m.Submit("line.svg", []byte(lineSVG), "A4")
	require.NoError(t, err)
	dev := waitStreaming(t, d)

	require.NoError(t, m.Pause(id))
	s, _ := m.Status(id)
	assert.Equal(t, job.StatusPaused, s.Status)
	require.NoError(t, m.Resume(id))
	s, _ = m.Status(id)
	assert.Equal(t, job.StatusStreaming, s.Status)

	require.Eventually(t, func() bool {
		dev.Ack(10)
		s, _ := m.Status(id)
		return s.Status == job.StatusCompleted
	}, 5*time.Second, time.Millisecond)
	assert.ErrorIs(t, m.Pause(id), grbl.ErrNotStreaming)
}

func TestClear(t *testing.T) {
	d := &dialer{}
	d.setOptions(grbltest.ManualAck())
	m := newManager(d.dial)
	id, err := m.Submit("line.svg", []byte(lineSVG), "A4")
	require.NoError(t, err)
	waitStreaming(t, d)
	assert.ErrorIs(t, m.Clear(id), job.ErrJobActive)

	require.NoError(t, m.Cancel(id))
	wait(t, m, id)
	require.NoError(t, m.Clear(id))
	assert.Empty(t, m.List())
	assert.ErrorIs(t, m.Clear(id), job.ErrNotFound)
}

func TestPanicFailsJob(t *testing.T) {
	m := newManager(func(context.Context) (grbl.Transport, error) { panic("serial driver exploded") })
	id, err := m.Submit("line.svg", []byte(lineSVG), "A4")
	require.NoError(t, err)
	s := wait(t, m, id)
	assert.Equal(t, job.StatusFailed, s.Status)
	assert.Contains(t, s.Error, "serial driver exploded")
	assert.Equal(t, "", m.Device().Holder())
}

func TestDialFailure(t *testing.T) {
	m := newManager(func(context.Context) (grbl.Transport, error) { return nil, grbl.ErrNoDevice })
	id, err := m.Submit("line.svg", []byte(lineSVG), "A4")
	require.NoError(t, err)
	s := wait(t, m, id)
	assert.Equal(t, job.StatusFailed, s.Status)
	assert.Contains(t, s.Error, "no device")

	err = m.WithSession(context.Background(), func(*grbl.Session) error { return nil })
	assert.ErrorIs(t, err, grbl.ErrNoDevice)
}

func TestDetectKind(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want job.Kind
	}{
		{"a.svg", "G0 X1", job.KindSVG},
		{"a.SVG", "", job.KindSVG},
		{"a.gcode", "<svg>", job.KindGcode},
		{"a.nc", "", job.KindGcode},
		{"a.txt", "", job.KindGcode},
		{"upload", `<?xml version="1.0"?><svg width="1">`, job.KindSVG},
		{"upload", "G21\nG0 X1\n", job.KindGcode},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, job.DetectKind(c.name, []byte(c.src)), "%s %q", c.name, c.src)
	}
}

func TestCompileSVG(t *testing.T) {
	page, err := paths.ParsePageSize("200x100mm")
	require.NoError(t, err)
	c, err := job.Compile("line.svg", []byte(lineSVG), page, job.DefaultCompileOptions())
	require.NoError(t, err)
	require.NotNil(t, c.Fit)
	assert.Equal(t, 10.0, c.Fit.Scale)
	assert.Equal(t, paths.Vec2{50, 0}, c.Fit.Offset)
	assert.Equal(t, []string{"G21", "G90"}, c.Lines()[:2])
	assert.Equal(t, 1, len(c.Polylines))
	assert.InDelta(t, 100*math.Sqrt2, c.Estimate.DrawDistance, 1e-9)
	assert.Empty(t, c.Warnings)
}

func TestCompileGcode(t *testing.T) {
	page, err := paths.ParsePageSize("A4")
	require.NoError(t, err)
	c, err := job.Compile("part.nc", []byte("g21\n(setup)\nG0 X1 Y2\n\nG1 X3 ; draw\n"), page, job.CompileOptions{})
	require.NoError(t, err)
	assert.Nil(t, c.Fit)
	assert.Equal(t, []string{"G21", "G0 X1 Y2", "G1 X3"}, c.Lines())

	_, err = job.Compile("bad.nc", []byte("G0 X1\nG1 X$\n"), page, job.CompileOptions{})
	var se *gcode.SyntaxError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, 2, se.Line)
}

func TestCompileLayers(t *testing.T) {
	src := `<svg xmlns="http://www.w3.org/2000/svg" width="10" height="10">
  <g id="red"><line x1="0" y1="0" x2="10" y2="0"/></g>
  <g id="blue"><line x1="0" y1="10" x2="10" y2="10"/></g>
  <g id="empty"></g>
</svg>`
	page, err := paths.ParsePageSize("100x100mm")
	require.NoError(t, err)
	cs, err := job.CompileLayers("layers.svg", []byte(src), page, job.DefaultCompileOptions())
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, "red", cs[0].Layer)
	assert.Equal(t, "blue", cs[1].Layer)
	// both layers keep their place in the whole drawing.
	assert.Contains(t, cs[0].Lines(), "G1 X100 Y0")
	assert.Contains(t, cs[1].Lines(), "G1 X100 Y100")
	assert.Equal(t, cs[0].Fit.Scale, cs[1].Fit.Scale)

	_, err = job.CompileLayers("part.gcode", []byte("G0 X1\n"), page, job.DefaultCompileOptions())
	assert.Error(t, err)
}
