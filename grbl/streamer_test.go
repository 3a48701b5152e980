package grbl_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulhankin/grblplot/grbl"
	"github.com/paulhankin/grblplot/grbl/grbltest"
	"github.com/paulhankin/grblplot/logger"
	"github.com/paulhankin/grblplot/paths"
)

func quickConfig(capacity int) grbl.StreamConfig {
	cfg := grbl.DefaultStreamConfig()
	cfg.BufferCapacity = capacity
	cfg.StatusInterval = 0
	cfg.StatusTimeout = 200 * time.Millisecond
	cfg.LineTimeout = 5 * time.Second
	cfg.ReconnectBackoff = 0
	cfg.CancelTimeout = time.Second
	return cfg
}

func program(n int) []string {
	var lines []string
	for i := 1; i <= n; i++ {
		lines = append(lines, fmt.Sprintf("G1 X%d Y%d", i%10, i%7))
	}
	return lines
}

func TestStream(t *testing.T) {
	dev := grbltest.New(127, grbltest.AckDelay(time.Millisecond))
	s := grbl.NewStreamer(dev, quickConfig(127), logger.Discard())
	var states []grbl.StreamState
	s.OnProgress = func(p grbl.Progress) {
		if len(states) == 0 || states[len(states)-1] != p.State {
			states = append(states, p.State)
		}
	}
	lines := program(40)
	require.NoError(t, s.Stream(context.Background(), lines))
	assert.Equal(t, lines, dev.Lines())
	p := s.Progress()
	assert.Equal(t, grbl.StreamDone, p.State)
	assert.Equal(t, 40, p.Acked)
	assert.Equal(t, 0, p.Used)
	assert.Equal(t, []grbl.StreamState{
		grbl.StreamPriming, grbl.StreamStreaming, grbl.StreamDraining, grbl.StreamDone,
	}, states)
	assert.Equal(t, paths.Vec2{40 % 10, 40 % 7}, dev.Position())

	assert.Error(t, s.Stream(context.Background(), lines), "a streamer runs once")
}

// TestStreamWindowNeverOverflows streams random programs into devices
// with random buffer sizes and checks that the bytes in flight never
// exceed the buffer.
func TestStreamWindowNeverOverflows(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 20; iter++ {
		capacity := 24 + rng.Intn(104)
		var lines []string
		for i := 0; i < 50+rng.Intn(100); i++ {
			lines = append(lines, fmt.Sprintf("G1 X%.3f Y%.3f", rng.Float64()*100, rng.Float64()*100))
		}
		var opts []grbltest.Option
		if rng.Intn(2) == 0 {
			opts = append(opts, grbltest.AckDelay(time.Duration(rng.Intn(200))*time.Microsecond))
		}
		dev := grbltest.New(capacity, opts...)
		s := grbl.NewStreamer(dev, quickConfig(capacity), logger.Discard())
		var mu sync.Mutex
		worst := 0
		s.OnProgress = func(p grbl.Progress) {
			mu.Lock()
			worst = max(worst, p.Used)
			mu.Unlock()
		}
		require.NoError(t, s.Stream(context.Background(), lines))
		assert.False(t, dev.Overflowed(), "capacity %d", capacity)
		assert.LessOrEqual(t, dev.MaxUsed(), capacity)
		assert.LessOrEqual(t, worst, capacity)
		assert.Equal(t, lines, dev.Lines())
	}
}

func TestStreamLearnsBufferSize(t *testing.T) {
	dev := grbltest.New(40, grbltest.ReportBuffer())
	cfg := quickConfig(127)
	cfg.EnableBufferReport = true
	s := grbl.NewStreamer(dev, cfg, logger.Discard())
	lines := program(30)
	require.NoError(t, s.Stream(context.Background(), lines))
	assert.False(t, dev.Overflowed())
	assert.Equal(t, 40, s.Progress().Capacity)
	assert.Equal(t, append([]string{"$$"}, lines...), dev.Lines())
}

func TestStreamEnablesBufferReport(t *testing.T) {
	dev := grbltest.New(127)
	cfg := quickConfig(127)
	cfg.EnableBufferReport = true
	s := grbl.NewStreamer(dev, cfg, logger.Discard())
	require.NoError(t, s.Stream(context.Background(), program(3)))
	assert.Equal(t, append([]string{"$$", "$10=3"}, program(3)...), dev.Lines())
}

func TestStreamRejectsLineLongerThanBuffer(t *testing.T) {
	dev := grbltest.New(8)
	s := grbl.NewStreamer(dev, quickConfig(8), logger.Discard())
	err := s.Stream(context.Background(), []string{"G1 X1", "G1 X100 Y100"})
	assert.ErrorContains(t, err, "line 2")
	assert.Empty(t, dev.Lines())
	assert.Equal(t, grbl.StreamFaulted, s.Progress().State)
}

func TestStreamStopsOnDeviceError(t *testing.T) {
	lines := []string{"G1 X1 Y1", "G1 X2 Y2", "G1 X3 Y3", "G1 X4 Y4", "G1 X5 Y5"}
	// 12 bytes hold one line at a time.
	dev := grbltest.New(12, grbltest.ErrorOn("G1 X3 Y3", 9))
	s := grbl.NewStreamer(dev, quickConfig(12), logger.Discard())
	err := s.Stream(context.Background(), lines)
	var de *grbl.DeviceError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, 9, de.Code)
	assert.False(t, de.Alarm)
	assert.Equal(t, "G1 X3 Y3", de.Command)
	assert.Equal(t, 2, de.Line)
	assert.Equal(t, grbl.StreamFaulted, s.Progress().State)

	assert.Equal(t, lines[:3], dev.Lines())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, lines[:3], dev.Lines(), "nothing is written after the error")
}

func TestStreamStopsOnUnrecognisedAck(t *testing.T) {
	lines := []string{"G1 X1 Y1", "G1 X2 Y2", "G1 X3 Y3", "G1 X4 Y4", "G1 X5 Y5"}
	cases := []struct {
		desc  string
		reply string
		msg   string
	}{
		{"grbl 0.9 text error", "error: Bad number format", "Bad number format"},
		{"garbage", "x#!?", `unexpected reply "x#!?"`},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			dev := grbltest.New(12, grbltest.ReplyOn("G1 X3 Y3", c.reply))
			s := grbl.NewStreamer(dev, quickConfig(12), logger.Discard())
			err := s.Stream(context.Background(), lines)
			var de *grbl.DeviceError
			require.True(t, errors.As(err, &de), "got %v", err)
			assert.Equal(t, -1, de.Code)
			assert.Equal(t, c.msg, de.Message)
			assert.Equal(t, "G1 X3 Y3", de.Command)
			assert.Equal(t, 2, de.Line)
			assert.NotErrorIs(t, err, grbl.ErrCursorUntrusted)

			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, lines[:3], dev.Lines(), "nothing is written after the error")
		})
	}
}

func TestStreamRefusesAlarmedDevice(t *testing.T) {
	dev := grbltest.New(127, grbltest.Alarmed())
	s := grbl.NewStreamer(dev, quickConfig(127), logger.Discard())
	err := s.Stream(context.Background(), program(3))
	assert.ErrorIs(t, err, grbl.ErrAlarmState)
	assert.Empty(t, dev.Lines())
}

func TestStreamWithoutStatusReports(t *testing.T) {
	dev := grbltest.New(127, grbltest.Silent())
	s := grbl.NewStreamer(dev, quickConfig(127), logger.Discard())
	require.NoError(t, s.Stream(context.Background(), program(10)))
	assert.Equal(t, program(10), dev.Lines())
}

func TestStreamPollsStatus(t *testing.T) {
	dev := grbltest.New(127, grbltest.AckDelay(5*time.Millisecond))
	cfg := quickConfig(127)
	cfg.StatusInterval = 10 * time.Millisecond
	s := grbl.NewStreamer(dev, cfg, logger.Discard())
	require.NoError(t, s.Stream(context.Background(), program(20)))
	queries := 0
	for _, e := range dev.Events() {
		if e.Realtime == grbl.StatusQuery {
			queries++
		}
	}
	assert.Greater(t, queries, 2)
	assert.NotNil(t, s.Progress().Status)
}

// startStream runs s in the background once the device holds some lines
// it hasn't acknowledged.
func startStream(t *testing.T, ctx context.Context, s *grbl.Streamer, dev *grbltest.Device, lines []string) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Stream(ctx, lines) }()
	require.Eventually(t, func() bool {
		return dev.Pending() >= 3
	}, 2*time.Second, time.Millisecond)
	return errc
}

func checkHoldThenReset(t *testing.T, dev *grbltest.Device) {
	t.Helper()
	events := dev.Events()
	hold := -1
	for i, e := range events {
		if e.Realtime == grbl.FeedHold {
			hold = i
			break
		}
	}
	require.NotEqual(t, -1, hold, "no feed hold in %v", events)
	reset := false
	for _, e := range events[hold+1:] {
		assert.Zero(t, e.Line, "line sent after the feed hold: %v", events)
		if e.Realtime == grbl.SoftReset {
			reset = true
		}
	}
	assert.True(t, reset, "no reset after the feed hold")
	assert.False(t, dev.Alarm(), "reset while moving")
	assert.Zero(t, dev.Pending())
}

func resetConfig() grbl.StreamConfig {
	cfg := quickConfig(127)
	cfg.ResetOnCancel = true
	return cfg
}

func TestCancel(t *testing.T) {
	dev := grbltest.New(127, grbltest.ManualAck())
	s := grbl.NewStreamer(dev, resetConfig(), logger.Discard())
	errc := startStream(t, context.Background(), s, dev, program(100))
	s.Cancel()
	err := <-errc
	assert.ErrorIs(t, err, grbl.ErrCancelled)
	assert.Equal(t, grbl.StreamDone, s.Progress().State)
	checkHoldThenReset(t, dev)
}

func TestCancelLeavesMotionQueued(t *testing.T) {
	dev := grbltest.New(127, grbltest.ManualAck())
	s := grbl.NewStreamer(dev, quickConfig(127), logger.Discard())
	errc := startStream(t, context.Background(), s, dev, program(100))
	s.Cancel()
	assert.ErrorIs(t, <-errc, grbl.ErrCancelled)
	assert.Equal(t, grbl.StreamDone, s.Progress().State)

	events := dev.Events()
	hold := -1
	for i, e := range events {
		if e.Realtime == grbl.FeedHold {
			hold = i
			break
		}
	}
	require.NotEqual(t, -1, hold, "no feed hold in %v", events)
	for _, e := range events[hold+1:] {
		assert.Zero(t, e.Line, "line sent after the feed hold: %v", events)
		assert.NotEqual(t, grbl.SoftReset, e.Realtime, "reset without ResetOnCancel")
	}
	queued := dev.Pending()
	assert.Positive(t, queued, "sent motion stays with the device")

	next := grbl.NewStreamer(dev, quickConfig(127), logger.Discard())
	assert.ErrorIs(t, next.Stream(context.Background(), program(3)), grbl.ErrDeviceHeld)
	assert.Equal(t, queued, dev.Pending())

	// resuming by hand lets the queued motion finish.
	require.NoError(t, dev.SendRealtime(grbl.CycleStart))
	dev.Ack(queued)
	assert.Zero(t, dev.Pending())
}

func TestCancelByContext(t *testing.T) {
	dev := grbltest.New(127, grbltest.ManualAck())
	s := grbl.NewStreamer(dev, resetConfig(), logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	errc := startStream(t, ctx, s, dev, program(100))
	dev.Ack(2)
	cancel()
	assert.ErrorIs(t, <-errc, grbl.ErrCancelled)
	checkHoldThenReset(t, dev)
}

func TestCancelBeforeStart(t *testing.T) {
	dev := grbltest.New(127)
	s := grbl.NewStreamer(dev, quickConfig(127), logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Stream(ctx, program(5)), grbl.ErrCancelled)
	assert.Empty(t, dev.Events())
}

func TestStreamResumesAfterDisconnect(t *testing.T) {
	lines := []string{"G1 X1 Y1", "G1 X2 Y2", "G1 X3 Y3", "G1 X4 Y4", "G1 X5 Y5", "G1 X6 Y6"}
	dev := grbltest.New(12, grbltest.DisconnectAfter(3))
	s := grbl.NewStreamer(dev, quickConfig(12), logger.Discard())
	redials := 0
	s.Redial = func(ctx context.Context) (grbl.Transport, error) {
		redials++
		dev.Reopen()
		return dev, nil
	}
	require.NoError(t, s.Stream(context.Background(), lines))
	assert.Equal(t, 1, redials)
	assert.Equal(t, lines, dev.Lines(), "every line exactly once")
}

func TestStreamResumesWithWorkOffset(t *testing.T) {
	lines := []string{"G1 X1 Y1", "G1 X2 Y2", "G1 X3 Y3", "G1 X4 Y4"}
	// WCO comes with the first report only.
	dev := grbltest.New(12, grbltest.DisconnectAfter(2), grbltest.WorkOffset(paths.Vec2{10, 20}, 1000))
	s := grbl.NewStreamer(dev, quickConfig(12), logger.Discard())
	s.Redial = func(ctx context.Context) (grbl.Transport, error) {
		dev.Reopen()
		return dev, nil
	}
	require.NoError(t, s.Stream(context.Background(), lines))
	assert.Equal(t, lines, dev.Lines(), "every line exactly once")
	assert.Equal(t, paths.Vec2{4, 4}, dev.Position())
}

func TestStreamResumesRelativeProgram(t *testing.T) {
	lines := []string{"G91", "G1 X1 Y1", "G1 X1 Y1", "G1 X1 Y1", "G90"}
	dev := grbltest.New(12, grbltest.DisconnectAfter(3))
	s := grbl.NewStreamer(dev, quickConfig(12), logger.Discard())
	s.Redial = func(ctx context.Context) (grbl.Transport, error) {
		dev.Reopen()
		return dev, nil
	}
	require.NoError(t, s.Stream(context.Background(), lines))
	assert.Equal(t, lines, dev.Lines())
	assert.Equal(t, paths.Vec2{3, 3}, dev.Position())
}

func TestStreamUntrustedAfterHoming(t *testing.T) {
	lines := []string{"G28", "G1 X1 Y1", "G1 X2 Y2"}
	dev := grbltest.New(12, grbltest.DisconnectAfter(2))
	s := grbl.NewStreamer(dev, quickConfig(12), logger.Discard())
	s.Redial = func(ctx context.Context) (grbl.Transport, error) {
		dev.Reopen()
		return dev, nil
	}
	err := s.Stream(context.Background(), lines)
	assert.ErrorIs(t, err, grbl.ErrCursorUntrusted)
	assert.ErrorContains(t, err, "position unknown")
	assert.Equal(t, lines[:2], dev.Lines())
}

func TestStreamGivesUpReconnecting(t *testing.T) {
	dev := grbltest.New(12, grbltest.DisconnectAfter(1))
	cfg := quickConfig(12)
	cfg.ReconnectAttempts = 2
	s := grbl.NewStreamer(dev, cfg, logger.Discard())
	redials := 0
	s.Redial = func(ctx context.Context) (grbl.Transport, error) {
		redials++
		return nil, errors.New("no such port")
	}
	err := s.Stream(context.Background(), program(4))
	assert.ErrorContains(t, err, "no such port")
	assert.Equal(t, 2, redials)
}

func TestStreamUntrustedWithLinesInFlight(t *testing.T) {
	dev := grbltest.New(127, grbltest.ManualAck())
	s := grbl.NewStreamer(dev, quickConfig(127), logger.Discard())
	redials := 0
	s.Redial = func(ctx context.Context) (grbl.Transport, error) {
		redials++
		dev.Reopen()
		return dev, nil
	}
	errc := startStream(t, context.Background(), s, dev, program(50))
	dev.Disconnect(errors.New("unplugged"))
	err := <-errc
	assert.ErrorIs(t, err, grbl.ErrCursorUntrusted)
	assert.ErrorIs(t, err, grbl.ErrLinkDown)
	assert.Zero(t, redials)
	assert.Equal(t, grbl.StreamFaulted, s.Progress().State)
}

func TestStreamUntrustedWhenDeviceMoved(t *testing.T) {
	lines := []string{"G1 X1 Y1", "G1 X2 Y2", "G1 X3 Y3", "G1 X4 Y4"}
	dev := grbltest.New(12, grbltest.DisconnectAfter(2))
	s := grbl.NewStreamer(dev, quickConfig(12), logger.Discard())
	s.Redial = func(ctx context.Context) (grbl.Transport, error) {
		dev.Reopen()
		dev.SetPosition(paths.Vec2{50, 50})
		return dev, nil
	}
	err := s.Stream(context.Background(), lines)
	assert.ErrorIs(t, err, grbl.ErrCursorUntrusted)
	assert.Equal(t, lines[:2], dev.Lines())
}

func TestStreamLineTimeout(t *testing.T) {
	dev := grbltest.New(127, grbltest.ManualAck())
	cfg := quickConfig(127)
	cfg.LineTimeout = 100 * time.Millisecond
	s := grbl.NewStreamer(dev, cfg, logger.Discard())
	err := s.Stream(context.Background(), program(5))
	assert.ErrorIs(t, err, grbl.ErrTimeout)
	assert.ErrorIs(t, err, grbl.ErrCursorUntrusted)
}

func TestPauseResume(t *testing.T) {
	dev := grbltest.New(127, grbltest.ManualAck())
	s := grbl.NewStreamer(dev, quickConfig(127), logger.Discard())
	assert.ErrorIs(t, s.Pause(), grbl.ErrNotStreaming)

	errc := startStream(t, context.Background(), s, dev, program(30))
	require.NoError(t, s.Pause())
	assert.True(t, s.Progress().Paused)
	require.NoError(t, s.Pause(), "pausing twice is harmless")
	require.NoError(t, s.Resume())
	assert.False(t, s.Progress().Paused)

	var rt []byte
	for _, e := range dev.Events() {
		if e.Realtime != 0 && e.Realtime != grbl.StatusQuery {
			rt = append(rt, e.Realtime)
		}
	}
	assert.Equal(t, []byte{grbl.FeedHold, grbl.CycleStart}, rt)

	for {
		select {
		case err := <-errc:
			require.NoError(t, err)
			assert.Equal(t, program(30), dev.Lines())
			return
		default:
			dev.Ack(5)
			time.Sleep(time.Millisecond)
		}
	}
}
