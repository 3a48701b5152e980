package grbl

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulhankin/grblplot/logger"
	"github.com/paulhankin/grblplot/paths"
)

func TestParseResponse(t *testing.T) {
	cases := []struct {
		line string
		kind ResponseKind
		code int
	}{
		{"ok", RespOK, 0},
		{"error:9", RespError, 9},
		{"error:x", RespError, -1},
		{"error: Bad number format", RespError, -1},
		{"ALARM:3", RespAlarm, 3},
		{"ALARM: Hard/soft limit", RespAlarm, -1},
		{"<Idle|MPos:0.000,0.000,0.000|FS:0,0>", RespStatus, 0},
		{"<Idle", RespOther, 0},
		{"[MSG:'$H'|'$X' to unlock]", RespMessage, 0},
		{"Grbl 1.1h ['$' for help]", RespBanner, 0},
		{"$110=3000.000", RespSetting, 0},
		{"hello", RespOther, 0},
	}
	for _, c := range cases {
		r := ParseResponse(c.line)
		assert.Equal(t, c.kind, r.Kind, c.line)
		assert.Equal(t, c.code, r.Code, c.line)
		assert.Equal(t, c.line, r.Text)
	}
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("<Hold:0|MPos:10.000,-2.500,0.000|Bf:15,127|FS:1500,0|WCO:1.000,1.000,0.000>")
	require.NoError(t, err)
	assert.Equal(t, "Hold", st.State)
	assert.Equal(t, 0, st.SubState)
	assert.True(t, st.Held())
	assert.Equal(t, paths.Vec2{10, -2.5}, st.MPos)
	assert.Equal(t, 15, st.Planner)
	assert.Equal(t, 127, st.RX)
	assert.False(t, st.BufferUsed)
	assert.Equal(t, 1500.0, st.Feed)
	w, ok := st.Work()
	assert.True(t, ok)
	assert.Equal(t, paths.Vec2{9, -3.5}, w)

	st, err = ParseStatus("<Run|WPos:1.000,2.000,0.000>")
	require.NoError(t, err)
	assert.Equal(t, -1, st.SubState)
	assert.Equal(t, -1, st.RX)
	assert.False(t, st.Held())
	w, ok = st.Work()
	assert.True(t, ok)
	assert.Equal(t, paths.Vec2{1, 2}, w)

	_, ok = StatusReport{}.Work()
	assert.False(t, ok)
}

func TestParseStatusGrbl09(t *testing.T) {
	st, err := ParseStatus("<Idle,MPos:5.000,6.000,0.000,WPos:1.000,2.000,0.000,Buf:3,RX:40>")
	require.NoError(t, err)
	assert.Equal(t, "Idle", st.State)
	assert.Equal(t, paths.Vec2{5, 6}, st.MPos)
	assert.Equal(t, paths.Vec2{1, 2}, st.WPos)
	assert.Equal(t, 3, st.Planner)
	assert.Equal(t, 40, st.RX)
	assert.True(t, st.BufferUsed)
}

func TestParseStatusErrors(t *testing.T) {
	for _, line := range []string{
		"Idle|MPos:0,0,0",
		"<|MPos:0,0,0>",
		"<Hold:x>",
		"<Idle|MPos:a,b,c>",
		"<Idle|Bf:15>",
	} {
		_, err := ParseStatus(line)
		assert.Error(t, err, line)
	}
}

func TestDeviceError(t *testing.T) {
	e := &DeviceError{Code: 9, Command: "G1 X1", Line: 3}
	assert.Equal(t, `grbl: error:9 (G-code locked out during alarm or jog) on "G1 X1"`, e.Error())
	e = &DeviceError{Code: 1, Alarm: true, Line: -1}
	assert.Equal(t, "grbl: ALARM:1 (hard limit triggered)", e.Error())
	e = &DeviceError{Code: 99}
	assert.Equal(t, "grbl: error:99", e.Error())
	e = &DeviceError{Code: -1, Message: "Bad number format", Command: "G1 X1.2.3"}
	assert.Equal(t, `grbl: error: Bad number format on "G1 X1.2.3"`, e.Error())

	r := ParseResponse("ALARM: Hard/soft limit")
	assert.Equal(t, "Hard/soft limit", r.Message)
	assert.Empty(t, ParseResponse("error:9").Message)
}

func TestAckWindow(t *testing.T) {
	w := NewAckWindow(20)
	assert.True(t, w.Fits("G1 X1 Y1"))
	require.NoError(t, w.Push(0, "G1 X1 Y1")) // 9 bytes
	require.NoError(t, w.Push(1, "G1 X2 Y2")) // 18
	assert.Equal(t, 18, w.Used())
	assert.False(t, w.Fits("G1 X3"))
	assert.True(t, w.Fits("X"))
	assert.Error(t, w.Push(2, "G1 X3"))

	i, line, ok := w.Oldest()
	assert.True(t, ok)
	assert.Equal(t, 0, i)
	assert.Equal(t, "G1 X1 Y1", line)

	i, _, ok = w.Pop()
	assert.True(t, ok)
	assert.Equal(t, 0, i)
	assert.Equal(t, 9, w.Used())
	assert.Equal(t, 1, w.Len())

	w.dropNewest()
	assert.Equal(t, 0, w.Used())
	_, _, ok = w.Pop()
	assert.False(t, ok)

	w.Reset(40)
	assert.Equal(t, 40, w.Capacity())
}

func TestParseSettings(t *testing.T) {
	m := parseSettings([]string{"$0=10", "$10=3", "$110=3000.000 (x max rate, mm/min)", "[MSG:x]", "$N0="})
	assert.Equal(t, map[int]string{0: "10", 10: "3", 110: "3000.000"}, m)
}

func TestStreamTransport(t *testing.T) {
	a, b := net.Pipe()
	tr := NewStreamTransport("pipe", a, logger.Discard())
	defer tr.Close()
	assert.Equal(t, ConnOpen, tr.State())

	go b.Write([]byte("Grbl 1.1h ['$' for help]\r\n\r\nok\r\n"))
	banner, err := Handshake(tr, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Grbl 1.1h ['$' for help]", banner)
	line, err := tr.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", line)

	_, err = tr.ReadLine(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	got := make(chan string)
	go func() {
		buf := make([]byte, 64)
		n, _ := b.Read(buf)
		got <- string(buf[:n])
	}()
	require.NoError(t, tr.WriteLine("G0 X1"))
	assert.Equal(t, "G0 X1\n", <-got)

	b.Close()
	_, err = tr.ReadLine(time.Second)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, ConnFaulted, tr.State())
	assert.ErrorIs(t, tr.WriteLine("G0 X2"), ErrLinkDown)

	require.NoError(t, tr.Close())
	assert.Equal(t, ConnClosed, tr.State())
}
