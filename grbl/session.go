package grbl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/paulhankin/grblplot/logger"
)

// exchange sends one line and collects the device's replies up to its
// acknowledgement. Status reports that arrive meanwhile are dropped.
func exchange(t Transport, line string, timeout time.Duration) ([]string, error) {
	if err := t.WriteLine(line); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	var replies []string
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return replies, fmt.Errorf("%w: no acknowledgement for %q", ErrTimeout, line)
		}
		s, err := t.ReadLine(left)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				continue
			}
			return replies, err
		}
		r := ParseResponse(s)
		switch r.Kind {
		case RespOK:
			return replies, nil
		case RespError:
			return replies, &DeviceError{Code: r.Code, Message: r.Message, Command: line, Line: -1}
		case RespAlarm:
			return replies, &DeviceError{Code: r.Code, Message: r.Message, Alarm: true, Command: line, Line: -1}
		case RespStatus:
		default:
			replies = append(replies, s)
		}
	}
}

// queryStatus asks for a status report and waits for it.
func queryStatus(t Transport, timeout time.Duration) (StatusReport, error) {
	if err := t.SendRealtime(StatusQuery); err != nil {
		return StatusReport{}, err
	}
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return StatusReport{}, fmt.Errorf("%w: no status report", ErrTimeout)
		}
		s, err := t.ReadLine(left)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			return StatusReport{}, err
		}
		if r := ParseResponse(s); r.Kind == RespStatus {
			return *r.Status, nil
		}
	}
}

// A Session sends commands to an idle device one at a time, for setup and
// manual control between jobs.
type Session struct {
	t       Transport
	timeout time.Duration
	log     *logger.Logger
}

// NewSession returns a session on t. Commands wait up to timeout for
// their acknowledgement.
func NewSession(t Transport, timeout time.Duration, log *logger.Logger) *Session {
	return &Session{t: t, timeout: timeout, log: log}
}

// SendCommand sends one line and returns the device's replies before its
// "ok". A device error comes back as a *DeviceError along with any
// replies.
func (s *Session) SendCommand(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, errors.New("empty command")
	}
	s.log.Debug("command %q", line)
	return exchange(s.t, line, s.timeout)
}

// Query sends a command such as "$$" or "$I" and returns its replies as
// one block of text.
func (s *Session) Query(line string) (string, error) {
	replies, err := s.SendCommand(line)
	return strings.Join(replies, "\n"), err
}

// Settings reads the device's "$n=value" settings.
func (s *Session) Settings() (map[int]string, error) {
	replies, err := s.SendCommand("$$")
	if err != nil {
		return nil, err
	}
	return parseSettings(replies), nil
}

func parseSettings(lines []string) map[int]string {
	m := make(map[int]string)
	for _, l := range lines {
		var n int
		k, v, ok := strings.Cut(l, "=")
		if !ok {
			continue
		}
		if _, err := fmt.Sscanf(k, "$%d", &n); err != nil {
			continue
		}
		// "$110=3000.000 (x max rate, mm/min)" on older firmware.
		v, _, _ = strings.Cut(v, " ")
		m[n] = v
	}
	return m
}

// Status queries the device's state.
func (s *Session) Status() (StatusReport, error) {
	return queryStatus(s.t, s.timeout)
}

// Realtime sends a realtime command byte.
func (s *Session) Realtime(b byte) error {
	return s.t.SendRealtime(b)
}

// realtimeAliases are the console spellings of realtime commands.
var realtimeAliases = map[string]byte{
	"?":      StatusQuery,
	"!":      FeedHold,
	"~":      CycleStart,
	"^x":     SoftReset,
	"ctrl-x": SoftReset,
	"reset":  SoftReset,
}

// RealtimeByte returns the realtime command a console line stands for,
// if it is one.
func RealtimeByte(line string) (byte, bool) {
	b, ok := realtimeAliases[strings.ToLower(strings.TrimSpace(line))]
	return b, ok
}

// Serial connects a console to the device until ctx is done or in ends.
// Every line the device sends is copied to out. Lines read from in are
// sent as they are, except for realtime commands ("?", "!", "~", "^X"),
// which are sent as single bytes.
func (s *Session) Serial(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	readErr := make(chan error, 1)
	go func() {
		for ctx.Err() == nil {
			line, err := s.t.ReadLine(100 * time.Millisecond)
			if errors.Is(err, ErrTimeout) {
				continue
			}
			if err != nil {
				readErr <- err
				return
			}
			fmt.Fprintln(out, line)
		}
		readErr <- nil
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			cancel()
			return <-readErr
		case err := <-readErr:
			return err
		case line, ok := <-lines:
			if !ok {
				cancel()
				return <-readErr
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var err error
			if b, ok := RealtimeByte(line); ok {
				err = s.t.SendRealtime(b)
			} else {
				err = s.t.WriteLine(line)
			}
			if err != nil {
				cancel()
				<-readErr
				return err
			}
		}
	}
}
