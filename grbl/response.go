package grbl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulhankin/grblplot/paths"
)

// ResponseKind classifies a line received from the device.
type ResponseKind int

const (
	RespOther   ResponseKind = iota
	RespOK                   // "ok"
	RespError                // "error:n"
	RespAlarm                // "ALARM:n"
	RespStatus               // "<Idle|MPos:...>"
	RespMessage              // "[MSG:...]" and other bracketed feedback
	RespBanner               // "Grbl 1.1h ['$' for help]"
	RespSetting              // "$110=3000.000"
)

// A Response is one classified line from the device.
type Response struct {
	Kind   ResponseKind
	Code   int           // for RespError and RespAlarm; -1 for the text forms
	Status *StatusReport // for RespStatus
	Text   string
	// Message is the device's own wording of an error or alarm sent in
	// GRBL 0.9's text form, such as "error: Bad number format".
	Message string
}

// ParseResponse classifies a line. Lines that look like a known kind but
// don't parse come back as RespOther, except errors and alarms, which are
// always recognised by their prefix.
func ParseResponse(line string) Response {
	r := Response{Kind: RespOther, Text: line}
	switch {
	case line == "ok":
		r.Kind = RespOK
	case strings.HasPrefix(line, "error:"):
		r.Kind = RespError
		r.Code, r.Message = parseCode(line[len("error:"):])
	case strings.HasPrefix(line, "ALARM:"):
		r.Kind = RespAlarm
		r.Code, r.Message = parseCode(line[len("ALARM:"):])
	case strings.HasPrefix(line, "<"):
		if st, err := ParseStatus(line); err == nil {
			r.Kind, r.Status = RespStatus, &st
		}
	case strings.HasPrefix(line, "["):
		r.Kind = RespMessage
	case strings.HasPrefix(line, "Grbl "):
		r.Kind = RespBanner
	case strings.HasPrefix(line, "$") && strings.Contains(line, "="):
		r.Kind = RespSetting
	}
	return r
}

// parseCode reads the numeric code of GRBL 1.1, or keeps the text of
// GRBL 0.9 with code -1.
func parseCode(s string) (int, string) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, ""
	}
	return -1, s
}

// A StatusReport is the device's answer to a status query.
type StatusReport struct {
	State    string // Idle, Run, Hold, Jog, Alarm, Door, Check, Home, Sleep
	SubState int    // Hold:0 and Door:n; -1 when absent
	MPos     paths.Vec2
	WPos     paths.Vec2
	WCO      paths.Vec2
	HasMPos  bool
	HasWPos  bool
	HasWCO   bool
	// Planner blocks and serial receive bytes; -1 unless the device
	// reports its buffer state. GRBL 1.1 reports free space, 0.9 reports
	// used space and sets BufferUsed.
	Planner    int
	RX         int
	BufferUsed bool
	Feed       float64
}

// Work returns the position in work coordinates, if it can be known. A
// report with only MPos is taken to have no work offset.
func (s StatusReport) Work() (paths.Vec2, bool) {
	switch {
	case s.HasWPos:
		return s.WPos, true
	case s.HasMPos && s.HasWCO:
		return paths.Vec2{s.MPos[0] - s.WCO[0], s.MPos[1] - s.WCO[1]}, true
	case s.HasMPos:
		return s.MPos, true
	}
	return paths.Vec2{}, false
}

// Held reports whether a feed hold has come to a stop.
func (s StatusReport) Held() bool {
	return s.State == "Hold" && s.SubState == 0
}

func parseVec(s string) (paths.Vec2, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 {
		return paths.Vec2{}, fmt.Errorf("bad position %q", s)
	}
	var v paths.Vec2
	for i := 0; i < 2; i++ {
		f, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return paths.Vec2{}, fmt.Errorf("bad position %q", s)
		}
		v[i] = f
	}
	return v, nil
}

// statusFields splits the inside of a status report into its state and
// "Key:value" fields. GRBL 1.1 separates fields with '|'; 0.9 uses ','
// throughout, so values containing commas are regrouped.
func statusFields(body string) []string {
	if strings.Contains(body, "|") {
		return strings.Split(body, "|")
	}
	var fields []string
	for i, tok := range strings.Split(body, ",") {
		if i > 0 && !strings.Contains(tok, ":") && len(fields) > 1 {
			fields[len(fields)-1] += "," + tok
			continue
		}
		fields = append(fields, tok)
	}
	return fields
}

// ParseStatus parses a status report such as
// "<Idle|MPos:0.000,0.000,0.000|Bf:15,128|FS:0,0>" or the GRBL 0.9 form
// "<Idle,MPos:0.000,0.000,0.000,WPos:0.000,0.000,0.000,Buf:0,RX:0>".
func ParseStatus(line string) (StatusReport, error) {
	st := StatusReport{SubState: -1, Planner: -1, RX: -1}
	if !strings.HasPrefix(line, "<") || !strings.HasSuffix(line, ">") {
		return st, fmt.Errorf("not a status report: %q", line)
	}
	fields := statusFields(line[1 : len(line)-1])
	state, sub, ok := strings.Cut(fields[0], ":")
	if state == "" {
		return st, fmt.Errorf("status report without state: %q", line)
	}
	st.State = state
	if ok {
		n, err := strconv.Atoi(sub)
		if err != nil {
			return st, fmt.Errorf("bad substate in %q", line)
		}
		st.SubState = n
	}
	for _, f := range fields[1:] {
		key, val, ok := strings.Cut(f, ":")
		if !ok {
			continue
		}
		var err error
		switch key {
		case "MPos":
			st.MPos, err = parseVec(val)
			st.HasMPos = err == nil
		case "WPos":
			st.WPos, err = parseVec(val)
			st.HasWPos = err == nil
		case "WCO":
			st.WCO, err = parseVec(val)
			st.HasWCO = err == nil
		case "Bf":
			p, r, _ := strings.Cut(val, ",")
			st.Planner, err = strconv.Atoi(p)
			if err == nil {
				st.RX, err = strconv.Atoi(r)
			}
		case "Buf":
			st.Planner, err = strconv.Atoi(val)
			st.BufferUsed = true
		case "RX":
			st.RX, err = strconv.Atoi(val)
			st.BufferUsed = true
		case "FS", "F":
			f, _, _ := strings.Cut(val, ",")
			st.Feed, err = strconv.ParseFloat(f, 64)
		}
		if err != nil {
			return st, fmt.Errorf("bad %s field in %q", key, line)
		}
	}
	return st, nil
}
