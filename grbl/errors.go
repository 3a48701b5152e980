package grbl

import (
	"errors"
	"fmt"
)

var (
	// ErrCursorUntrusted is returned when a stream can't be resumed after a
	// connection failure because the device's progress is unknown.
	ErrCursorUntrusted = errors.New("grbl: device progress unknown, not resuming")
	// ErrCancelled is returned by a stream stopped on request.
	ErrCancelled = errors.New("grbl: stream cancelled")
	// ErrAlarmState is returned when the device is in alarm and won't run
	// anything until it is unlocked ($X) or homed ($H).
	ErrAlarmState = errors.New("grbl: device is in alarm state")
	// ErrDeviceHeld is returned when the device is in feed hold, as a
	// cancelled stream leaves it.
	ErrDeviceHeld = errors.New("grbl: device is in feed hold")
	// ErrUnexpectedReset is returned when the device restarts mid-stream.
	ErrUnexpectedReset = errors.New("grbl: device reset during stream")
	// ErrLinkDown is returned by writes on a connection that has already
	// failed. Nothing was sent.
	ErrLinkDown = errors.New("grbl: connection is down")
	// ErrNoDevice is returned when no port answers like a GRBL device.
	ErrNoDevice = errors.New("grbl: no device found")
)

// A DeviceError is an error or alarm reported by the device.
type DeviceError struct {
	Code    int
	Alarm   bool
	Command string // the line it was reported for, if known
	Line    int    // index of that line in the stream, or -1
	// Message describes errors without a code: GRBL 0.9's text forms and
	// replies that make no sense as an acknowledgement. Code is -1.
	Message string
}

func (e *DeviceError) Error() string {
	kind, desc := "error", ErrorDescription(e.Code)
	if e.Alarm {
		kind, desc = "ALARM", AlarmDescription(e.Code)
	}
	var msg string
	if e.Code < 0 {
		msg = fmt.Sprintf("grbl: %s: %s", kind, e.Message)
	} else {
		msg = fmt.Sprintf("grbl: %s:%d", kind, e.Code)
		if desc != "" {
			msg += " (" + desc + ")"
		}
	}
	if e.Command != "" {
		msg += fmt.Sprintf(" on %q", e.Command)
	}
	return msg
}

// GRBL 1.1 error codes.
var errorDescriptions = map[int]string{
	1:  "expected command letter",
	2:  "bad number format",
	3:  "invalid $ statement",
	4:  "negative value",
	5:  "homing not enabled",
	6:  "step pulse too short",
	7:  "EEPROM read failed, defaults restored",
	8:  "$ command needs idle state",
	9:  "G-code locked out during alarm or jog",
	10: "soft limits need homing enabled",
	11: "line too long",
	12: "step rate too high",
	13: "safety door open",
	14: "line too long for EEPROM",
	15: "jog target exceeds machine travel",
	16: "invalid jog command",
	17: "laser mode needs PWM output",
	20: "unsupported command",
	21: "modal group violation",
	22: "undefined feed rate",
	23: "command needs an integer value",
	24: "more than one command uses axis words",
	25: "repeated word",
	26: "no axis words",
	27: "invalid line number",
	28: "missing value word",
	29: "unsupported work coordinate system",
	30: "G53 needs G0 or G1",
	31: "unused axis words",
	32: "arc without axis words in plane",
	33: "invalid motion target",
	34: "invalid arc radius",
	35: "arc missing offset words",
	36: "unused value words",
	37: "tool length offset not on configured axis",
	38: "tool number too large",
}

// GRBL 1.1 alarm codes.
var alarmDescriptions = map[int]string{
	1: "hard limit triggered",
	2: "soft limit: target exceeds machine travel",
	3: "reset while in motion, position lost",
	4: "probe fail: not in expected initial state",
	5: "probe fail: no contact",
	6: "homing fail: reset during homing",
	7: "homing fail: safety door opened",
	8: "homing fail: pull off didn't clear limit switch",
	9: "homing fail: limit switch not found",
}

// ErrorDescription describes a GRBL error code, or returns "".
func ErrorDescription(code int) string { return errorDescriptions[code] }

// AlarmDescription describes a GRBL alarm code, or returns "".
func AlarmDescription(code int) string { return alarmDescriptions[code] }
