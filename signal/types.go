package signal

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned by every operation on a signal before Connect succeeded.
	ErrNotConnected = errors.New("signal not connected")
	// ErrReconnect is returned when Connect is called with a different address.
	ErrReconnect = errors.New("signal already bound to a different address")
	// ErrNotReadable is returned when reading a signal without read access.
	ErrNotReadable = errors.New("signal is not readable")
	// ErrNotWritable is returned when writing a signal without write access.
	ErrNotWritable = errors.New("signal is not writable")
	// ErrNotExecutable is returned when executing a signal without execute access.
	ErrNotExecutable = errors.New("signal is not executable")
	// ErrCacheClosed is delivered to monitor error handlers when the upstream
	// subscription feeding a cache fails permanently.
	ErrCacheClosed = errors.New("signal cache closed")
)

// Access is the capability set of a signal.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExecute

	AccessReadWrite = AccessRead | AccessWrite
)

// Readable reports whether a includes read access.
func (a Access) Readable() bool { return a&AccessRead != 0 }

// Writable reports whether a includes write access.
func (a Access) Writable() bool { return a&AccessWrite != 0 }

// Executable reports whether a includes execute access.
func (a Access) Executable() bool { return a&AccessExecute != 0 }

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "r"
	case AccessWrite:
		return "w"
	case AccessReadWrite:
		return "rw"
	case AccessExecute:
		return "x"
	}
	return fmt.Sprintf("access(%d)", uint8(a))
}

// ParseAccess maps the textual access names used in configuration files.
func ParseAccess(name string) (Access, error) {
	switch name {
	case "r", "ro":
		return AccessRead, nil
	case "w", "wo":
		return AccessWrite, nil
	case "rw", "":
		return AccessReadWrite, nil
	case "x":
		return AccessExecute, nil
	}
	return 0, fmt.Errorf("unknown access %q", name)
}

// Severity is the alarm severity attached to a reading.
type Severity int

const (
	SeverityNone    Severity = 0
	SeverityMinor   Severity = 1
	SeverityMajor   Severity = 2
	SeverityInvalid Severity = -1
)

// NormalizeSeverity maps a raw transport severity onto the known range.
// Anything above major is reported as invalid.
func NormalizeSeverity(raw int) Severity {
	if raw > int(SeverityMajor) || raw < 0 {
		return SeverityInvalid
	}
	return Severity(raw)
}

// Reading is an immutable value snapshot.
type Reading struct {
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"alarm_severity"`
}

// Descriptor is static metadata about the shape of a signal's value.
type Descriptor struct {
	Source    string `json:"source"`
	Dtype     string `json:"dtype"`
	Shape     []int  `json:"shape"`
	Precision *int   `json:"precision,omitempty"`
	Units     string `json:"units,omitempty"`
}

// Callback receives readings from a monitor.
type Callback func(Reading)

// ErrorHandler receives a terminal monitor error.
type ErrorHandler func(error)

// Monitor is a live subscription. Close is idempotent.
type Monitor interface {
	Close()
}

// MonitorFunc adapts a function to the Monitor interface.
type MonitorFunc func()

// Close calls f.
func (f MonitorFunc) Close() { f() }

// WriteError reports a failed put or execute.
type WriteError struct {
	Source string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Source, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func notConnected(op string) error {
	return fmt.Errorf("%w: call Connect before %s", ErrNotConnected, op)
}
