// Package status defines the closed set of outcome codes returned across the
// driver boundary and the error type that carries them.
package status

import (
	"context"
	"errors"
	"fmt"
)

// Code is an outcome code. Values below VendorStart are standard; any value
// with the VendorStart bit set belongs to the vendor extension range.
type Code uint32

const (
	OK                       Code = 0
	Timeout                  Code = 1
	NullPointer              Code = 2
	NotImplemented           Code = 3
	BufferTooSmall           Code = 4
	InvalidParameters        Code = 5
	InvalidConnectionInfo    Code = 6
	InvalidIndex             Code = 7
	InvalidHandle            Code = 8
	InvalidBusType           Code = 9
	InvalidName              Code = 10
	InvalidDirection         Code = 11
	InvalidFrame             Code = 12
	TxBufferOverflow         Code = 13
	MonitoringAlreadyStarted Code = 14
	MonitoringNotRunning     Code = 15
	SimulationNotRunning     Code = 16

	VendorStart Code = 1 << 31
)

// Vendor codes used by this driver.
const (
	// VendorInternal reports an unexpected internal fault (e.g. a recovered panic).
	VendorInternal = VendorStart | 1
	// VendorRxOverflow reports an arrival rejected by a full receive queue.
	VendorRxOverflow = VendorStart | 2
	// VendorClosed reports use of a component after shutdown.
	VendorClosed = VendorStart | 3
)

var names = map[Code]string{
	OK:                       "ok",
	Timeout:                  "timeout",
	NullPointer:              "null_pointer",
	NotImplemented:           "not_implemented",
	BufferTooSmall:           "buffer_too_small",
	InvalidParameters:        "invalid_parameters",
	InvalidConnectionInfo:    "invalid_connection_info",
	InvalidIndex:             "invalid_index",
	InvalidHandle:            "invalid_handle",
	InvalidBusType:           "invalid_bus_type",
	InvalidName:              "invalid_name",
	InvalidDirection:         "invalid_direction",
	InvalidFrame:             "invalid_frame",
	TxBufferOverflow:         "tx_buffer_overflow",
	MonitoringAlreadyStarted: "monitoring_already_started",
	MonitoringNotRunning:     "monitoring_not_running",
	SimulationNotRunning:     "simulation_not_running",
}

// IsVendor reports whether c lies in the vendor extension range.
func (c Code) IsVendor() bool { return c&VendorStart != 0 }

// String returns a stable snake_case label, suitable as a metric label value.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	if c.IsVendor() {
		return fmt.Sprintf("vendor_0x%X", uint32(c&^VendorStart))
	}
	return fmt.Sprintf("code_%d", uint32(c))
}

// Error carries a Code plus the operation that produced it. Required is only
// meaningful for BufferTooSmall and holds the capacity that would succeed.
type Error struct {
	Code     Code
	Op       string
	Required uint64
	Err      error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code == BufferTooSmall {
		msg += fmt.Sprintf(" (required %d)", e.Required)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code, which lets the sentinels below
// be used with errors.Is regardless of Op or wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is classification.
var (
	ErrTimeout                  = &Error{Code: Timeout}
	ErrNullPointer              = &Error{Code: NullPointer}
	ErrNotImplemented           = &Error{Code: NotImplemented}
	ErrBufferTooSmall           = &Error{Code: BufferTooSmall}
	ErrInvalidParameters        = &Error{Code: InvalidParameters}
	ErrInvalidConnectionInfo    = &Error{Code: InvalidConnectionInfo}
	ErrInvalidIndex             = &Error{Code: InvalidIndex}
	ErrInvalidHandle            = &Error{Code: InvalidHandle}
	ErrInvalidBusType           = &Error{Code: InvalidBusType}
	ErrInvalidName              = &Error{Code: InvalidName}
	ErrInvalidDirection         = &Error{Code: InvalidDirection}
	ErrInvalidFrame             = &Error{Code: InvalidFrame}
	ErrTxBufferOverflow         = &Error{Code: TxBufferOverflow}
	ErrMonitoringAlreadyStarted = &Error{Code: MonitoringAlreadyStarted}
	ErrMonitoringNotRunning     = &Error{Code: MonitoringNotRunning}
	ErrSimulationNotRunning     = &Error{Code: SimulationNotRunning}
	ErrInternal                 = &Error{Code: VendorInternal}
	ErrRxOverflow               = &Error{Code: VendorRxOverflow}
	ErrClosed                   = &Error{Code: VendorClosed}
)

// New returns an *Error for code attributed to op.
func New(code Code, op string) error { return &Error{Code: code, Op: op} }

// Wrap attaches code and op to a cause. A nil cause yields New(code, op).
func Wrap(code Code, op string, err error) error {
	return &Error{Code: code, Op: op, Err: err}
}

// Errorf formats a cause and wraps it with code.
func Errorf(code Code, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// TooSmall reports a negotiated-buffer shortfall; required is the capacity that
// would have succeeded.
func TooSmall(op string, required uint64) error {
	return &Error{Code: BufferTooSmall, Op: op, Required: required}
}

// RequiredSize extracts the required capacity from a BufferTooSmall error.
func RequiredSize(err error) (uint64, bool) {
	var se *Error
	if errors.As(err, &se) && se.Code == BufferTooSmall {
		return se.Required, true
	}
	return 0, false
}

// CodeOf maps any error to a Code. Unclassified errors map to VendorInternal so
// nothing crosses the boundary without a defined outcome.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Timeout
	default:
		return VendorInternal
	}
}

// Normalize returns err unchanged when it already carries a Code, otherwise it
// wraps it with the code CodeOf assigns.
func Normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return Wrap(CodeOf(err), op, err)
}
