package driver

import (
	"github.com/kstaniek/go-vbus-driver/internal/logging"
	"github.com/kstaniek/go-vbus-driver/pkg/status"
)

// Severity of a driver log message.
type Severity = logging.Severity

const (
	SeverityTrace   = logging.Trace
	SeverityDebug   = logging.Debug
	SeverityInfo    = logging.Info
	SeverityWarning = logging.Warning
	SeverityError   = logging.Error
	SeverityFatal   = logging.Fatal
)

// LogFunc receives every driver log message. It may be called from any
// goroutine.
type LogFunc = logging.Sink

// RegisterLogger replaces the active log sink for the whole process.
func RegisterLogger(fn LogFunc) error {
	if !logging.SetSink(fn) {
		return status.New(status.NullPointer, "register_logger")
	}
	return nil
}

// DefaultLogger returns the built-in sink (stderr, Warning and above), e.g. to
// restore it after RegisterLogger.
func DefaultLogger() LogFunc { return logging.Default() }
