package tchannel

import (
	"os"
	"sync"

	"github.com/op/go-logging"
)

// Logger is the logging seam used throughout the Channel. It mirrors the
// teacher's golang/channel.go Logger interface; NewLogger returns an
// implementation backed by github.com/op/go-logging, which the teacher
// already uses directly in connection.go and inbound.go.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NullLogger discards everything. It is the Channel's default when no
// Logger option is supplied, exactly as in the teacher.
type NullLogger struct{}

func (NullLogger) Debugf(string, ...interface{}) {}
func (NullLogger) Infof(string, ...interface{})  {}
func (NullLogger) Warnf(string, ...interface{})  {}
func (NullLogger) Errorf(string, ...interface{}) {}

var backendInit sync.Once

func ensureLoggingBackend() {
	backendInit.Do(func() {
		backend := logging.NewLogBackend(os.Stderr, "", 0)
		logging.SetBackend(backend)
	})
}

// goLoggingAdapter adapts a *logging.Logger (op/go-logging) to the Logger
// interface used across this package.
type goLoggingAdapter struct {
	log *logging.Logger
}

// NewLogger returns a Logger backed by github.com/op/go-logging, tagged
// with the given module name for log-line prefixes.
func NewLogger(module string) Logger {
	ensureLoggingBackend()
	return &goLoggingAdapter{log: logging.MustGetLogger(module)}
}

func (a *goLoggingAdapter) Debugf(format string, args ...interface{}) { a.log.Debugf(format, args...) }
func (a *goLoggingAdapter) Infof(format string, args ...interface{})  { a.log.Infof(format, args...) }
func (a *goLoggingAdapter) Warnf(format string, args ...interface{})  { a.log.Warningf(format, args...) }
func (a *goLoggingAdapter) Errorf(format string, args ...interface{}) { a.log.Errorf(format, args...) }
