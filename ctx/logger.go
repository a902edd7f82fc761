package ctx

import (
	goflag "flag"
	"fmt"

	"github.com/plan-systems/klog"
)

// LogFlags holds klog's flags (-v, -logtostderr, ...).  They live apart from flag.CommandLine,
// where glog (linked in through badger) already registers the same names.
var LogFlags = goflag.NewFlagSet("klog", goflag.ContinueOnError)

func init() {
	klog.InitFlags(LogFlags)
	klog.SetFormatter(&klog.FmtConstWidth{
		FileNameCharWidth: 20,
		UseColor:          true,
	})
}

// Logger abstracts basic logging functions.
type Logger interface {
	SetLogLabel(label string)
	GetLogLabel() string
	GetLogPrefix() string
	LogV(verboseLevel int32) bool
	Info(verboseLevel int32, args ...interface{})
	Infof(verboseLevel int32, format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// logger prefixes every entry with its label and hands it to klog.
type logger struct {
	logPrefix string
	logLabel  string
}

// NewLogger creates and inits a new Logger with the given label.
func NewLogger(label string) Logger {
	l := &logger{}
	l.SetLogLabel(label)
	return l
}

// SubLogger returns a new Logger whose label is parent's label joined with sublabel.
func SubLogger(parent Logger, sublabel string) Logger {
	if parent == nil || parent.GetLogLabel() == "" {
		return NewLogger(sublabel)
	}
	return NewLogger(parent.GetLogLabel() + "." + sublabel)
}

// SetLogLabel sets the label prefix for all entries logged.
func (l *logger) SetLogLabel(label string) {
	l.logLabel = label
	if len(label) > 0 {
		l.logPrefix = fmt.Sprintf("[%s] ", label)
	} else {
		l.logPrefix = ""
	}
}

// GetLogLabel returns the label last set via SetLogLabel()
func (l *logger) GetLogLabel() string {
	return l.logLabel
}

// GetLogPrefix returns the the text that prefixes all log messages for this logger.
func (l *logger) GetLogPrefix() string {
	return l.logPrefix
}

// LogV returns true if logging is currently enabled for log verbose level.
func (l *logger) LogV(verboseLevel int32) bool {
	return klog.V(klog.Level(verboseLevel)).Enabled()
}

// Info logs to the INFO log.
// Arguments are handled like fmt.Print(); a newline is appended if missing.
//
// Verbose level conventions:
//   0. Enabled during production and field deployment.  Use this for important high-level events.
//   1. Enabled during testing and development. Use for high-level changes in state, mode, or connection.
//   2. Enabled during low-level debugging and troubleshooting.
func (l *logger) Info(verboseLevel int32, args ...interface{}) {
	if verboseLevel == 0 || l.LogV(verboseLevel) {
		klog.InfoDepth(1, l.logPrefix, fmt.Sprint(args...))
	}
}

// Infof logs to the INFO log.
// Arguments are handled like fmt.Printf(); a newline is appended if missing.
func (l *logger) Infof(verboseLevel int32, format string, args ...interface{}) {
	if verboseLevel == 0 || l.LogV(verboseLevel) {
		klog.InfoDepth(1, l.logPrefix, fmt.Sprintf(format, args...))
	}
}

// Warn logs to the WARNING and INFO logs.
//
// Warnings are reserved for situations that indicate an inconsistency or an error that
// won't result in a departure of specifications, correctness, or expected behavior.
// A refused peer or a denied key use is a warning.
func (l *logger) Warn(args ...interface{}) {
	klog.WarningDepth(1, l.logPrefix, fmt.Sprint(args...))
}

// Warnf logs to the WARNING and INFO logs.
func (l *logger) Warnf(format string, args ...interface{}) {
	klog.WarningDepth(1, l.logPrefix, fmt.Sprintf(format, args...))
}

// Error logs to the ERROR, WARNING, and INFO logs.
//
// Errors are reserved for situations that indicate an implementation deficiency, a
// corruption of data or resources, or an issue that if not addressed could spiral into deeper issues.
func (l *logger) Error(args ...interface{}) {
	klog.ErrorDepth(1, l.logPrefix, fmt.Sprint(args...))
}

// Errorf logs to the ERROR, WARNING, and INFO logs.
func (l *logger) Errorf(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.logPrefix, fmt.Sprintf(format, args...))
}

// Fatalf logs to the FATAL, ERROR, WARNING, and INFO logs, then exits.
func (l *logger) Fatalf(format string, args ...interface{}) {
	klog.FatalDepth(1, l.logPrefix, fmt.Sprintf(format, args...))
}
