package ctx

import (
	"flag"
	"fmt"

	"github.com/plan-systems/klog"
)

// InitFlags registers klog's flags (-v, -logtostderr, -log_dir, ...) with flagset (flag.CommandLine if nil)
// and sets the entry format every gateway binary logs with.
func InitFlags(flagset *flag.FlagSet) {
	klog.InitFlags(flagset)
	klog.SetFormatter(&klog.FmtConstWidth{
		FileNameCharWidth: 20,
		UseColor:          true,
	})
}

// Flush flushes all pending log I/O.
func Flush() {
	klog.Flush()
}

// Logger is the logging surface every gateway component carries (usually via an embedded Context).
//
// Verbose level conventions:
//   0. Production: startup, shutdown, and other rare high-level events.
//   1. Testing and development: state machine transitions, connections, subscriptions.
//   2. Troubleshooting: per-slab and per-request traffic.
type Logger interface {
	SetLogLabel(label string)
	SetLogLabelf(format string, args ...interface{})
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

type logger struct {
	logPrefix string
	logLabel  string
}

// NewLogger returns a Logger whose entries are prefixed with "[label] ".
func NewLogger(label string) Logger {
	l := &logger{}
	l.SetLogLabel(label)
	return l
}

// SetLogLabel sets the label prefixed to all entries logged.
func (l *logger) SetLogLabel(label string) {
	l.logLabel = label
	if len(label) > 0 {
		l.logPrefix = fmt.Sprintf("[%s] ", label)
	} else {
		l.logPrefix = ""
	}
}

// SetLogLabelf is SetLogLabel with a string formatter.
func (l *logger) SetLogLabelf(format string, args ...interface{}) {
	l.SetLogLabel(fmt.Sprintf(format, args...))
}

// GetLogLabel returns the label last set via SetLogLabel()
func (l *logger) GetLogLabel() string {
	return l.logLabel
}

// GetLogPrefix returns the text that prefixes all log entries from this Logger.
func (l *logger) GetLogPrefix() string {
	return l.logPrefix
}

// LogV returns true if the given verbose level is currently enabled.
func (l *logger) LogV(verboseLevel int32) bool {
	return klog.V(klog.Level(verboseLevel)).Enabled()
}

// Info logs to the INFO log if verboseLevel is enabled (level 0 is always enabled).
func (l *logger) Info(verboseLevel int32, args ...interface{}) {
	if verboseLevel == 0 || l.LogV(verboseLevel) {
		klog.InfoDepth(1, l.logPrefix, fmt.Sprint(args...))
	}
}

// Infof is Info() with a string formatter.
func (l *logger) Infof(verboseLevel int32, format string, args ...interface{}) {
	if verboseLevel == 0 || l.LogV(verboseLevel) {
		klog.InfoDepth(1, l.logPrefix, fmt.Sprintf(format, args...))
	}
}

// Warn logs to the WARNING and INFO logs.
//
// Warnings flag an inconsistency that the component recovers from on its own (a dropped peer, a retried dial).
func (l *logger) Warn(args ...interface{}) {
	klog.WarningDepth(1, l.logPrefix, fmt.Sprint(args...))
}

// Warnf is Warn() with a string formatter.
func (l *logger) Warnf(format string, args ...interface{}) {
	klog.WarningDepth(1, l.logPrefix, fmt.Sprintf(format, args...))
}

// Error logs to the ERROR, WARNING, and INFO logs.
//
// Errors flag broken correctness or data at risk: a failed append, a fatal session, a key store write that didn't land.
func (l *logger) Error(args ...interface{}) {
	klog.ErrorDepth(1, l.logPrefix, fmt.Sprint(args...))
}

// Errorf is Error() with a string formatter.
func (l *logger) Errorf(format string, args ...interface{}) {
	klog.ErrorDepth(1, l.logPrefix, fmt.Sprintf(format, args...))
}

// Fatalf logs to the FATAL, ERROR, WARNING, and INFO logs and then exits.
func (l *logger) Fatalf(format string, args ...interface{}) {
	klog.FatalDepth(1, l.logPrefix, fmt.Sprintf(format, args...))
}
