// Package log provides the leveled logging sink used throughout the DCP
// engine. It mirrors the structured logging style of the wider storage
// engine: one CommonLogger per subsystem, a shared LoggerContext that
// controls verbosity, and cheap level checks so hot paths (notification,
// readyQ mutation) don't pay for formatting when the level is disabled.
package log

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
)

type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

const (
	logLevelErrorStr   = "Error"
	logLevelWarningStr = "Warning"
	logLevelInfoStr    = "Info"
	logLevelDebugStr   = "Debug"
	logLevelTraceStr   = "Trace"
)

// CommonLogger is a module-scoped logger. Every package-level component in
// the DCP engine (stream, checkpoint processor, connection map) gets its own
// instance so log lines are self-describing without per-call prefixes.
type CommonLogger struct {
	logger  *log.Logger
	context *LoggerContext
}

type LoggerContext struct {
	LogWriter io.Writer
	LogLevel  LogLevel
}

func CopyCtx(ctx *LoggerContext) *LoggerContext {
	return &LoggerContext{LogWriter: ctx.LogWriter, LogLevel: ctx.LogLevel}
}

var DefaultLoggerContext = &LoggerContext{LogWriter: os.Stderr, LogLevel: LogLevelInfo}

func NewLogger(module string, ctx *LoggerContext) *CommonLogger {
	if ctx == nil {
		ctx = DefaultLoggerContext
	}
	l := log.New(ctx.LogWriter, "["+module+"] ", log.Lmicroseconds)
	return &CommonLogger{logger: l, context: ctx}
}

func (l *CommonLogger) logf(level LogLevel, prefix, format string, v ...interface{}) {
	if l.context.LogLevel >= level {
		l.logger.Printf(prefix+format, v...)
	}
}

func (l *CommonLogger) log(level LogLevel, prefix, msg string) {
	if l.context.LogLevel >= level {
		l.logger.Println(prefix + msg)
	}
}

func (l *CommonLogger) Errorf(format string, v ...interface{})   { l.logf(LogLevelError, "[ERROR] ", format, v...) }
func (l *CommonLogger) Warnf(format string, v ...interface{})    { l.logf(LogLevelWarning, "[WARN] ", format, v...) }
func (l *CommonLogger) Infof(format string, v ...interface{})    { l.logf(LogLevelInfo, "[INFO] ", format, v...) }
func (l *CommonLogger) Debugf(format string, v ...interface{})   { l.logf(LogLevelDebug, "[DEBUG] ", format, v...) }
func (l *CommonLogger) Tracef(format string, v ...interface{})   { l.logf(LogLevelTrace, "[TRACE] ", format, v...) }

func (l *CommonLogger) Error(msg string) { l.log(LogLevelError, "[ERROR] ", msg) }
func (l *CommonLogger) Warn(msg string)  { l.log(LogLevelWarning, "[WARN] ", msg) }
func (l *CommonLogger) Info(msg string)  { l.log(LogLevelInfo, "[INFO] ", msg) }
func (l *CommonLogger) Debug(msg string) { l.log(LogLevelDebug, "[DEBUG] ", msg) }

func (l *CommonLogger) LoggerContext() *LoggerContext { return l.context }

func LogLevelFromStr(s string) (LogLevel, error) {
	switch s {
	case logLevelErrorStr:
		return LogLevelError, nil
	case logLevelWarningStr:
		return LogLevelWarning, nil
	case logLevelInfoStr:
		return LogLevelInfo, nil
	case logLevelDebugStr:
		return LogLevelDebug, nil
	case logLevelTraceStr:
		return LogLevelTrace, nil
	default:
		return -1, errors.New(fmt.Sprintf("%v is not a valid log level", s))
	}
}

func (level LogLevel) String() string {
	switch level {
	case LogLevelError:
		return logLevelErrorStr
	case LogLevelWarning:
		return logLevelWarningStr
	case LogLevelInfo:
		return logLevelInfoStr
	case LogLevelDebug:
		return logLevelDebugStr
	case LogLevelTrace:
		return logLevelTraceStr
	}
	return ""
}
