package utils

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	logLevelDebugStringConstant            = "debug"
	logLevelInfoStringConstant             = "info"
	logLevelWarnStringConstant             = "warn"
	logLevelErrorStringConstant            = "error"
	logFormatStructuredStringConstant      = "structured"
	logFormatConsoleStringConstant         = "console"
	unsupportedLogLevelMessageTemplate     = "unsupported log level %q"
	unsupportedLogFormatMessageTemplate    = "unsupported log format %q"
	consoleMessageFieldNameConstant        = "message"
	structuredTimestampFieldNameConstant   = "timestamp"
	structuredLevelFieldNameConstant       = "level"
	structuredMessageFieldNameConstant     = "message"
	structuredCallerFieldNameConstant      = "caller"
	structuredStacktraceFieldNameConstant  = "stacktrace"
)

// LogLevel selects the minimum diagnostic severity emitted.
type LogLevel string

// Supported log levels.
const (
	LogLevelDebug LogLevel = LogLevel(logLevelDebugStringConstant)
	LogLevelInfo  LogLevel = LogLevel(logLevelInfoStringConstant)
	LogLevelWarn  LogLevel = LogLevel(logLevelWarnStringConstant)
	LogLevelError LogLevel = LogLevel(logLevelErrorStringConstant)
)

// LogFormat selects the diagnostic output encoding.
type LogFormat string

// Supported log formats.
const (
	LogFormatStructured LogFormat = LogFormat(logFormatStructuredStringConstant)
	LogFormatConsole    LogFormat = LogFormat(logFormatConsoleStringConstant)
)

// LoggerOutputs bundles the diagnostic logger with the console logger used
// for human-facing command output.
type LoggerOutputs struct {
	DiagnosticLogger *zap.Logger
	ConsoleLogger    *zap.Logger
}

// LoggerFactory builds zap loggers for the requested level and format.
type LoggerFactory struct{}

// NewLoggerFactory constructs a LoggerFactory instance.
func NewLoggerFactory() *LoggerFactory {
	return &LoggerFactory{}
}

// CreateLoggerOutputs builds the diagnostic and console loggers. Structured
// format emits JSON diagnostics and silences the console logger; console
// format emits human-readable diagnostics alongside plain console messages.
func (factory *LoggerFactory) CreateLoggerOutputs(requestedLogLevel LogLevel, requestedLogFormat LogFormat) (LoggerOutputs, error) {
	zapLevel, levelError := zapLevelFor(requestedLogLevel)
	if levelError != nil {
		return LoggerOutputs{}, levelError
	}

	sink := zapcore.Lock(os.Stderr)

	switch requestedLogFormat {
	case LogFormatStructured:
		diagnosticCore := zapcore.NewCore(zapcore.NewJSONEncoder(structuredEncoderConfiguration()), sink, zapLevel)
		return LoggerOutputs{
			DiagnosticLogger: zap.New(diagnosticCore),
			ConsoleLogger:    zap.NewNop(),
		}, nil
	case LogFormatConsole:
		diagnosticCore := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleDiagnosticEncoderConfiguration()), sink, zapLevel)
		consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleMessageEncoderConfiguration()), sink, zapcore.InfoLevel)
		return LoggerOutputs{
			DiagnosticLogger: zap.New(diagnosticCore),
			ConsoleLogger:    zap.New(consoleCore),
		}, nil
	default:
		return LoggerOutputs{}, fmt.Errorf(unsupportedLogFormatMessageTemplate, string(requestedLogFormat))
	}
}

func zapLevelFor(requestedLogLevel LogLevel) (zapcore.Level, error) {
	switch requestedLogLevel {
	case LogLevelDebug:
		return zapcore.DebugLevel, nil
	case LogLevelInfo:
		return zapcore.InfoLevel, nil
	case LogLevelWarn:
		return zapcore.WarnLevel, nil
	case LogLevelError:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InvalidLevel, fmt.Errorf(unsupportedLogLevelMessageTemplate, string(requestedLogLevel))
	}
}

func structuredEncoderConfiguration() zapcore.EncoderConfig {
	configuration := zap.NewProductionEncoderConfig()
	configuration.TimeKey = structuredTimestampFieldNameConstant
	configuration.LevelKey = structuredLevelFieldNameConstant
	configuration.MessageKey = structuredMessageFieldNameConstant
	configuration.CallerKey = structuredCallerFieldNameConstant
	configuration.StacktraceKey = structuredStacktraceFieldNameConstant
	configuration.EncodeTime = zapcore.ISO8601TimeEncoder
	return configuration
}

func consoleDiagnosticEncoderConfiguration() zapcore.EncoderConfig {
	configuration := zap.NewDevelopmentEncoderConfig()
	configuration.EncodeTime = zapcore.ISO8601TimeEncoder
	configuration.EncodeLevel = zapcore.CapitalLevelEncoder
	return configuration
}

func consoleMessageEncoderConfiguration() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:       consoleMessageFieldNameConstant,
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
}
