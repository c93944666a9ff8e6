// Package logging builds the zap.Logger used by all server components. Every
// component receives an explicit *zap.Logger with a topic field instead of
// reading a global one.
package logging

import (
	"os"

	"github.com/gobuffalo/nulls"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config is the configuration for NewLogger.
type Config struct {
	// HighPriorityOutput is an optional file for all logs with warn level and
	// above. Rotated via lumberjack.
	HighPriorityOutput nulls.String `json:"high_priority_output"`
	// DebugOutput is an optional file for all logs with debug level and above.
	// Rotated via lumberjack.
	DebugOutput nulls.String `json:"debug_output"`
	// MaxSize is the maximum size in megabytes for log files before rotation.
	MaxSize int `json:"max_size"`
	// KeepDays is how many days rotated log files are kept.
	KeepDays int `json:"keep_days"`
}

// NewLogger creates the logger tee: a colorful stdout core with the given
// level, a plain stderr core for errors and optional rotated file cores per
// the Config.
func NewLogger(config Config, stdoutLevel zapcore.Level) *zap.Logger {
	encConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	cores := make([]zapcore.Core, 0)
	// Setup stdout logger with colorful level output.
	stdOutEncConfig := encConfig
	stdOutEncConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cores = append(cores, zapcore.NewCore(
		zapcore.NewConsoleEncoder(stdOutEncConfig),
		zapcore.Lock(os.Stdout),
		zap.LevelEnablerFunc(func(level zapcore.Level) bool {
			return level >= stdoutLevel && level < zap.ErrorLevel
		})))
	// Setup error logger.
	cores = append(cores, zapcore.NewCore(
		zapcore.NewConsoleEncoder(encConfig),
		zapcore.Lock(os.Stderr),
		zap.LevelEnablerFunc(func(level zapcore.Level) bool {
			return level >= zap.ErrorLevel
		})))
	// Setup high priority logger.
	if config.HighPriorityOutput.Valid {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encConfig),
			zapcore.AddSync(&lumberjack.Logger{
				Filename: config.HighPriorityOutput.String,
				MaxSize:  config.MaxSize,
				MaxAge:   config.KeepDays,
			}),
			zap.LevelEnablerFunc(func(level zapcore.Level) bool {
				return level >= zap.WarnLevel
			})))
	}
	// Setup debug logger.
	if config.DebugOutput.Valid {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encConfig),
			zapcore.AddSync(&lumberjack.Logger{
				Filename: config.DebugOutput.String,
				MaxSize:  config.MaxSize,
				MaxAge:   config.KeepDays,
			}),
			zap.LevelEnablerFunc(func(level zapcore.Level) bool {
				return level >= zap.DebugLevel
			})))
	}
	return zap.New(zapcore.NewTee(cores...))
}

// ForTopic returns a child logger with the given topic field set.
func ForTopic(logger *zap.Logger, topic string) *zap.Logger {
	return logger.With(zap.String("topic", topic))
}
