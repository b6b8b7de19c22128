// Package logging adapts zap to the core.ILogger interface. Entries are teed
// to the console and, through the otelzap bridge, to the OTel log pipeline.
package logging

import (
	"fmt"
	"os"
	"strings"
	"volharvester/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements core.ILogger on top of a zap.Logger.
type ZapLogger struct {
	logger *zap.Logger
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zap.DebugLevel
	case "WARN":
		return zap.WarnLevel
	case "ERROR":
		return zap.ErrorLevel
	case "FATAL":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

// NewZapLogger builds a logger at the given level. Unknown levels fall back
// to INFO rather than failing startup.
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	console := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stdout),
		parseLevel(levelStr),
	)
	bridge := otelzap.NewCore("volharvester",
		otelzap.WithLoggerProvider(global.GetLoggerProvider()))

	return &ZapLogger{
		logger: zap.New(zapcore.NewTee(console, bridge),
			zap.AddCaller(), zap.AddCallerSkip(1)),
	}, nil
}

// kvToFields turns a flat key/value list into zap fields. A trailing key
// without a value is dropped; non-string keys are stringified.
func kvToFields(kv []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}

func (l *ZapLogger) Debug(msg string, kv ...interface{}) { l.logger.Debug(msg, kvToFields(kv)...) }
func (l *ZapLogger) Info(msg string, kv ...interface{})  { l.logger.Info(msg, kvToFields(kv)...) }
func (l *ZapLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn(msg, kvToFields(kv)...) }
func (l *ZapLogger) Error(msg string, kv ...interface{}) { l.logger.Error(msg, kvToFields(kv)...) }
func (l *ZapLogger) Fatal(msg string, kv ...interface{}) { l.logger.Fatal(msg, kvToFields(kv)...) }

// WithField returns a child logger with one bound field.
func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

// WithFields returns a child logger with all given fields bound.
func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zf...)}
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

var globalLogger core.ILogger

func init() {
	logger, _ := NewZapLogger("INFO")
	globalLogger = logger
}

// SetGlobalLogger replaces the package-level logger used by the convenience
// functions below.
func SetGlobalLogger(logger core.ILogger) {
	globalLogger = logger
}

// GetGlobalLogger returns the package-level logger.
func GetGlobalLogger() core.ILogger {
	return globalLogger
}

func Debug(msg string, kv ...interface{}) { globalLogger.Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { globalLogger.Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { globalLogger.Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { globalLogger.Error(msg, kv...) }
func Fatal(msg string, kv ...interface{}) { globalLogger.Fatal(msg, kv...) }
