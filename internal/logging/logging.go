// Package logging provides the pool's operational logger, built on zap.
package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.SugaredLogger
)

// Init builds the package-level logger from a level name ("debug",
// "info", "warn", "error"), a format ("json" or "console"), and an
// optional file path. When file is empty, output goes to stdout only.
func Init(level, format, file string) error {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		sinks = append(sinks, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), zapLevel)
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	mu.Lock()
	logger = l.Sugar()
	mu.Unlock()

	return nil
}

func log() *zap.SugaredLogger {
	mu.RLock()
	l := logger
	mu.RUnlock()

	if l == nil {
		dev, err := zap.NewDevelopment()
		if err != nil {
			return zap.NewNop().Sugar()
		}
		return dev.Sugar()
	}
	return l
}

func Debug(args ...interface{})                 { log().Debug(args...) }
func Debugf(template string, args ...interface{}) { log().Debugf(template, args...) }
func Info(args ...interface{})                  { log().Info(args...) }
func Infof(template string, args ...interface{}) { log().Infof(template, args...) }
func Warn(args ...interface{})                  { log().Warn(args...) }
func Warnf(template string, args ...interface{}) { log().Warnf(template, args...) }
func Error(args ...interface{})                 { log().Error(args...) }
func Errorf(template string, args ...interface{}) { log().Errorf(template, args...) }
func Fatal(args ...interface{})                 { log().Fatal(args...) }
func Fatalf(template string, args ...interface{}) { log().Fatalf(template, args...) }

// Sync flushes any buffered log entries.
func Sync() error {
	return log().Sync()
}
