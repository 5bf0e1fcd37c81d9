// Package logging builds the daemon logger.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger that writes JSON lines to logPath and a console
// rendering to stderr. Every entry carries the instance name and pid.
func New(logPath, instanceName string, level zapcore.Level) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	return newLogger(zapcore.AddSync(file), zapcore.AddSync(os.Stderr), instanceName, level), nil
}

func newLogger(file, console zapcore.WriteSyncer, instanceName string, level zapcore.Level) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), file, level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), console, level),
	)
	return zap.New(core, zap.Fields(
		zap.String("instance", instanceName),
		zap.Int("pid", os.Getpid()),
	))
}
