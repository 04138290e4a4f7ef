// Package zlg holds the process wide zap logger.
package zlg

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger global default logger
var Logger *zap.Logger
var Level zap.AtomicLevel

func init() {
	Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if err := Configure("info", false); err != nil {
		panic(err)
	}
}

// Configure replaces the global logger. level is a zap level name, fancy
// selects colored human readable output instead of JSON.
func Configure(level string, fancy bool) error {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return err
	}
	c := zap.NewProductionConfig()
	if fancy {
		c.Encoding = "console"
		c.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		c.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	}
	c.DisableStacktrace = true
	c.Sampling = nil
	c.Level = Level
	lg, err := c.Build(
		zap.WithCaller(false),
	)
	if err != nil {
		return err
	}
	Level.SetLevel(lvl)
	Logger = lg
	return nil
}

// Info logs info
func Info(msg string, f ...zap.Field) {
	Logger.Info(msg, f...)
}

func Debug(msg string, f ...zap.Field) {
	Logger.Debug(msg, f...)
}

func Warn(msg string, f ...zap.Field) {
	Logger.Warn(msg, f...)
}

func Error(err error, msg string, f ...zap.Field) {
	Logger.Error(msg, append(f, zap.Error(err))...)
}

type zapKey struct{}

func Set(ctx context.Context, lg *zap.Logger) context.Context {
	return context.WithValue(ctx, zapKey{}, lg)
}

func Get(ctx context.Context) *zap.Logger {
	if v := ctx.Value(zapKey{}); v != nil {
		return v.(*zap.Logger)
	}
	return Logger
}
