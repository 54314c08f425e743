// Copyright 2025 James Ross
package obs

import (
	"strings"

	"github.com/flyingrobots/jono/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds a JSON zap logger at the configured level. When
// cfg.LogFile is set, logs are routed through a rotating file sink
// instead of stderr.
func NewLogger(cfg config.Observability) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}

	if cfg.LogFile == "" {
		zcfg := zap.NewProductionConfig()
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
		zcfg.Encoding = "json"
		return zcfg.Build()
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	})

	core := zapcore.NewCore(encoder, sink, lvl)
	return zap.New(core, zap.AddCaller()), nil
}

// Convenience typed fields
func String(k, v string) zap.Field     { return zap.String(k, v) }
func Int(k string, v int) zap.Field    { return zap.Int(k, v) }
func Int64(k string, v int64) zap.Field { return zap.Int64(k, v) }
func Bool(k string, v bool) zap.Field  { return zap.Bool(k, v) }
func Err(err error) zap.Field          { return zap.Error(err) }
