package observability

import (
	"log"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "roombooking"

// InitLogger builds the process logger: JSON, unsampled, no stack traces, every entry
// tagged with the service name and version.
func InitLogger(level, version string) *zap.SugaredLogger {
	logConfig := zap.NewProductionConfig()
	logConfig.Sampling = nil
	logConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	logConfig.DisableStacktrace = true
	logConfig.InitialFields = map[string]interface{}{
		"service": serviceName,
		"version": version,
	}

	logConfig.Level = zap.NewAtomicLevelAt(DetermineLogLevel(level))

	logger, err := logConfig.Build()
	if err != nil {
		log.Fatal(err)
	}

	return logger.Sugar()
}

// DetermineLogLevel maps a configured level name to zap; unknown names and the panic
// levels fall back to info.
func DetermineLogLevel(level string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil || lvl > zapcore.FatalLevel || lvl == zapcore.DPanicLevel || lvl == zapcore.PanicLevel {
		return zap.InfoLevel
	}
	return lvl
}
