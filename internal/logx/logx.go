package logx

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLevel and EnvFormat are read by Configure.
const (
	EnvLevel  = "PQATTEST_LOG_LEVEL"
	EnvFormat = "PQATTEST_LOG_FORMAT"
)

var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

func ParseLevel(v string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", v)
	}
}

func SetLevel(v string) error {
	lvl, err := ParseLevel(v)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

// Configure resolves the log level from flags and env and returns a
// logger writing to stderr. Loggers built earlier follow level changes.
// Precedence: --log-level > --verbose > PQATTEST_LOG_LEVEL > default(info).
func Configure(flagLevel string, verbose bool) (*zap.Logger, error) {
	var err error
	switch {
	case strings.TrimSpace(flagLevel) != "":
		err = SetLevel(flagLevel)
	case verbose:
		err = SetLevel("debug")
	case strings.TrimSpace(os.Getenv(EnvLevel)) != "":
		err = SetLevel(os.Getenv(EnvLevel))
	default:
		err = SetLevel("info")
	}
	if err != nil {
		return nil, err
	}
	return New(os.Getenv(EnvFormat)), nil
}

// New builds a stderr logger at the shared level. format is "json" or
// anything else for console output.
func New(format string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	var enc zapcore.Encoder
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

func IsDebug() bool {
	return level.Enabled(zapcore.DebugLevel)
}
