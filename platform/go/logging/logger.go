package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls how NewLogger builds the process logger.
type Config struct {
	// Component is attached to every entry, e.g. "api-server" or "farmops-cli".
	Component string
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Format is "json" (Cloud Logging fields) or "console" for local runs.
	Format string
	// Output defaults to stdout.
	Output io.Writer
}

// NewLogger builds a zap logger. JSON output uses the severity/message keys that
// Cloud Logging picks up without an agent-side parser.
func NewLogger(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(cloudEncoderConfig())
	case "console":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeDuration = zapcore.StringDurationEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	logger := zap.New(zapcore.NewCore(encoder, zapcore.AddSync(out), level), zap.AddCaller())
	if cfg.Component != "" {
		logger = logger.With(zap.String("component", cfg.Component))
	}
	return logger, nil
}

func cloudEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "severity",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeLevel:    severityEncoder,
	}
}

func severityEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case zapcore.WarnLevel:
		enc.AppendString("WARNING")
	case zapcore.DPanicLevel, zapcore.PanicLevel:
		enc.AppendString("ALERT")
	case zapcore.FatalLevel:
		enc.AppendString("CRITICAL")
	default:
		enc.AppendString(l.CapitalString())
	}
}

// Contact logs a recipient address with the local part or the middle digits hidden.
func Contact(key, address string) zap.Field {
	return zap.String(key, MaskContact(address))
}

// MaskContact keeps enough of an email or phone number to correlate support tickets.
func MaskContact(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}
	if at := strings.LastIndex(address, "@"); at > 0 {
		return address[:1] + "***" + address[at:]
	}
	if len(address) <= 4 {
		return "***"
	}
	return address[:3] + strings.Repeat("*", len(address)-5) + address[len(address)-2:]
}
