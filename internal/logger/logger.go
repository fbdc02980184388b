package logger

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the structured logger every component takes.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})

	Named(name string) Logger
	WithFields(keysAndValues ...interface{}) Logger

	Sync() error
}

// Config controls output format and destinations.
type Config struct {
	Level         string         `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format        string         `mapstructure:"format" validate:"omitempty,oneof=json console"`
	EnableConsole bool           `mapstructure:"enable_console"`
	EnableFile    bool           `mapstructure:"enable_file"`
	OutputPath    string         `mapstructure:"output_path" validate:"required_if=EnableFile true"`
	Rotation      RotationConfig `mapstructure:"rotation"`
	Development   bool           `mapstructure:"development"`
}

// RotationConfig is handed to lumberjack.
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"` // MB
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"` // days
	Compress   bool `mapstructure:"compress"`
}

func DefaultConfig() Config {
	return Config{
		Level:         "info",
		Format:        "json",
		EnableConsole: true,
		Rotation:      RotationConfig{MaxSize: 100, MaxBackups: 7, MaxAge: 30},
	}
}

var _ Logger = (*BaseLogger)(nil)

// BaseLogger is the zap-backed Logger.
type BaseLogger struct {
	z *zap.Logger
}

// New builds a zap logger from cfg.
func New(cfg Config) (*BaseLogger, error) {
	enc := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Development {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(enc)
	} else {
		encoder = zapcore.NewJSONEncoder(enc)
	}

	var writers []zapcore.WriteSyncer
	if cfg.EnableConsole {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}
	if cfg.EnableFile {
		if cfg.OutputPath == "" {
			return nil, errors.New("log output_path is required when enable_file is set")
		}
		writers = append(writers, zapcore.AddSync(rotationWriter(cfg)))
	}
	if len(writers) == 0 {
		writers = append(writers, zapcore.AddSync(io.Discard))
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "parse log level %q", cfg.Level)
	}
	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level)

	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	return &BaseLogger{z: zap.New(core, opts...)}, nil
}

// NewFromZap wraps an existing zap logger.
func NewFromZap(z *zap.Logger) *BaseLogger {
	return &BaseLogger{z: z.WithOptions(zap.AddCallerSkip(1))}
}

func rotationWriter(cfg Config) io.Writer {
	return &lumberjack.Logger{
		Filename:   cfg.OutputPath,
		MaxSize:    cfg.Rotation.MaxSize,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAge,
		Compress:   cfg.Rotation.Compress,
		LocalTime:  true,
	}
}

func (l *BaseLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.z.Debug(msg, toZapFields(keysAndValues)...)
}

func (l *BaseLogger) Info(msg string, keysAndValues ...interface{}) {
	l.z.Info(msg, toZapFields(keysAndValues)...)
}

func (l *BaseLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.z.Warn(msg, toZapFields(keysAndValues)...)
}

func (l *BaseLogger) Error(msg string, keysAndValues ...interface{}) {
	l.z.Error(msg, toZapFields(keysAndValues)...)
}

func (l *BaseLogger) Named(name string) Logger {
	return &BaseLogger{z: l.z.Named(name)}
}

func (l *BaseLogger) WithFields(keysAndValues ...interface{}) Logger {
	fields := toZapFields(keysAndValues)
	if len(fields) == 0 {
		return l
	}
	return &BaseLogger{z: l.z.With(fields...)}
}

func (l *BaseLogger) Sync() error { return l.z.Sync() }

// toZapFields converts key/value pairs. Errors are logged under their key
// with zap.Error semantics; a dangling key is kept with a nil value.
func toZapFields(kv []interface{}) []zap.Field {
	if len(kv) == 0 {
		return nil
	}
	fields := make([]zap.Field, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		if f, ok := kv[i].(zap.Field); ok {
			fields = append(fields, f)
			i--
			continue
		}
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if i+1 >= len(kv) {
			fields = append(fields, zap.Any(key, nil))
			break
		}
		if err, ok := kv[i+1].(error); ok {
			fields = append(fields, zap.NamedError(key, err))
			continue
		}
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}

var _ Logger = NoopLogger{}

// NoopLogger drops everything. Default for components built without a logger.
type NoopLogger struct{}

func NewNop() NoopLogger { return NoopLogger{} }

func (NoopLogger) Debug(string, ...interface{})       {}
func (NoopLogger) Info(string, ...interface{})        {}
func (NoopLogger) Warn(string, ...interface{})        {}
func (NoopLogger) Error(string, ...interface{})       {}
func (n NoopLogger) Named(string) Logger              { return n }
func (n NoopLogger) WithFields(...interface{}) Logger { return n }
func (NoopLogger) Sync() error                        { return nil }
