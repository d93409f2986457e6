package utils

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

// Context keys picked up by Logger.WithContext
const (
	ContextKeyComponent contextKey = "component"
	ContextKeyHeight    contextKey = "height"
	ContextKeyView      contextKey = "view"
)

// Logger configuration constants
const (
	DefaultLogLevel    = "info"
	DefaultLogFileSize = 100 // MB
	DefaultMaxBackups  = 10
	DefaultMaxAge      = 30 // days
)

// Field names whose values are replaced before they reach the encoder.
var sensitiveFieldNames = map[string]bool{
	"private_key": true,
	"seed":        true,
	"wif":         true,
	"secret":      true,
	"password":    true,
	"sasl_pass":   true,
	"credential":  true,
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level       string
	Development bool

	// Output; empty OutputPath writes to stdout
	OutputPath string

	// Rotation settings
	EnableRotation bool
	MaxSize        int // megabytes
	MaxBackups     int
	MaxAge         int // days
	Compress       bool

	// Sampling of repetitive lines (first 100/s, then 1 in 10)
	EnableSampling bool

	EnableSanitization bool

	NodeID    string
	Component string

	DefaultFields map[string]interface{}
}

// DefaultLogConfig returns production defaults read from the environment.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:              getEnvOrDefault("LOG_LEVEL", DefaultLogLevel),
		Development:        getEnvOrDefault("ENVIRONMENT", "production") == "development",
		OutputPath:         getEnvOrDefault("LOG_FILE_PATH", ""),
		EnableRotation:     getEnvOrDefault("LOG_FILE_PATH", "") != "",
		MaxSize:            getEnvAsIntOrDefault("LOG_MAX_SIZE", DefaultLogFileSize),
		MaxBackups:         getEnvAsIntOrDefault("LOG_MAX_BACKUPS", DefaultMaxBackups),
		MaxAge:             getEnvAsIntOrDefault("LOG_MAX_AGE", DefaultMaxAge),
		Compress:           getEnvAsBoolOrDefault("LOG_COMPRESS", true),
		EnableSampling:     true,
		EnableSanitization: true,
		NodeID:             getEnvOrDefault("NODE_ID", ""),
		Component:          getEnvOrDefault("SERVICE_NAME", "dbft-node"),
	}
}

// Logger is a zap logger with context field extraction and sanitizing.
type Logger struct {
	base        *zap.Logger
	config      *LogConfig
	atomicLevel zap.AtomicLevel

	messageCount uint64

	shutdownOnce *sync.Once
}

// NewLogger builds a Logger from config; nil uses DefaultLogConfig.
func NewLogger(config *LogConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := buildCore(config, encoderConfig, atomicLevel)
	if config.EnableSampling {
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)
	}

	zapLogger := zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if config.NodeID != "" {
		zapLogger = zapLogger.With(zap.String("node_id", config.NodeID))
	}
	if config.Component != "" {
		zapLogger = zapLogger.With(zap.String("component", config.Component))
	}
	if len(config.DefaultFields) > 0 {
		fields := make([]zap.Field, 0, len(config.DefaultFields))
		for k, v := range config.DefaultFields {
			fields = append(fields, zap.Any(k, v))
		}
		zapLogger = zapLogger.With(fields...)
	}

	return &Logger{
		base:         zapLogger,
		config:       config,
		atomicLevel:  atomicLevel,
		shutdownOnce: &sync.Once{},
	}, nil
}

// WithContext returns a logger carrying the fields stored in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}
	fields := extractContextFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.derive(l.base.With(fields...))
}

// WithFields returns a logger with fields attached to every line.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return l.derive(l.base.With(l.sanitize(fields)...))
}

func (l *Logger) derive(base *zap.Logger) *Logger {
	return &Logger{
		base:         base,
		config:       l.config,
		atomicLevel:  l.atomicLevel,
		shutdownOnce: l.shutdownOnce,
	}
}

func (l *Logger) DebugContext(ctx context.Context, msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	l.WithContext(ctx).base.Debug(msg, l.sanitize(fields)...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	l.WithContext(ctx).base.Info(msg, l.sanitize(fields)...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	l.WithContext(ctx).base.Warn(msg, l.sanitize(fields)...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	l.WithContext(ctx).base.Error(msg, l.sanitize(fields)...)
}

func (l *Logger) Debug(msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	l.base.Debug(msg, l.sanitize(fields)...)
}

func (l *Logger) Info(msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	l.base.Info(msg, l.sanitize(fields)...)
}

func (l *Logger) Warn(msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	l.base.Warn(msg, l.sanitize(fields)...)
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	atomic.AddUint64(&l.messageCount, 1)
	l.base.Error(msg, l.sanitize(fields)...)
}

func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	l.base.Fatal(msg, l.sanitize(fields)...)
}

// SetLevel changes the level at runtime.
func (l *Logger) SetLevel(level string) error {
	newLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	l.atomicLevel.SetLevel(newLevel)
	return nil
}

// GetLevel returns the current level.
func (l *Logger) GetLevel() string {
	return l.atomicLevel.Level().String()
}

// MessageCount returns the number of lines submitted since start.
func (l *Logger) MessageCount() uint64 {
	return atomic.LoadUint64(&l.messageCount)
}

// Shutdown flushes buffered output.
func (l *Logger) Shutdown() error {
	var err error
	l.shutdownOnce.Do(func() {
		err = l.base.Sync()
	})
	return err
}

func buildCore(config *LogConfig, encoderConfig zapcore.EncoderConfig, level zap.AtomicLevel) zapcore.Core {
	var encoder zapcore.Encoder
	if config.Development {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	if config.EnableRotation && config.OutputPath != "" {
		writer := &lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		return zapcore.NewCore(encoder, zapcore.AddSync(writer), level)
	}

	return zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
}

func extractContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 3)
	for _, key := range []contextKey{ContextKeyComponent, ContextKeyHeight, ContextKeyView} {
		if val := ctx.Value(key); val != nil {
			fields = append(fields, zap.String(string(key), fmt.Sprintf("%v", val)))
		}
	}
	return fields
}

func (l *Logger) sanitize(fields []zap.Field) []zap.Field {
	if !l.config.EnableSanitization || len(fields) == 0 {
		return fields
	}
	result := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		if isSensitiveField(field.Key) {
			result = append(result, zap.String(field.Key, "[REDACTED]"))
			continue
		}
		result = append(result, field)
	}
	return result
}

func isSensitiveField(key string) bool {
	lower := strings.ToLower(key)
	return sensitiveFieldNames[lower] || strings.Contains(lower, "secret") ||
		strings.Contains(lower, "password") || strings.HasSuffix(lower, "private_key")
}

// ContextWithComponent stores the component name for WithContext.
func ContextWithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ContextKeyComponent, component)
}

// ContextWithRound stores the consensus height and view for WithContext.
func ContextWithRound(ctx context.Context, height uint32, view uint32) context.Context {
	ctx = context.WithValue(ctx, ContextKeyHeight, height)
	return context.WithValue(ctx, ContextKeyView, view)
}

// Zap field helpers

func ZapString(key, val string) zap.Field                 { return zap.String(key, val) }
func ZapInt(key string, val int) zap.Field                { return zap.Int(key, val) }
func ZapInt64(key string, val int64) zap.Field            { return zap.Int64(key, val) }
func ZapUint64(key string, val uint64) zap.Field          { return zap.Uint64(key, val) }
func ZapUint32(key string, val uint32) zap.Field          { return zap.Uint32(key, val) }
func ZapBool(key string, val bool) zap.Field              { return zap.Bool(key, val) }
func ZapFloat64(key string, val float64) zap.Field        { return zap.Float64(key, val) }
func ZapError(err error) zap.Field                        { return zap.Error(err) }
func ZapDuration(key string, val time.Duration) zap.Field { return zap.Duration(key, val) }
func ZapAny(key string, val interface{}) zap.Field        { return zap.Any(key, val) }

var (
	globalLogger     *Logger
	globalLoggerOnce sync.Once
)

// GetLogger returns a process-wide logger built from the environment.
func GetLogger() *Logger {
	globalLoggerOnce.Do(func() {
		logger, err := NewLogger(DefaultLogConfig())
		if err != nil {
			zapLogger, _ := zap.NewProduction()
			logger = &Logger{
				base:         zapLogger,
				config:       DefaultLogConfig(),
				atomicLevel:  zap.NewAtomicLevel(),
				shutdownOnce: &sync.Once{},
			}
		}
		globalLogger = logger
	})
	return globalLogger
}

// CreateTestLogger returns a debug console logger for tests.
func CreateTestLogger() *Logger {
	logger, _ := NewLogger(&LogConfig{
		Level:       "debug",
		Development: true,
	})
	return logger
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
