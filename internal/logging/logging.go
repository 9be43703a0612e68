// Package logging provides the process-wide zap logger and request-scoped
// loggers carried in contexts.
package logging

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var (
	base  = zap.NewNop()
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path; default stderr
}

// Init replaces the global logger.
func Init(cfg Config) error {
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	out := zapcore.Lock(os.Stderr)
	if cfg.OutputPath != "" && cfg.OutputPath != "stderr" {
		ws, _, err := zap.Open(cfg.OutputPath)
		if err != nil {
			return err
		}
		out = ws
	}

	base = zap.New(zapcore.NewCore(enc, out, level),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return nil
}

// InitNop discards all output. Used by tests.
func InitNop() {
	base = zap.NewNop()
}

// Sync flushes any buffered log entries.
func Sync() error {
	return base.Sync()
}

// L returns the global logger.
func L() *zap.Logger {
	return base
}

// WithContext returns the logger stored in ctx, or the global logger.
func WithContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return base
}

// NewContext returns a copy of ctx whose logger carries fields.
func NewContext(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, ctxKey{}, WithContext(ctx).With(fields...))
}

func Debug(msg string, fields ...zap.Field) { base.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { base.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { base.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { base.Error(msg, fields...) }

// Fatal logs and exits the process.
func Fatal(msg string, fields ...zap.Field) { base.Fatal(msg, fields...) }

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	if id, err := uuid.NewV4(); err == nil {
		return id.String()
	}
	return time.Now().UTC().Format("20060102T150405.000000")
}

// statusRecorder captures the status and size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the hijacker for websocket upgrades.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Middleware tags every request with a request id and logs its outcome.
// Channel upgrades are logged when the channel ends.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := requestID(r)
		w.Header().Set("X-Request-ID", id)

		ctx := NewContext(r.Context(), zap.String("request_id", id))
		r = r.WithContext(ctx)
		log := WithContext(ctx)

		if r.Header.Get("Upgrade") != "" {
			log.Debug("channel upgrade",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr))
			next.ServeHTTP(w, r)
			log.Info("channel ended",
				zap.String("path", r.URL.Path),
				zap.Duration("duration", time.Since(start)))
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int64("bytes", rec.bytes),
			zap.Duration("duration", time.Since(start)))
	})
}
