package observability

import (
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithQueue adds queue name context to the logger.
func (l *Logger) WithQueue(name string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("queue", name).Logger(),
	}
}

// WithConn adds connection id and remote address context to the logger.
func (l *Logger) WithConn(connID, remoteAddr string) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("conn_id", connID).
			Str("remote_addr", remoteAddr).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// ItemPushed logs a successful push, including whether it required
// multiple chunks.
func (l *Logger) ItemPushed(queue string, size uint64, chunks uint64) {
	l.logger.Debug().
		Str("queue", queue).
		Uint64("size", size).
		Str("size_human", humanize.Bytes(size)).
		Uint64("chunks", chunks).
		Msg("item pushed")
}

// ItemPopped logs a successful two-phase pop completion.
func (l *Logger) ItemPopped(queue string, id uint64, size uint64, erased bool) {
	l.logger.Debug().
		Str("queue", queue).
		Uint64("id", id).
		Uint64("size", size).
		Str("size_human", humanize.Bytes(size)).
		Bool("erased", erased).
		Msg("item popped")
}

// CompactionRan logs a compaction pass.
func (l *Logger) CompactionRan(queue string, bytesEvicted uint64, duration time.Duration) {
	l.logger.Info().
		Str("queue", queue).
		Uint64("bytes_evicted", bytesEvicted).
		Str("bytes_evicted_human", humanize.Bytes(bytesEvicted)).
		Float64("duration_seconds", duration.Seconds()).
		Msg("queue compacted")
}

// ConnectionEstablished logs connection establishment.
func (l *Logger) ConnectionEstablished(remoteAddr string, connectionID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("connection_id", connectionID).
		Msg("connection established")
}

// ConnectionClosed logs connection teardown.
func (l *Logger) ConnectionClosed(remoteAddr string, connectionID string, err error) {
	ev := l.logger.Info()
	if err != nil {
		ev = l.logger.Warn().Err(err)
	}
	ev.Str("remote_addr", remoteAddr).
		Str("connection_id", connectionID).
		Msg("connection closed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
