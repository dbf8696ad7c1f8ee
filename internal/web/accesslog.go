package web

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AccessLogConfig holds configuration for the security access log.
type AccessLogConfig struct {
	// Path is the file path for the access log.
	// Empty string disables access logging.
	Path string `yaml:"path"`

	// MaxSizeMB is the maximum size of the log file in megabytes before rotation.
	MaxSizeMB int `yaml:"max_size_mb"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `yaml:"max_backups"`
}

// DefaultAccessLogConfig returns the default access log configuration.
func DefaultAccessLogConfig() AccessLogConfig {
	return AccessLogConfig{
		MaxSizeMB:  10,
		MaxBackups: 1,
	}
}

// AccessLogger writes one line per security-relevant response: rejections,
// failed logins and admin API calls.
type AccessLogger struct {
	writer      io.WriteCloser
	mu          sync.Mutex
	resolver    *ClientIPResolver
	loginPaths  []string
	adminPrefix string
}

// NewAccessLogger creates an access logger that rotates through lumberjack.
// If path is empty, returns nil (access logging disabled).
func NewAccessLogger(config AccessLogConfig, resolver *ClientIPResolver, loginPaths []string, adminPrefix string) *AccessLogger {
	if config.Path == "" {
		return nil
	}

	maxSize := config.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := config.MaxBackups
	if maxBackups < 0 {
		maxBackups = 1
	}

	writer := &lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    maxSize,    // megabytes
		MaxBackups: maxBackups, // number of backups
	}
	return newAccessLogger(writer, resolver, loginPaths, adminPrefix)
}

func newAccessLogger(w io.WriteCloser, resolver *ClientIPResolver, loginPaths []string, adminPrefix string) *AccessLogger {
	if resolver == nil {
		resolver = NewClientIPResolver(nil)
	}
	return &AccessLogger{
		writer:      w,
		resolver:    resolver,
		loginPaths:  loginPaths,
		adminPrefix: adminPrefix,
	}
}

// Close closes the access logger.
func (a *AccessLogger) Close() error {
	if a == nil || a.writer == nil {
		return nil
	}
	return a.writer.Close()
}

// LogEntry represents a single access log entry.
type LogEntry struct {
	Timestamp    time.Time
	ClientIP     string
	Method       string
	Path         string
	StatusCode   int
	BytesWritten int64
	Duration     time.Duration
	UserAgent    string
	EventType    string
}

// Write appends an entry in a combined-log-like format:
// timestamp client_ip "method path" status bytes duration_ms "user-agent" event
func (a *AccessLogger) Write(entry LogEntry) {
	if a == nil || a.writer == nil {
		return
	}

	line := fmt.Sprintf("%s %s \"%s %s\" %d %d %dms \"%s\" %s\n",
		entry.Timestamp.UTC().Format(time.RFC3339),
		entry.ClientIP,
		entry.Method,
		escapeQuotes(entry.Path),
		entry.StatusCode,
		entry.BytesWritten,
		entry.Duration.Milliseconds(),
		escapeQuotes(entry.UserAgent),
		entry.EventType,
	)

	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = a.writer.Write([]byte(line))
}

// escapeQuotes escapes quotes in a string for log safety.
func escapeQuotes(s string) string {
	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			result = append(result, '\\', '"')
		case '\\':
			result = append(result, '\\', '\\')
		case '\n', '\r':
			result = append(result, ' ')
		default:
			result = append(result, s[i])
		}
	}
	return string(result)
}

// accessLogResponseWriter wraps http.ResponseWriter to capture status code and bytes written.
type accessLogResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func (w *accessLogResponseWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.statusCode = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *accessLogResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

// Hijack implements http.Hijacker for WebSocket support.
func (w *accessLogResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}

// Flush implements http.Flusher to support streaming responses.
func (w *accessLogResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for interface detection.
func (w *accessLogResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware returns an HTTP middleware that logs security-relevant access events.
func (a *AccessLogger) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &accessLogResponseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		eventType := a.determineEventType(r, wrapped.statusCode)
		if eventType == "" {
			return
		}
		a.Write(LogEntry{
			Timestamp:    start,
			ClientIP:     a.resolver.ClientIP(r),
			Method:       r.Method,
			Path:         r.URL.Path,
			StatusCode:   wrapped.statusCode,
			BytesWritten: wrapped.bytesWritten,
			Duration:     time.Since(start),
			UserAgent:    r.UserAgent(),
			EventType:    eventType,
		})
	})
}

// determineEventType classifies a response, or returns "" when it is not
// worth logging.
func (a *AccessLogger) determineEventType(r *http.Request, statusCode int) string {
	path := r.URL.Path

	for _, lp := range a.loginPaths {
		if path == lp && r.Method == http.MethodPost {
			switch {
			case statusCode == http.StatusUnauthorized:
				return "login_failed"
			case statusCode < 300:
				return "login_success"
			}
		}
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	}

	if a.adminPrefix != "" && strings.HasPrefix(path, a.adminPrefix) {
		return "admin"
	}
	return ""
}
