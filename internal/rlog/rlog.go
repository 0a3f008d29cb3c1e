// Package rlog provides structured logging for the engine and worker,
// sending entries through the Cloud Logging client when a cloud project is
// configured and the process runs on GCP, and otherwise writing
// newline-delimited JSON compatible with Cloud Logging's structured-log
// ingestion.
package rlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/logging"
)

// Severity is a Cloud-Logging-compatible severity level.
type Severity string

const (
	SeverityDefault  Severity = "DEFAULT"
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Entry is a single structured log entry.
type Entry struct {
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	RunID     string                 `json:"run_id"`
	Iteration int                    `json:"iteration"`
	Labels    map[string]string      `json:"labels,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger is the structured logging contract used by the engine and worker.
type Logger interface {
	Log(severity Severity, message string, fields map[string]interface{})
	Info(message string)
	Warn(message string)
	Error(message string)
	SetIteration(iteration int)
	Flush() error
	Close() error
}

// options carries construction-time settings shared by every Logger
// implementation this package builds.
type options struct {
	writer io.Writer
	labels map[string]string
}

// Option configures a Logger at construction time.
type Option func(*options)

// WithLabels merges extra labels into every entry this logger writes.
func WithLabels(labels map[string]string) Option {
	return func(o *options) {
		for k, v := range labels {
			o.labels[k] = v
		}
	}
}

// WithWriter overrides the destination writer (default os.Stderr). It has
// no effect on a GCP-client-backed Logger, which writes through the Cloud
// Logging API rather than an io.Writer.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

func newOptions(runID string, opts ...Option) *options {
	o := &options{
		writer: os.Stderr,
		labels: map[string]string{
			"run_id":    runID,
			"component": "ralph-engine",
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CloudLogger writes structured JSON log lines compatible with the GCP
// Cloud Logging agent's stdout/stderr ingestion.
type CloudLogger struct {
	writer    io.Writer
	runID     string
	iteration int
	labels    map[string]string
	mu        sync.Mutex
	closed    bool
}

// NewCloudLogger constructs a CloudLogger for the given run id.
func NewCloudLogger(runID string, opts ...Option) *CloudLogger {
	o := newOptions(runID, opts...)
	return &CloudLogger{
		writer: o.writer,
		runID:  runID,
		labels: o.labels,
	}
}

// Log writes a single structured entry at the given severity.
func (l *CloudLogger) Log(severity Severity, message string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	entry := Entry{
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
		RunID:     l.runID,
		Iteration: l.iteration,
		Labels:    l.labels,
		Fields:    fields,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.writer, `{"severity":"ERROR","message":"failed to marshal log entry: %v"}`+"\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *CloudLogger) Info(message string)  { l.Log(SeverityInfo, message, nil) }
func (l *CloudLogger) Warn(message string)  { l.Log(SeverityWarning, message, nil) }
func (l *CloudLogger) Error(message string) { l.Log(SeverityError, message, nil) }

// SetIteration updates the iteration number stamped on subsequent entries.
func (l *CloudLogger) SetIteration(iteration int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.iteration = iteration
}

// Flush calls Sync on the underlying writer if it supports it.
func (l *CloudLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if syncer, ok := l.writer.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}

// Close marks the logger closed; further Log calls are no-ops.
func (l *CloudLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

var _ Logger = (*CloudLogger)(nil)

// gcpLogger writes entries through a real Cloud Logging client, used when
// a project is configured and the process is actually running on GCP.
type gcpLogger struct {
	client    *logging.Client
	logger    *logging.Logger
	runID     string
	iteration int
	labels    map[string]string
	mu        sync.Mutex
	closed    bool
}

const gcpLogID = "ralph-engine"

// newGCPLogger dials Cloud Logging for gcpProjectID. Callers should fall
// back to NewCloudLogger if this returns an error.
func newGCPLogger(ctx context.Context, runID, gcpProjectID string, opts ...Option) (*gcpLogger, error) {
	client, err := logging.NewClient(ctx, gcpProjectID)
	if err != nil {
		return nil, fmt.Errorf("dial cloud logging client: %w", err)
	}
	o := newOptions(runID, opts...)
	return &gcpLogger{
		client: client,
		logger: client.Logger(gcpLogID),
		runID:  runID,
		labels: o.labels,
	}, nil
}

func toGCPSeverity(s Severity) logging.Severity {
	switch s {
	case SeverityDebug:
		return logging.Debug
	case SeverityInfo:
		return logging.Info
	case SeverityWarning:
		return logging.Warning
	case SeverityError:
		return logging.Error
	case SeverityCritical:
		return logging.Critical
	default:
		return logging.Default
	}
}

func (l *gcpLogger) Log(severity Severity, message string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	payload := map[string]interface{}{
		"message":   message,
		"run_id":    l.runID,
		"iteration": l.iteration,
	}
	for k, v := range fields {
		payload[k] = v
	}

	l.logger.Log(logging.Entry{
		Timestamp: time.Now().UTC(),
		Severity:  toGCPSeverity(severity),
		Payload:   payload,
		Labels:    l.labels,
	})
}

func (l *gcpLogger) Info(message string)  { l.Log(SeverityInfo, message, nil) }
func (l *gcpLogger) Warn(message string)  { l.Log(SeverityWarning, message, nil) }
func (l *gcpLogger) Error(message string) { l.Log(SeverityError, message, nil) }

// SetIteration updates the iteration number stamped on subsequent entries.
func (l *gcpLogger) SetIteration(iteration int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.iteration = iteration
}

// Flush blocks until all buffered entries have been sent to Cloud Logging.
func (l *gcpLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.logger.Flush()
}

// Close flushes remaining entries and closes the underlying client.
func (l *gcpLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.logger.Flush(); err != nil {
		l.client.Close()
		return err
	}
	return l.client.Close()
}

var _ Logger = (*gcpLogger)(nil)

// NewLogger selects a real Cloud Logging client when running on GCP with a
// project configured, falling back to structured JSON on stdout when that
// client can't be constructed (no GCP metadata server, no credentials) or
// when no project is configured at all.
func NewLogger(ctx context.Context, runID string, gcpProjectID string, opts ...Option) Logger {
	if gcpProjectID != "" && isRunningOnGCP(ctx) {
		if gl, err := newGCPLogger(ctx, runID, gcpProjectID, opts...); err == nil {
			return gl
		}
	}
	fallbackOpts := append([]Option{WithWriter(os.Stdout)}, opts...)
	return NewCloudLogger(runID, fallbackOpts...)
}

// isRunningOnGCP probes the GCP metadata server with a short timeout so
// startup is never blocked on a non-GCP host.
func isRunningOnGCP(ctx context.Context) bool {
	client := &http.Client{Timeout: 200 * time.Millisecond}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
