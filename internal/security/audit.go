package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"toolhost/internal/domain"
	"toolhost/internal/infra/tracer"
)

var _ domain.AuditLogger = (*FileAuditLogger)(nil)

// RetentionPolicy bounds the audit log.
type RetentionPolicy struct {
	MaxAge  time.Duration // 0 = no limit
	MaxSize int64         // bytes; 0 = no limit
}

// FileAuditLogger appends audit events to a JSONL file. Each event is also
// attached to the active span, if any.
type FileAuditLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention *RetentionPolicy
}

func openAuditFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// NewFileAuditLogger opens (or creates with mode 0600) the log at path.
func NewFileAuditLogger(path string) (*FileAuditLogger, error) {
	f, err := openAuditFile(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLogger{file: f, path: path}, nil
}

// SetRetention configures the policy EnforceRetention applies.
func (a *FileAuditLogger) SetRetention(policy RetentionPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retention = &policy
}

// Log writes event as one JSON line.
func (a *FileAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	a.mu.Lock()
	_, err = a.file.Write(append(data, '\n'))
	a.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := []attribute.KeyValue{
			tracer.StringAttr("plugin.id", event.PluginID),
			tracer.StringAttr("audit.action", event.Action),
			tracer.StringAttr("audit.outcome", event.Outcome),
		}
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// LogDenied records a capability call refused for missing permissions.
func (a *FileAuditLogger) LogDenied(ctx context.Context, pluginID, action string, missing []string) error {
	return a.Log(ctx, domain.AuditEvent{
		Type:     domain.AuditCapabilityDenied,
		PluginID: pluginID,
		Action:   action,
		Outcome:  "denied",
		Detail:   map[string]string{"missing": strings.Join(missing, ",")},
	})
}

// LogAction records a completed privileged action.
func (a *FileAuditLogger) LogAction(ctx context.Context, typ domain.AuditEventType, pluginID, action string, err error) error {
	ev := domain.AuditEvent{Type: typ, PluginID: pluginID, Action: action, Outcome: "success"}
	if err != nil {
		ev.Outcome = "failure"
		ev.Detail = map[string]string{"error": err.Error(), "code": string(domain.ErrorCodeOf(err))}
	}
	return a.Log(ctx, ev)
}

// Close closes the log file.
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention rewrites the log keeping only entries within the policy:
// entries older than MaxAge go first, then the oldest entries until the file
// fits in MaxSize. It returns the number of entries removed.
func (a *FileAuditLogger) EnforceRetention(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	policy := a.retention
	if policy == nil || (policy.MaxAge == 0 && policy.MaxSize == 0) {
		return 0, nil
	}
	if policy.MaxAge == 0 {
		info, err := os.Stat(a.path)
		if err != nil {
			return 0, fmt.Errorf("stat audit log: %w", err)
		}
		if info.Size() <= policy.MaxSize {
			return 0, nil
		}
	}

	if err := a.file.Close(); err != nil {
		return 0, fmt.Errorf("close for retention: %w", err)
	}
	// Whatever happens below, leave the logger writable.
	defer func() {
		if f, err := openAuditFile(a.path); err == nil {
			a.file = f
		}
	}()

	var cutoff time.Time
	if policy.MaxAge > 0 {
		cutoff = time.Now().Add(-policy.MaxAge)
	}
	kept, removed, err := readRetained(a.path, cutoff)
	if err != nil {
		return 0, err
	}
	if policy.MaxSize > 0 {
		var n int
		kept, n = trimToSize(kept, policy.MaxSize)
		removed += n
	}
	if removed == 0 {
		return 0, nil
	}
	if err := rewriteLines(a.path, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// readRetained returns the lines of path whose timestamp is not before cutoff.
// Lines without a parseable timestamp are kept.
func readRetained(path string, cutoff time.Time) (kept [][]byte, removed int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open for reading: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan audit log: %w", err)
	}
	return kept, removed, nil
}

// trimToSize drops the oldest lines until the total (with newlines) fits.
func trimToSize(lines [][]byte, maxSize int64) ([][]byte, int) {
	var size int64
	for _, l := range lines {
		size += int64(len(l)) + 1
	}
	dropped := 0
	for len(lines) > 0 && size > maxSize {
		size -= int64(len(lines[0])) + 1
		lines = lines[1:]
		dropped++
	}
	return lines, dropped
}

func rewriteLines(path string, lines [][]byte) error {
	tmpPath := path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, l := range lines {
		w.Write(l)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ParseRetentionMaxSize parses sizes such as "512KB", "100MB" or "1GB".
func ParseRetentionMaxSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	units := []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}}
	mult := int64(1)
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			s, mult = strings.TrimSuffix(s, u.suffix), u.mult
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("size %q is negative", s)
	}
	return n * mult, nil
}
