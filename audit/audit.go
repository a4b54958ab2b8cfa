// Package audit provides the append-only, day-partitioned log of every
// security-relevant decision in the AgentMesh core. Entries are one JSON
// object per line, one file per UTC day, with a companion checksum
// artifact per day for post-hoc tamper detection.
//
// Audit writes never block or reverse a security decision: the decision
// is computed first and stands regardless of whether the subsequent log
// write succeeds. Write failures are surfaced through the operational
// zap logger, a separate observability channel.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

// Log levels.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Entry statuses.
const (
	StatusSuccess = "success"
	StatusDenied  = "denied"
	StatusFailure = "failure"
)

const (
	segmentPrefix = "a2a-"
	segmentSuffix = ".log"
	checksumExt   = ".sha256"
	dayFormat     = "2006-01-02"

	// DefaultRetentionDays is how long daily segments are kept.
	DefaultRetentionDays = 30

	// DefaultChecksumInterval is the cadence of the integrity job.
	DefaultChecksumInterval = time.Hour
)

// Entry is one audit record. Entries are append-only and never mutated.
type Entry struct {
	Timestamp     time.Time       `json:"timestamp"`
	Level         string          `json:"level"`
	CorrelationID string          `json:"correlationId"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Type          string          `json:"type"`
	Action        string          `json:"action,omitempty"`
	Status        string          `json:"status"`
	ErrorCode     types.ErrorCode `json:"errorCode,omitempty"`
	DurationMs    int64           `json:"durationMs"`
	SourceContext string          `json:"sourceContext,omitempty"`
}

// Config configures a Logger.
type Config struct {
	// Dir is the segment directory.
	Dir string `yaml:"dir" json:"dir"`
	// RetentionDays is how many days of segments to keep (default 30).
	RetentionDays int `yaml:"retention_days" json:"retention_days"`
	// ChecksumInterval is the integrity job cadence (default 1h).
	// Zero disables the background job; checksums can still be written
	// explicitly via WriteChecksum.
	ChecksumInterval time.Duration `yaml:"checksum_interval" json:"checksum_interval"`
	// Clock is the time source (default system clock).
	Clock types.Clock `yaml:"-" json:"-"`
}

// Logger owns the audit segment directory. It keeps the current day's
// file open for appends and rolls it when the UTC day changes.
type Logger struct {
	dir       string
	retention int
	clock     types.Clock
	logger    *zap.Logger

	mu         sync.Mutex
	file       *os.File
	currentDay string

	stopCh chan struct{}
	closed bool
}

// NewLogger creates the segment directory and starts the periodic
// checksum job when an interval is configured.
func NewLogger(cfg Config, logger *zap.Logger) (*Logger, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.Clock == nil {
		cfg.Clock = types.SystemClock()
	}

	l := &Logger{
		dir:       cfg.Dir,
		retention: cfg.RetentionDays,
		clock:     cfg.Clock,
		logger:    logger.With(zap.String("component", "audit")),
		stopCh:    make(chan struct{}),
	}
	if cfg.ChecksumInterval > 0 {
		go l.checksumLoop(cfg.ChecksumInterval)
	}
	return l, nil
}

// LogA2AOperation stamps the entry with the current time, sanitizes its
// error code against the closed taxonomy, and appends it to the current
// day's segment.
func (l *Logger) LogA2AOperation(e Entry) error {
	e.Timestamp = l.clock.Now().UTC()
	e.ErrorCode = types.SanitizeErrorCode(e.ErrorCode)
	if e.Level == "" {
		e.Level = LevelInfo
	}

	line, err := json.Marshal(e)
	if err != nil {
		l.logger.Error("failed to serialize audit entry", zap.Error(err))
		return fmt.Errorf("audit: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("audit: logger is closed")
	}

	day := e.Timestamp.Format(dayFormat)
	if err := l.rollLocked(day); err != nil {
		l.logger.Error("failed to open audit segment", zap.String("day", day), zap.Error(err))
		return err
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.logger.Error("failed to append audit entry", zap.Error(err))
		return fmt.Errorf("audit: %w", err)
	}
	return nil
}

// LogAuthSuccess records a successful authentication decision.
func (l *Logger) LogAuthSuccess(correlationID, from, to string, msgType types.MessageType, durationMs int64) error {
	return l.LogA2AOperation(Entry{
		Level:         LevelInfo,
		CorrelationID: correlationID,
		From:          from,
		To:            to,
		Type:          string(msgType),
		Action:        "auth",
		Status:        StatusSuccess,
		DurationMs:    durationMs,
	})
}

// LogAuthFailure records a denied authentication decision.
func (l *Logger) LogAuthFailure(correlationID, from, to string, msgType types.MessageType, code types.ErrorCode, durationMs int64) error {
	return l.LogA2AOperation(Entry{
		Level:         LevelWarn,
		CorrelationID: correlationID,
		From:          from,
		To:            to,
		Type:          string(msgType),
		Action:        "auth",
		Status:        StatusDenied,
		ErrorCode:     code,
		DurationMs:    durationMs,
	})
}

// LogMessageDelivery records the outcome of a message send or receive.
// Status success logs at INFO, anything else at ERROR.
func (l *Logger) LogMessageDelivery(correlationID, from, to string, msgType types.MessageType, status string, code types.ErrorCode, durationMs int64) error {
	level := LevelInfo
	if status != StatusSuccess {
		level = LevelError
	}
	return l.LogA2AOperation(Entry{
		Level:         level,
		CorrelationID: correlationID,
		From:          from,
		To:            to,
		Type:          string(msgType),
		Action:        "delivery",
		Status:        status,
		ErrorCode:     code,
		DurationMs:    durationMs,
	})
}

// Close stops background maintenance and closes the current segment.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.stopCh)
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// rollLocked ensures l.file points at the segment for day. Caller holds l.mu.
func (l *Logger) rollLocked(day string) error {
	if l.file != nil && l.currentDay == day {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	f, err := os.OpenFile(l.segmentPath(day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	l.file = f
	l.currentDay = day
	return nil
}

func (l *Logger) segmentPath(day string) string {
	return filepath.Join(l.dir, segmentPrefix+day+segmentSuffix)
}

func (l *Logger) checksumPath(day string) string {
	return l.segmentPath(day) + checksumExt
}
