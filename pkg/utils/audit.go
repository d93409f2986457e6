package utils

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Audit severity levels
type AuditSeverity string

const (
	AuditInfo     AuditSeverity = "INFO"
	AuditWarn     AuditSeverity = "WARN"
	AuditError    AuditSeverity = "ERROR"
	AuditSecurity AuditSeverity = "SECURITY"
)

// Audit errors
var (
	ErrAuditLogClosed    = errors.New("audit: log is closed")
	ErrAuditVerifyFailed = errors.New("audit: verification failed")
	ErrAuditSequenceGap  = errors.New("audit: sequence number gap detected")
)

// AuditConfig configures the audit logger
type AuditConfig struct {
	FilePath       string
	EnableRotation bool
	MaxSize        int // MB
	MaxBackups     int
	MaxAge         int // days
	Compress       bool

	// HMAC key; records are signed when non-empty
	SigningKey []byte

	BufferSize    int
	FlushInterval time.Duration

	NodeID    string
	Component string
}

// DefaultAuditConfig returns rotation and flush defaults.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		EnableRotation: true,
		MaxSize:        100,
		MaxBackups:     30,
		MaxAge:         90,
		Compress:       true,
		BufferSize:     64 * 1024,
		FlushInterval:  5 * time.Second,
		Component:      "consensus",
	}
}

// AuditRecord is a single line of the audit trail.
type AuditRecord struct {
	ID        string                 `json:"id"`
	Timestamp string                 `json:"ts"`
	Sequence  uint64                 `json:"seq"`
	Event     string                 `json:"event"`
	Severity  AuditSeverity          `json:"severity"`
	NodeID    string                 `json:"node_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Signature string                 `json:"sig,omitempty"`
	PrevHash  string                 `json:"prev_hash,omitempty"`
}

// AuditLogger writes a hash-chained, optionally HMAC-signed JSON trail of
// security relevant consensus events.
type AuditLogger struct {
	config *AuditConfig
	closer io.Closer

	sequence uint64
	lastHash string

	buffer   *bufio.Writer
	encoder  *json.Encoder
	bufferMu sync.Mutex

	closed atomic.Bool
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewAuditLogger opens the audit trail at config.FilePath. An existing
// trail must verify; new records continue its chain.
func NewAuditLogger(config *AuditConfig) (*AuditLogger, error) {
	if config == nil {
		config = DefaultAuditConfig()
	}
	if config.FilePath == "" {
		return nil, errors.New("audit: file path is required")
	}
	seq, lastHash, err := scanTrail(config.FilePath, config.SigningKey)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("audit: existing trail: %w", err)
	}

	var writer io.Writer
	var closer io.Closer
	if config.EnableRotation {
		rotator := &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writer, closer = rotator, rotator
	} else {
		f, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		writer, closer = f, f
	}

	bufferSize := config.BufferSize
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	buffer := bufio.NewWriterSize(writer, bufferSize)

	al := &AuditLogger{
		config:   config,
		closer:   closer,
		sequence: seq,
		lastHash: lastHash,
		buffer:   buffer,
		encoder:  json.NewEncoder(buffer),
		stopCh:   make(chan struct{}),
	}
	if config.FlushInterval > 0 {
		al.startPeriodicFlush()
	}
	return al, nil
}

// Log writes an audit record
func (al *AuditLogger) Log(event string, severity AuditSeverity, fields map[string]interface{}) error {
	if al.closed.Load() {
		return ErrAuditLogClosed
	}

	al.bufferMu.Lock()
	defer al.bufferMu.Unlock()

	record := AuditRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Sequence:  atomic.AddUint64(&al.sequence, 1),
		Event:     event,
		Severity:  severity,
		NodeID:    al.config.NodeID,
		Component: al.config.Component,
		Fields:    fields,
		PrevHash:  al.lastHash,
	}
	if len(al.config.SigningKey) > 0 {
		record.Signature = computeRecordSignature(record, al.config.SigningKey)
	}

	if err := al.encoder.Encode(record); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	al.lastHash = computeRecordHash(record)
	return nil
}

func (al *AuditLogger) Info(event string, fields map[string]interface{}) error {
	return al.Log(event, AuditInfo, fields)
}

func (al *AuditLogger) Warn(event string, fields map[string]interface{}) error {
	return al.Log(event, AuditWarn, fields)
}

func (al *AuditLogger) Error(event string, fields map[string]interface{}) error {
	return al.Log(event, AuditError, fields)
}

func (al *AuditLogger) Security(event string, fields map[string]interface{}) error {
	return al.Log(event, AuditSecurity, fields)
}

// Flush flushes buffered records
func (al *AuditLogger) Flush() error {
	al.bufferMu.Lock()
	defer al.bufferMu.Unlock()
	return al.buffer.Flush()
}

// Close flushes and closes the audit logger
func (al *AuditLogger) Close() error {
	if !al.closed.CompareAndSwap(false, true) {
		return ErrAuditLogClosed
	}
	close(al.stopCh)
	al.wg.Wait()

	if err := al.Flush(); err != nil {
		return err
	}
	if al.closer != nil {
		return al.closer.Close()
	}
	return nil
}

// VerifyLog checks sequence numbers, the hash chain and (with a key) the
// record signatures of the trail at path. A file started by rotation is
// anchored on its first record.
func VerifyLog(path string, signingKey []byte) error {
	_, _, err := scanTrail(path, signingKey)
	return err
}

// QuarantineCorruptLog verifies the trail at path and renames it aside when
// it fails, so a fresh chain can start there. It returns the new name and
// the verification error, or "" when the trail is intact or absent.
func QuarantineCorruptLog(path string, signingKey []byte, now time.Time) (string, error) {
	err := VerifyLog(path, signingKey)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	aside := fmt.Sprintf("%s.corrupt-%d", path, now.Unix())
	if rerr := os.Rename(path, aside); rerr != nil {
		return "", fmt.Errorf("audit: move aside %s: %w", path, rerr)
	}
	return aside, err
}

// scanTrail verifies the trail and returns its last sequence number and
// record hash.
func scanTrail(path string, signingKey []byte) (uint64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var prevHash string
	var lastSeq uint64
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		var record AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return 0, "", fmt.Errorf("line %d: invalid JSON: %w", lineNum, err)
		}
		if lineNum == 1 && record.Sequence > 1 {
			lastSeq, prevHash = record.Sequence-1, record.PrevHash
		}
		if record.Sequence != lastSeq+1 {
			return 0, "", fmt.Errorf("line %d: %w: expected %d, got %d",
				lineNum, ErrAuditSequenceGap, lastSeq+1, record.Sequence)
		}
		if record.PrevHash != prevHash {
			return 0, "", fmt.Errorf("line %d: hash chain broken", lineNum)
		}
		if len(signingKey) > 0 && record.Signature != computeRecordSignature(record, signingKey) {
			return 0, "", fmt.Errorf("line %d: %w", lineNum, ErrAuditVerifyFailed)
		}
		prevHash = computeRecordHash(record)
		lastSeq = record.Sequence
	}
	if err := scanner.Err(); err != nil {
		return 0, "", err
	}
	return lastSeq, prevHash, nil
}

func (al *AuditLogger) startPeriodicFlush() {
	al.wg.Add(1)
	go func() {
		defer al.wg.Done()
		ticker := time.NewTicker(al.config.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-al.stopCh:
				return
			case <-ticker.C:
				_ = al.Flush()
			}
		}
	}()
}

func computeRecordHash(record AuditRecord) string {
	data := fmt.Sprintf("%s|%s|%d|%s|%s", record.ID, record.Timestamp, record.Sequence, record.Event, record.Severity)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

func computeRecordSignature(record AuditRecord, key []byte) string {
	data := fmt.Sprintf("%s|%s|%d|%s|%s|%s",
		record.ID, record.Timestamp, record.Sequence, record.Event, record.Severity, record.PrevHash)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
