// Package audit provides the recovery audit trail: an append-only JSONL log
// whose records are linked by an HMAC chain for tamper detection.
//
// Events are coarse. They carry the operation, the factor kind where one
// applies and an HMAC of the user id. Factor values, image ids, answers
// and phrases are never written.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/keystone/internal/diskspace"
)

// Disk space constants
const (
	MinAuditDiskSpace = 1024 * 1024 // 1 MB minimum for audit logs
)

// hmacInfo is the HKDF info string for the chain key.
const hmacInfo = "keystone-audit-v1"

// genesis is the prev hash of the first record.
const genesis = "genesis"

// Operation types for audit logging
const (
	// Enrollment operations
	OpEnroll = "keystone.enroll"
	OpRevoke = "keystone.revoke"
	OpUnlock = "keystone.unlock"

	// Recovery operations
	OpRecoveryStarted   = "recovery.started"
	OpFactorFailed      = "recovery.factor_failed"
	OpLockedOut         = "recovery.locked_out"
	OpRecoverySucceeded = "recovery.succeeded"
	OpRecoveryFailed    = "recovery.failed"
)

// Source identifies where the operation originated
const (
	SourceCLI = "cli"
	SourceAPI = "api"
	SourceMCP = "mcp"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// ErrHMACKeyNotSet is returned when logging before SetHMACKey.
var ErrHMACKeyNotSet = errors.New("audit: HMAC key not set")

// Event is a single audit log record.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Timestamp string `json:"ts"` // RFC 3339 nanosecond precision

	Operation string `json:"op"`
	Subject   string `json:"subject,omitempty"` // HMAC of the user id
	Source    string `json:"source"`
	Instance  string `json:"instance"` // process instance that wrote the record
	Result    string `json:"result"`

	// Fields holds operation context such as the factor kind or a
	// recovery session id. Never factor content.
	Fields map[string]string `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// Chain provides HMAC chain for tamper detection
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// Logger handles audit log writing with HMAC chain. A nil *Logger is a
// valid no-op logger.
type Logger struct {
	path     string
	hmacKey  []byte
	mu       sync.Mutex
	sequence int64
	prevHash string
	instance string
	now      func() time.Time
}

// NewLogger creates a new audit logger writing under path.
func NewLogger(path string) *Logger {
	return &Logger{
		path:     path,
		prevHash: genesis,
		instance: uuid.NewString(),
		now:      time.Now,
	}
}

// SetHMACKey derives the chain key from a server secret using HKDF and
// loads the persisted chain state.
func (l *Logger) SetHMACKey(secret []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hmacInfo)), key); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKey = key

	if err := l.loadChainState(); err != nil {
		// first run
		l.sequence = 0
		l.prevHash = genesis
	}
	return nil
}

// Path returns the audit log directory path
func (l *Logger) Path() string {
	return l.path
}

// SubjectOf returns the HMAC under which userID appears in the log, so an
// operator can search for one user's events without the log naming them.
func (l *Logger) SubjectOf(userID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hmacKey == nil {
		return "", ErrHMACKeyNotSet
	}
	return l.subject(userID), nil
}

func (l *Logger) subject(userID string) string {
	if userID == "" {
		return ""
	}
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write([]byte("subject|" + userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Log records an audit event.
func (l *Logger) Log(op, source, result, userID string, fields map[string]string) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return ErrHMACKeyNotSet
	}
	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := diskspace.Require(l.path, MinAuditDiskSpace); err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	now := l.now().UTC()
	event := Event{
		Version:   1,
		ID:        uuid.NewString(),
		Timestamp: now.Format(time.RFC3339Nano),
		Operation: op,
		Subject:   l.subject(userID),
		Source:    source,
		Instance:  l.instance,
		Result:    result,
		Fields:    fields,
	}

	event.Chain.Sequence = l.sequence + 1
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.sign(&event)

	if err := l.writeEvent(&event, now); err != nil {
		return err
	}
	l.sequence = event.Chain.Sequence
	l.prevHash = event.Chain.HMAC
	return l.saveChainState()
}

// LogSuccess is a convenience method for successful operations
func (l *Logger) LogSuccess(op, source, userID string, fields map[string]string) error {
	return l.Log(op, source, ResultSuccess, userID, fields)
}

// LogFailure is a convenience method for failed operations
func (l *Logger) LogFailure(op, source, userID string, fields map[string]string) error {
	return l.Log(op, source, ResultFailure, userID, fields)
}

// LogDenied is a convenience method for denied operations
func (l *Logger) LogDenied(op, source, userID string, fields map[string]string) error {
	return l.Log(op, source, ResultDenied, userID, fields)
}

// sign computes the record HMAC over every significant field.
func (l *Logger) sign(e *Event) string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var fields strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&fields, "%s=%s|", k, e.Fields[k])
	}

	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		e.Version, e.ID, e.Timestamp, e.Operation, e.Subject, e.Source,
		e.Instance, e.Result, fields.String(), e.Chain.Sequence, e.Chain.PrevHash)

	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// writeEvent appends an event to the month's log file.
func (l *Logger) writeEvent(e *Event, now time.Time) error {
	name := filepath.Join(l.path, now.Format("2006-01")+".jsonl")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return f.Sync()
}

// chainState is the persistent chain position.
type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, "audit.meta"))
	if err != nil {
		return err
	}
	var st chainState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	l.sequence = st.Sequence
	l.prevHash = st.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, "audit.meta"), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid        bool     `json:"valid"`
	RecordsTotal int      `json:"records_total"`
	Errors       []string `json:"errors,omitempty"`
}

// Verify checks sequence numbers, prev links and HMACs of every record.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrHMACKeyNotSet
	}
	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrev := genesis
	var expectedSeq int64 = 1

	for i := range events {
		e := &events[i]
		result.RecordsTotal++

		if e.Chain.Sequence != expectedSeq {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d", e.ID, expectedSeq, e.Chain.Sequence))
		}
		if e.Chain.PrevHash != expectedPrev {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %s", e.ID))
		}
		if !hmac.Equal([]byte(e.Chain.HMAC), []byte(l.sign(e))) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering", e.ID))
		}

		expectedPrev = e.Chain.HMAC
		expectedSeq = e.Chain.Sequence + 1
	}
	return result, nil
}

// Filter selects events for ListEvents. Zero values match everything.
type Filter struct {
	Since     time.Time
	Until     time.Time
	Operation string
	Subject   string
	Limit     int // most recent N
}

// ListEvents returns events matching f in chronological order.
func (l *Logger) ListEvents(f Filter) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	var out []Event
	for _, e := range events {
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			continue
		}
		if !f.Since.IsZero() && ts.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && ts.After(f.Until) {
			continue
		}
		if f.Operation != "" && e.Operation != f.Operation {
			continue
		}
		if f.Subject != "" && e.Subject != f.Subject {
			continue
		}
		out = append(out, e)
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Export renders events as "json" or "csv".
func Export(events []Event, format string) ([]byte, error) {
	switch format {
	case "json":
		return json.MarshalIndent(events, "", "  ")
	case "csv":
		var b bytes.Buffer
		b.WriteString("timestamp,operation,result,source,subject,kind\n")
		for _, e := range events {
			subject := e.Subject
			if len(subject) > 16 {
				subject = subject[:16] + "..."
			}
			fmt.Fprintf(&b, "%s,%s,%s,%s,%s,%s\n",
				csvEscape(e.Timestamp), csvEscape(e.Operation), csvEscape(e.Result),
				csvEscape(e.Source), csvEscape(subject), csvEscape(e.Fields["kind"]))
		}
		return b.Bytes(), nil
	default:
		return nil, fmt.Errorf("audit: unsupported format: %s", format)
	}
}

// csvEscape quotes fields that contain separators or could be read as a
// spreadsheet formula.
func csvEscape(field string) string {
	if field == "" {
		return field
	}
	if !strings.ContainsAny(field[:1], "=+-@") && !strings.ContainsAny(field, ",\"\r\n") {
		return field
	}
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}

// readAll reads every log file in chronological order.
func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM.jsonl names sort chronologically
	sort.Strings(files)

	var events []Event
	for _, name := range files {
		fileEvents, err := readLogFile(name)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", name, err)
		}
		events = append(events, fileEvents...)
	}
	return events, nil
}

func readLogFile(name string) ([]Event, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, e)
	}
	return events, sc.Err()
}
