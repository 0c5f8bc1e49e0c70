// Package audit provides the folder journal: an append-only record of lock
// and unlock outcomes with an HMAC chain for tamper detection.
package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/crypto/hkdf"
)

// Files kept in the journal directory.
const (
	KeyFileName   = "journal.key"
	StateFileName = "journal.meta"
	keyLength     = 32
	genesis       = "genesis"
)

// Operation types
const (
	OpFolderLock          = "folder.lock"
	OpFolderLockSkipped   = "folder.lock_skipped"
	OpFolderUnlock        = "folder.unlock"
	OpFolderUnlockFailed  = "folder.unlock_failed"
	OpFolderUnlockBlocked = "folder.unlock_blocked"
)

// Source identifies where the operation originated
const (
	SourceCLI = "cli"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// Errors
var (
	ErrKeyNotSet      = errors.New("audit: HMAC key not set")
	ErrInvalidKeyFile = errors.New("audit: journal key file is corrupted")
)

// Event is a single journal record.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Timestamp string `json:"ts"` // RFC 3339 nanosecond precision

	Operation string `json:"op"`
	Folder    string `json:"folder,omitempty"`

	Actor Actor `json:"actor"`

	Result string     `json:"result"`
	Error  *ErrorInfo `json:"error,omitempty"`

	Context map[string]string `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// Actor represents who performed the operation
type Actor struct {
	Source    string `json:"source"`
	SessionID string `json:"session_id"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain provides HMAC chain for tamper detection
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// Logger handles journal writing with HMAC chain
type Logger struct {
	fs         afero.Fs
	path       string
	hmacKey    []byte
	mu         sync.Mutex
	sequence   int64
	prevHash   string
	sessionID  string
	hmacKeySet bool
	now        func() time.Time
}

// NewLogger creates a journal rooted at path. SetHMACKey must be called
// before logging.
func NewLogger(fsys afero.Fs, path string) *Logger {
	return &Logger{
		fs:        fsys,
		path:      path,
		prevHash:  genesis,
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
}

// Open creates a journal at path keyed by the installation key stored next to
// it, generating the key on first use.
func Open(fsys afero.Fs, path string) (*Logger, error) {
	if err := fsys.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("audit: failed to create directory: %w", err)
	}
	key, err := loadOrCreateKey(fsys, filepath.Join(path, KeyFileName))
	if err != nil {
		return nil, err
	}
	l := NewLogger(fsys, path)
	if err := l.SetHMACKey(key); err != nil {
		return nil, err
	}
	return l, nil
}

func loadOrCreateKey(fsys afero.Fs, keyPath string) ([]byte, error) {
	key, err := afero.ReadFile(fsys, keyPath)
	if err == nil {
		if len(key) != keyLength {
			return nil, ErrInvalidKeyFile
		}
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("audit: failed to read key: %w", err)
	}

	key = make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("audit: failed to generate key: %w", err)
	}
	if err := afero.WriteFile(fsys, keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("audit: failed to write key: %w", err)
	}
	return key, nil
}

// SetHMACKey derives and sets the HMAC key from the master key using HKDF
func (l *Logger) SetHMACKey(masterKey []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	hkdfReader := hkdf.New(sha256.New, masterKey, nil, []byte("folderlock-journal-v1"))
	l.hmacKey = make([]byte, 32)
	if _, err := hkdfReader.Read(l.hmacKey); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKeySet = true

	// Not fatal: first run has no chain state.
	if err := l.loadChainState(); err != nil {
		l.sequence = 0
		l.prevHash = genesis
	}
	return nil
}

// Log records a journal event
func (l *Logger) Log(op, result, folder string, errInfo *ErrorInfo, ctx map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hmacKeySet {
		return ErrKeyNotSet
	}
	if err := l.fs.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}

	event := Event{
		Version:   1,
		ID:        uuid.NewString(),
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		Folder:    folder,
		Actor: Actor{
			Source:    SourceCLI,
			SessionID: l.sessionID,
		},
		Result:  result,
		Error:   errInfo,
		Context: ctx,
	}

	l.sequence++
	event.Chain.Sequence = l.sequence
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.sign(&event)
	l.prevHash = event.Chain.HMAC

	if err := l.writeEvent(&event); err != nil {
		return err
	}
	return l.saveChainState()
}

// LogSuccess is a convenience method for successful operations
func (l *Logger) LogSuccess(op, folder string) error {
	return l.Log(op, ResultSuccess, folder, nil, nil)
}

// LogError is a convenience method for failed operations
func (l *Logger) LogError(op, folder, errCode, errMsg string) error {
	return l.Log(op, ResultError, folder, &ErrorInfo{Code: errCode, Message: errMsg}, nil)
}

// LogDenied is a convenience method for denied operations
func (l *Logger) LogDenied(op, folder, reason string) error {
	return l.Log(op, ResultDenied, folder, nil, map[string]string{"reason": reason})
}

// sign computes the HMAC over every significant field of event.
func (l *Logger) sign(event *Event) string {
	errorData := ""
	if event.Error != nil {
		errorData = event.Error.Code + "|" + event.Error.Message
	}

	keys := make([]string, 0, len(event.Context))
	for k := range event.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var contextData strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&contextData, "%s=%s|", k, event.Context[k])
	}

	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		event.Version,
		event.ID,
		event.Timestamp,
		event.Operation,
		event.Folder,
		event.Actor.Source,
		event.Actor.SessionID,
		event.Result,
		errorData,
		contextData.String(),
		event.Chain.Sequence,
		event.Chain.PrevHash,
	)
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// writeEvent appends event to the current month's log file
func (l *Logger) writeEvent(event *Event) error {
	name := filepath.Join(l.path, l.now().UTC().Format("2006-01")+".jsonl")

	f, err := l.fs.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

// chainState holds the persistent chain state
type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

func (l *Logger) loadChainState() error {
	data, err := afero.ReadFile(l.fs, filepath.Join(l.path, StateFileName))
	if err != nil {
		return err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := afero.WriteFile(l.fs, filepath.Join(l.path, StateFileName), data, 0600); err != nil {
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

// Verify checks the integrity of the journal chain
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hmacKeySet {
		return nil, ErrKeyNotSet
	}

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrevHash := genesis
	var expectedSeq int64 = 1

	for i := range events {
		event := &events[i]
		result.RecordsTotal++

		if event.Chain.Sequence != expectedSeq {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d",
				event.ID, expectedSeq, event.Chain.Sequence))
		}
		if event.Chain.PrevHash != expectedPrevHash {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %s", event.ID))
		}
		if !hmac.Equal([]byte(event.Chain.HMAC), []byte(l.sign(event))) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering", event.ID))
		}

		expectedPrevHash = event.Chain.HMAC
		expectedSeq++
	}
	return result, nil
}

// ListEvents returns journal events, most recent last.
// limit: maximum number of events to return (0 = all)
// since: only return events after this time (zero = no filter)
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	filtered := events
	if !since.IsZero() {
		filtered = nil
		for _, event := range events {
			ts, err := time.Parse(time.RFC3339Nano, event.Timestamp)
			if err != nil {
				continue
			}
			if ts.After(since) {
				filtered = append(filtered, event)
			}
		}
	}

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered, nil
}

// Path returns the journal directory path
func (l *Logger) Path() string {
	return l.path
}

func (l *Logger) readAll() ([]Event, error) {
	files, err := afero.Glob(l.fs, filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM.jsonl names sort chronologically.
	sort.Strings(files)

	var events []Event
	for _, file := range files {
		data, err := afero.ReadFile(l.fs, file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			var event Event
			if err := json.Unmarshal([]byte(line), &event); err != nil {
				return nil, fmt.Errorf("audit: failed to parse %s: %w", file, err)
			}
			events = append(events, event)
		}
	}
	return events, nil
}
