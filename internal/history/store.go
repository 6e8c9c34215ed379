// Package history persists per-conversation code version records to disk.
// Each conversation owns one JSON file; a conversation-scoped lock
// serializes the read-modify-write cycle so concurrent writers queue
// instead of corrupting the record list.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRecordNotFound is returned by UpdateByRecordID for an unknown record.
var ErrRecordNotFound = errors.New("history: record not found")

// VersionRecord is one committed code version. Exactly one of Code or Diff
// is non-empty in the steady state. Streaming marks a record whose content
// is still arriving; at most one record per conversation carries the flag.
type VersionRecord struct {
	RecordID       string    `json:"record_id"`
	Code           string    `json:"code,omitempty"`
	Diff           string    `json:"diff,omitempty"`
	OriginalCode   string    `json:"original_code,omitempty"`
	DiffIncomplete bool      `json:"diff_incomplete,omitempty"`
	Streaming      bool      `json:"is_streaming,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type conversationFile struct {
	ConversationID string          `json:"conversation_id"`
	Records        []VersionRecord `json:"records"`
}

// Store is a file-backed history of code versions, one file per
// conversation under dir.
type Store struct {
	dir    string
	logger *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore creates the history directory if needed.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:    dir,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the directory holding conversation files.
func (s *Store) Dir() string {
	return s.dir
}

// convLock returns the mutex guarding one conversation's file. Lock
// acquisition queues; it never fails.
func (s *Store) convLock(conversationID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[conversationID] = mu
	}
	return mu
}

func (s *Store) path(conversationID string) string {
	// Conversation ids come from callers; keep them from escaping the dir.
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(conversationID)
	return filepath.Join(s.dir, name+".json")
}

// AddVersion appends a record and returns its id. When the new record is
// marked streaming, any previously streaming record is settled first so the
// one-streaming-record invariant holds.
func (s *Store) AddVersion(conversationID string, rec VersionRecord) (string, error) {
	mu := s.convLock(conversationID)
	mu.Lock()
	defer mu.Unlock()

	cf := s.read(conversationID)

	if rec.RecordID == "" {
		rec.RecordID = uuid.New().String()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if rec.Streaming {
		for i := range cf.Records {
			if cf.Records[i].Streaming {
				cf.Records[i].Streaming = false
				cf.Records[i].UpdatedAt = now
			}
		}
	}

	cf.Records = append(cf.Records, rec)
	if err := s.write(conversationID, cf); err != nil {
		return "", err
	}
	return rec.RecordID, nil
}

// UpdateByRecordID applies a mutation to one record under the conversation
// lock. Used to patch in late-arriving metadata, e.g. clearing the
// streaming flag once generation completes.
func (s *Store) UpdateByRecordID(conversationID, recordID string, mutate func(*VersionRecord)) error {
	mu := s.convLock(conversationID)
	mu.Lock()
	defer mu.Unlock()

	cf := s.read(conversationID)
	for i := range cf.Records {
		if cf.Records[i].RecordID != recordID {
			continue
		}
		mutate(&cf.Records[i])
		cf.Records[i].UpdatedAt = time.Now().UTC()
		return s.write(conversationID, cf)
	}
	return ErrRecordNotFound
}

// History returns all records for a conversation in commit order. A missing
// or unreadable file reads as empty history.
func (s *Store) History(conversationID string) []VersionRecord {
	mu := s.convLock(conversationID)
	mu.Lock()
	defer mu.Unlock()

	cf := s.read(conversationID)
	out := make([]VersionRecord, len(cf.Records))
	copy(out, cf.Records)
	return out
}

// read loads the conversation file. Corruption is logged and treated as no
// history: this is best-effort recoverable state, not a source of truth.
func (s *Store) read(conversationID string) conversationFile {
	cf := conversationFile{ConversationID: conversationID}

	data, err := os.ReadFile(s.path(conversationID))
	if os.IsNotExist(err) {
		return cf
	}
	if err != nil {
		s.logger.Warn("history file unreadable, treating as empty",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return cf
	}
	if err := json.Unmarshal(data, &cf); err != nil {
		s.logger.Warn("history file corrupt, treating as empty",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return conversationFile{ConversationID: conversationID}
	}
	cf.ConversationID = conversationID
	return cf
}

// write replaces the conversation file atomically: write a temp file, then
// rename over the original.
func (s *Store) write(conversationID string, cf conversationFile) error {
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	path := s.path(conversationID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}
