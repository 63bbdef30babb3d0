package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/halcyonlabs/outpost/internal/observability"
	"github.com/halcyonlabs/outpost/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Message represents a single conversation turn
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Role values for Message
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Store persists one JSON array-of-messages log per thread. Writes go through
// a per-thread lock and land via tmp-file-plus-rename, so readers never see a
// partially written log.
type Store struct {
	threadsDir string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.RWMutex
}

// NewStore creates a thread store rooted at threadsDir
func NewStore(threadsDir string) (*Store, error) {
	observability.EnsureRegistered()

	if threadsDir == "" {
		return nil, fmt.Errorf("threads directory is required")
	}

	if err := os.MkdirAll(threadsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create threads directory: %w", err)
	}

	s := &Store{
		threadsDir: threadsDir,
		writeLocks: make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", threadsDir).Msg("Thread store initialized")
	s.updateActiveThreadsMetric()

	return s, nil
}

// ValidateThreadID validates a thread identifier for storage safety
func ValidateThreadID(threadID string) error {
	if threadID == "" {
		return fmt.Errorf("thread id cannot be empty")
	}
	if strings.Contains(threadID, "..") {
		return fmt.Errorf("thread id cannot contain '..'")
	}
	if strings.ContainsAny(threadID, "/\\") {
		return fmt.Errorf("thread id cannot contain path separators")
	}
	if !threadIDPattern.MatchString(threadID) {
		return fmt.Errorf("invalid thread id (alphanumeric, dash, underscore only)")
	}
	return nil
}

func (s *Store) threadPath(threadID string) string {
	return filepath.Join(s.threadsDir, threadID+".json")
}

func (s *Store) updateActiveThreadsMetric() {
	ids, err := s.ListIDs()
	if err != nil {
		return
	}
	observability.SetActiveThreads(len(ids))
}

// getWriteLock gets or creates a write lock for a thread
func (s *Store) getWriteLock(threadID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[threadID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.writeLocks[threadID] = lock
	return lock
}

// Append loads the existing log (or empty), appends one message with a fresh
// timestamp, and persists the whole log atomically.
func (s *Store) Append(ctx context.Context, threadID, role, content string) (Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithThreadID(ctx, threadID)
	ctx, span := tracing.StartSpan(
		ctx,
		"outpost.thread",
		"thread.append",
		attribute.String("thread_id", threadID),
		attribute.String("role", role),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordThreadSave(time.Since(start))
	}()

	if err := ValidateThreadID(threadID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Message{}, err
	}
	if role != RoleUser && role != RoleAssistant {
		return Message{}, fmt.Errorf("invalid role: %s", role)
	}

	lock := s.getWriteLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	// A corrupt or unreadable log degrades to empty here: losing old turns is
	// acceptable, refusing new ones is not.
	history, err := s.load(threadID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load thread log, starting fresh")
		history = nil
	}

	msg := Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	history = append(history, msg)

	if err := s.persist(threadID, history); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Message{}, err
	}

	s.updateActiveThreadsMetric()
	logger.Debug().Str("role", role).Int("messages", len(history)).Msg("Message appended")

	return msg, nil
}

// persist writes the full log to a temp file and renames it into place
func (s *Store) persist(threadID string, history []Message) error {
	path := s.threadPath(threadID)
	tempPath := path + ".tmp"

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return &PersistenceError{ThreadID: threadID, Op: "marshal", Err: err}
	}

	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return &PersistenceError{ThreadID: threadID, Op: "write", Err: err}
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return &PersistenceError{ThreadID: threadID, Op: "rename", Err: err}
	}

	return nil
}

// Load returns the ordered message log for a thread, empty when no log exists.
// A corrupt log surfaces a *PersistenceError for the boundary to degrade.
func (s *Store) Load(ctx context.Context, threadID string) ([]Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithThreadID(ctx, threadID)
	ctx, span := tracing.StartSpan(
		ctx,
		"outpost.thread",
		"thread.load",
		attribute.String("thread_id", threadID),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordThreadLoad(time.Since(start))
	}()

	if err := ValidateThreadID(threadID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	history, err := s.load(threadID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return history, nil
}

// LoadOrEmpty is the graceful-degradation boundary: persistence failures are
// logged and an empty history returned.
func (s *Store) LoadOrEmpty(ctx context.Context, threadID string) []Message {
	history, err := s.Load(ctx, threadID)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Str("thread_id", threadID).Msg("Failed to load thread log, treating as empty")
		return []Message{}
	}
	return history
}

func (s *Store) load(threadID string) ([]Message, error) {
	path := s.threadPath(threadID)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Message{}, nil
		}
		return nil, &PersistenceError{ThreadID: threadID, Op: "read", Err: err}
	}

	var history []Message
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, &PersistenceError{ThreadID: threadID, Op: "parse", Err: err}
	}

	return history, nil
}

// Exists reports whether a durable log exists for the thread
func (s *Store) Exists(threadID string) bool {
	if err := ValidateThreadID(threadID); err != nil {
		return false
	}
	_, err := os.Stat(s.threadPath(threadID))
	return err == nil
}

// ListIDs lists all thread identifiers with a durable log
func (s *Store) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(s.threadsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read threads directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}

		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}

	return ids, nil
}

// Remove deletes a thread's durable log. It reports whether a log existed.
func (s *Store) Remove(threadID string) (bool, error) {
	if err := ValidateThreadID(threadID); err != nil {
		return false, err
	}

	// The lock entry stays in writeLocks even after deletion: dropping it
	// while held would let a concurrent Append mint a second mutex for the
	// same thread and write unserialized.
	lock := s.getWriteLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	path := s.threadPath(threadID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	if err := os.Remove(path); err != nil {
		return false, &PersistenceError{ThreadID: threadID, Op: "delete", Err: err}
	}

	s.updateActiveThreadsMetric()

	log.Info().Str("thread_id", threadID).Msg("Thread log deleted")
	return true, nil
}

// Info describes one thread for listing
type Info struct {
	ThreadID     string    `json:"thread_id"`
	Status       Status    `json:"status"`
	MessageCount int       `json:"message_count"`
	LastActive   time.Time `json:"last_active"`
}

// List enumerates all persisted threads, overlaying transient status from the
// registry. Threads known only in memory are excluded: a thread is not real
// until at least one message is durable.
func (s *Store) List(ctx context.Context, reg *Registry) ([]Info, error) {
	ids, err := s.ListIDs()
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		history, err := s.Load(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("thread_id", id).Msg("Skipping unreadable thread log")
			continue
		}
		if len(history) == 0 {
			continue
		}

		userCount := 0
		for _, m := range history {
			if m.Role == RoleUser {
				userCount++
			}
		}

		status := StatusSleeping
		if state, ok := reg.Get(id); ok {
			status = state.Status
		}

		infos = append(infos, Info{
			ThreadID:     id,
			Status:       status,
			MessageCount: userCount,
			LastActive:   history[len(history)-1].Timestamp,
		})
	}

	return infos, nil
}

// Close releases the store's in-memory lock table
func (s *Store) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.locksMu.Unlock()
	return nil
}
