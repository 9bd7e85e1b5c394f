package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

type memoryThread struct {
	history      []models.Message
	pendingImage []byte
	location     *models.Location
}

// InMemoryStore keeps conversation state in process memory.
type InMemoryStore struct {
	threadLocks
	mu      sync.RWMutex
	threads map[string]*memoryThread
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{threads: make(map[string]*memoryThread)}
}

func (s *InMemoryStore) thread(threadID string) *memoryThread {
	t, ok := s.threads[threadID]
	if !ok {
		t = &memoryThread{}
		s.threads[threadID] = t
	}
	return t
}

func (s *InMemoryStore) Append(ctx context.Context, threadID string, msg models.Message) error {
	if !msg.Role.IsValid() {
		return models.ErrInvalidRole
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.thread(threadID)
	t.history = append(t.history, msg)
	slog.Debug("InMemoryStore.Append: appended", "threadID", threadID, "role", msg.Role, "length", len(t.history))
	return nil
}

func (s *InMemoryStore) GetHistory(ctx context.Context, threadID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return []models.Message{}, nil
	}
	out := make([]models.Message, len(t.history))
	copy(out, t.history)
	return out, nil
}

func (s *InMemoryStore) SetPendingImage(ctx context.Context, threadID string, image []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thread(threadID).pendingImage = cloneBytes(image)
	return nil
}

func (s *InMemoryStore) TakePendingImage(ctx context.Context, threadID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	img := t.pendingImage
	t.pendingImage = nil
	return img, nil
}

func (s *InMemoryStore) SetLocation(ctx context.Context, threadID string, loc models.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := loc
	s.thread(threadID).location = &l
	return nil
}

func (s *InMemoryStore) GetLocation(ctx context.Context, threadID string) (*models.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok || t.location == nil {
		return nil, nil
	}
	l := *t.location
	return &l, nil
}

func (s *InMemoryStore) ResetThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return ErrThreadNotFound
	}
	delete(s.threads, threadID)
	slog.Debug("InMemoryStore.ResetThread: cleared", "threadID", threadID)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
