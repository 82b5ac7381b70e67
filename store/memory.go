package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"msgrelay/models"
)

// MemoryStore keeps sessions and messages in mutex-guarded maps.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session

	msgMu    sync.RWMutex
	messages map[string]queuedMessage
	seq      uint64
}

type queuedMessage struct {
	msg models.Message
	seq uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]models.Session),
		messages: make(map[string]queuedMessage),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Upsert(ctx context.Context, address, connRef string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[address] = models.Session{Address: address, ConnRef: connRef, LastSeen: now}
	return nil
}

func (s *MemoryStore) Lookup(ctx context.Context, address string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[address]
	if !ok {
		return models.Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) Remove(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, address)
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, address, connRef string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[address]
	if !ok {
		s.sessions[address] = models.Session{Address: address, ConnRef: connRef, LastSeen: now}
		return true, nil
	}
	if sess.ConnRef != connRef {
		return false, ErrSuperseded
	}
	sess.LastSeen = now
	s.sessions[address] = sess
	return false, nil
}

func (s *MemoryStore) RemoveConn(ctx context.Context, address, connRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[address]
	if !ok || sess.ConnRef != connRef {
		return false, nil
	}
	delete(s.sessions, address)
	return true, nil
}

func (s *MemoryStore) RemoveIdle(ctx context.Context, address string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[address]
	if !ok || !sess.LastSeen.Before(cutoff) {
		return false, nil
	}
	delete(s.sessions, address)
	return true, nil
}

func (s *MemoryStore) ListIdleOlderThan(ctx context.Context, threshold time.Duration, now time.Time) ([]models.Session, error) {
	cutoff := IdleCutoff(threshold, now)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var idle []models.Session
	for _, sess := range s.sessions {
		if sess.LastSeen.Before(cutoff) {
			idle = append(idle, sess)
		}
	}
	return idle, nil
}

func (s *MemoryStore) Append(ctx context.Context, msg models.Message) error {
	if msg.Content != nil {
		msg.Content = models.Text(*msg.Content)
	}

	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	s.seq++
	s.messages[msg.ID] = queuedMessage{msg: msg, seq: s.seq}
	return nil
}

func (s *MemoryStore) FindByReceiver(ctx context.Context, address string) ([]models.Message, error) {
	s.msgMu.RLock()
	queued := make([]queuedMessage, 0)
	for _, q := range s.messages {
		if q.msg.Receiver == address {
			queued = append(queued, q)
		}
	}
	s.msgMu.RUnlock()

	slices.SortFunc(queued, func(a, b queuedMessage) int {
		return cmp.Compare(a.seq, b.seq)
	})

	messages := make([]models.Message, len(queued))
	for i, q := range queued {
		messages[i] = q.msg
	}
	return messages, nil
}

func (s *MemoryStore) DeleteByID(ctx context.Context, id string) (models.Message, error) {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	q, ok := s.messages[id]
	if !ok {
		return models.Message{}, ErrNotFound
	}
	delete(s.messages, id)
	return q.msg, nil
}
