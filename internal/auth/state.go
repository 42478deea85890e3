package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// StateStore はOAuthのstateパラメータと遷移元URLの対応を保持する。
type StateStore interface {
	// Save はstateに遷移元URLを紐づけて保存する。
	Save(ctx context.Context, state, refererURL string, ttl time.Duration) error
	// Consume はstateに紐づく遷移元URLを取り出して削除する。
	// 未知または期限切れの場合は空文字を返す。
	Consume(ctx context.Context, state string) (string, error)
}

// GenerateState はOAuthのstateパラメータを生成する。
func GenerateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type stateEntry struct {
	refererURL string
	expiresAt  time.Time
}

// MemoryStateStore はプロセス内のStateStore実装。
// 単一インスタンス構成、およびREDIS_URL未設定時に使う。
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]stateEntry
	now     func() time.Time
}

// NewMemoryStateStore はMemoryStateStoreを生成する。
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		entries: make(map[string]stateEntry),
		now:     time.Now,
	}
}

// Save はstateを保存する。期限切れのエントリはここで掃除する。
func (s *MemoryStateStore) Save(_ context.Context, state, refererURL string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.entries[state] = stateEntry{refererURL: refererURL, expiresAt: now.Add(ttl)}
	return nil
}

// Consume はstateを取り出して削除する。
func (s *MemoryStateStore) Consume(_ context.Context, state string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[state]
	if !ok {
		return "", nil
	}
	delete(s.entries, state)
	if s.now().After(e.expiresAt) {
		return "", nil
	}
	return e.refererURL, nil
}

// compile-time interface check
var _ StateStore = (*MemoryStateStore)(nil)
