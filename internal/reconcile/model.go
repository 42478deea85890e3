package reconcile

import (
	"sync"

	"github.com/hitoshi/prefsync/internal/model"
)

// Cause はモデル変更の契機。
type Cause string

const (
	CauseLogin  Cause = "login"
	CauseLogout Cause = "logout"
	CauseReset  Cause = "reset"
	CauseWrite  Cause = "write"
)

// Change はモデルへの1回の変更。
type Change struct {
	Version     uint64            `json:"version"`
	Cause       Cause             `json:"cause"`
	Preferences model.Preferences `json:"preferences"`
}

// Model はアクティブなプリファレンスを保持する。
//
// 変更はReplaceによる1回の置き換えのみで、購読者は統合途中の状態を観測しない。
// 購読者への通知はノンブロッキングで、読み遅れた購読者には最新の変更だけが残る。
type Model struct {
	mu      sync.Mutex
	version uint64
	prefs   model.Preferences
	subs    map[int]chan Change
	nextID  int
}

// NewModel は初期値を持つModelを生成する。
func NewModel(initial model.Preferences) *Model {
	return &Model{
		prefs: initial.Clone(),
		subs:  make(map[int]chan Change),
	}
}

// Snapshot は現在のプリファレンスのコピーとバージョンを返す。
func (m *Model) Snapshot() (model.Preferences, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs.Clone(), m.version
}

// Replace はプリファレンスを丸ごと置き換え、購読者に通知する。
func (m *Model) Replace(prefs model.Preferences, cause Cause) Change {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.version++
	m.prefs = prefs.Clone()

	for _, ch := range m.subs {
		notify(ch, Change{Version: m.version, Cause: cause, Preferences: m.prefs.Clone()})
	}
	return Change{Version: m.version, Cause: cause, Preferences: m.prefs.Clone()}
}

// Subscribe は変更通知を受け取るチャネルと購読解除関数を返す。
func (m *Model) Subscribe() (<-chan Change, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Change, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// notify は未読の古い変更を捨てて最新の変更を置く。
func notify(ch chan Change, c Change) {
	select {
	case ch <- c:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- c:
	default:
	}
}
