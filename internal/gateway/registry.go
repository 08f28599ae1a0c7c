package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Identity はpresenceサービスで確認済みのアイデンティティを表す。
type Identity struct {
	// Phone は電話番号形式のアイデンティティキー。
	Phone string `json:"phone"`
	// Label はアカウントラベル。
	Label string `json:"label"`
	// DisplayName は表示名。
	DisplayName string `json:"display_name"`
	// PresenceState はpresenceサービスが報告した在席状態。
	PresenceState string `json:"presence_state"`
}

// Session は登録済みのクライアントセッションを表す。
// アイデンティティは登録時に固定され、以後変更されない。
type Session struct {
	// ID はセッションの一意識別子（暗号学的に予測不能なUUID）。
	ID string
	// Identity は確認済みアイデンティティ。
	Identity Identity
	// ClientID はクライアントが自己申告した識別子。
	ClientID string
	// CreatedAt はセッションの登録日時。
	CreatedAt time.Time
	// LastSeenAt は最後にフレームを受理した日時。アイドル失効の判定に使用する。
	LastSeenAt time.Time
}

// Registry はアクティブなセッションを管理するインメモリレジストリ。
// すべての操作はミューテックスで直列化される。永続化は行わない。
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	idleTTL  time.Duration
	now      func() time.Time
}

// NewRegistry は新しいセッションレジストリを生成する。
// idleTTLを超えてフレームの無いセッションは失効扱いとなる。
func NewRegistry(idleTTL time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// Register は確認済みアイデンティティに対して新しいセッションを登録する。
func (r *Registry) Register(identity Identity, clientID string) *Session {
	now := r.now()
	session := &Session{
		ID:         uuid.NewString(),
		Identity:   identity,
		ClientID:   clientID,
		CreatedAt:  now,
		LastSeenAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session
	return session
}

// Get はセッションを取得し、最終アクセス日時を更新する。
// 未登録またはアイドル失効済みの場合はErrSessionNotFoundを返す。
func (r *Registry) Get(sessionID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	now := r.now()
	if r.expired(session, now) {
		delete(r.sessions, sessionID)
		return Session{}, ErrSessionNotFound
	}

	session.LastSeenAt = now
	return *session, nil
}

// Len はアクティブなセッション数を返す。失効済みセッションは数えない。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	count := 0
	for _, session := range r.sessions {
		if !r.expired(session, now) {
			count++
		}
	}
	return count
}

// Sweep はアイドル失効済みセッションを削除し、削除数を返す。
// サーバーが定期的に呼び出す。
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, session := range r.sessions {
		if r.expired(session, now) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// expired はセッションがアイドル失効しているかを判定する。呼び出し側でロックを取得すること。
func (r *Registry) expired(session *Session, now time.Time) bool {
	if r.idleTTL <= 0 {
		return false
	}
	return now.Sub(session.LastSeenAt) > r.idleTTL
}
