package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/dlog-gold/omega-gateway/pkg/middleware"
)

var (
	// ErrAuthSessionNotFound は認証セッションが存在しないか期限切れであることを表す。
	ErrAuthSessionNotFound = errors.New("認証セッションが見つからない")
	// ErrAuthSessionNotVerified は認証セッションが未確認であることを表す。
	ErrAuthSessionNotVerified = errors.New("認証セッションが未確認")
	// ErrBiometricSignatureMissing は生体認証署名が空であることを表す。
	ErrBiometricSignatureMissing = errors.New("生体認証署名が空")
)

// phoneAuthSession は進行中の電話番号認証セッション。
type phoneAuthSession struct {
	phone       string
	label       string
	displayName string
	verified    bool
	expiresAt   time.Time
}

// PhoneAuth は電話番号によるアイデンティティ確認セッションを管理する。
// トークンはHS256署名付きJWTであり、同時にサーバー側でもセッション状態を保持する。
// JWTの検証だけでは「確認済み」かどうかが分からないため、両方の照合が必要となる。
type PhoneAuth struct {
	mu       sync.Mutex
	secret   string
	ttl      time.Duration
	sessions map[string]*phoneAuthSession
	now      func() time.Time
}

// NewPhoneAuth は新しい電話番号認証マネージャを生成する。
func NewPhoneAuth(secret string, ttl time.Duration) *PhoneAuth {
	return &PhoneAuth{
		secret:   secret,
		ttl:      ttl,
		sessions: make(map[string]*phoneAuthSession),
		now:      time.Now,
	}
}

// StartSession は認証セッションを開始し、署名付きセッショントークンを返す。
func (p *PhoneAuth) StartSession(phone, label, displayName string) (token string, expiresAt time.Time, err error) {
	token, err = middleware.GeneratePhoneToken(p.secret, phone, label, displayName, p.ttl)
	if err != nil {
		return "", time.Time{}, err
	}

	expiresAt = p.now().Add(p.ttl)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[token] = &phoneAuthSession{
		phone:       phone,
		label:       label,
		displayName: displayName,
		expiresAt:   expiresAt,
	}
	return token, expiresAt, nil
}

// ConfirmSession は生体認証署名を受けてセッションを確認済みにする。
// 署名の中身は検証しない（確認デバイス側の責務）が、空は拒否する。
func (p *PhoneAuth) ConfirmSession(token, biometricSignature string) (*Identity, error) {
	if biometricSignature == "" {
		return nil, ErrBiometricSignatureMissing
	}
	if _, err := middleware.ParsePhoneToken(p.secret, token); err != nil {
		return nil, ErrAuthSessionNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	session, ok := p.sessions[token]
	if !ok {
		return nil, ErrAuthSessionNotFound
	}
	if p.now().After(session.expiresAt) {
		delete(p.sessions, token)
		return nil, ErrAuthSessionNotFound
	}

	session.verified = true
	return &Identity{
		Phone:         session.phone,
		Label:         session.label,
		DisplayName:   session.displayName,
		PresenceState: "online",
	}, nil
}

// VerifiedIdentity はトークンが指定された電話番号の確認済みセッションである場合に
// アイデンティティを返す。ハンドシェイク時の一次検証として使用する。
func (p *PhoneAuth) VerifiedIdentity(token, phone string) (*Identity, error) {
	claims, err := middleware.ParsePhoneToken(p.secret, token)
	if err != nil {
		return nil, ErrAuthSessionNotFound
	}
	if claims.Phone != phone {
		return nil, ErrAuthSessionNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	session, ok := p.sessions[token]
	if !ok {
		return nil, ErrAuthSessionNotFound
	}
	if p.now().After(session.expiresAt) {
		delete(p.sessions, token)
		return nil, ErrAuthSessionNotFound
	}
	if !session.verified {
		return nil, ErrAuthSessionNotVerified
	}

	return &Identity{
		Phone:         session.phone,
		Label:         session.label,
		DisplayName:   session.displayName,
		PresenceState: "online",
	}, nil
}
