package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownIdentity はアイデンティティ証明がpresenceサービスで解決できなかったことを表す。
	ErrUnknownIdentity = errors.New("アイデンティティが確認できない")
	// ErrSessionNotFound はフレームの参照するセッションが登録されていないことを表す。
	// クライアントは再ハンドシェイクする必要がある。
	ErrSessionNotFound = errors.New("セッションが見つからない")
	// ErrIdentityLookupTimeout はpresenceルックアップが時間内に応答しなかったことを表す。
	// 一時的なエラーであり、クライアントはハンドシェイクを再試行してよい。
	ErrIdentityLookupTimeout = errors.New("アイデンティティの照会がタイムアウト")
	// ErrMalformedFrame はペイロードがサブシステムの期待する形式に合わないことを表す。
	ErrMalformedFrame = errors.New("フレームのペイロードが不正")
	// ErrInvalidAmount は振替金額が正の整数でないことを表す。
	ErrInvalidAmount = errors.New("振替金額が不正")
)

// InsufficientFundsError は残高不足で振替が拒否されたことを表す。
// クライアントが残高を照合できるよう現在残高を保持する。
type InsufficientFundsError struct {
	// Account は残高不足のアカウントラベル。
	Account string
	// Balance は現在残高。
	Balance int64
	// Requested は要求された振替金額。
	Requested int64
}

// Error はエラーメッセージを返す。
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("残高不足: account=%s, balance=%d, requested=%d", e.Account, e.Balance, e.Requested)
}
