package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dlog-gold/omega-gateway/pkg/httpclient"
)

// PresenceClient はpresenceサービスへのルックアップ・登録クライアント。
// ルックアップには応答上限が設定され、超過時はErrIdentityLookupTimeoutとなる。
type PresenceClient struct {
	// client はサービス間通信用のHTTPクライアント。
	client *httpclient.Client
	// timeout はルックアップ1回あたりの応答上限。
	timeout time.Duration
}

// presenceLookupResponse はGET /presence/:phone のレスポンス構造。
type presenceLookupResponse struct {
	// Status は"ok"または"not_found"。
	Status string `json:"status"`
	// Record はpresenceレコード。未登録の場合はnull。
	Record *presenceRecord `json:"record"`
}

// presenceRecord はpresenceサービスが保持するレコード。
type presenceRecord struct {
	Phone       string `json:"phone"`
	Label       string `json:"label"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"`
}

// webPresenceRequest はPOST /presence/web のリクエスト構造。
type webPresenceRequest struct {
	Phone        string `json:"phone"`
	Label        string `json:"label"`
	SessionToken string `json:"session_token"`
	DisplayName  string `json:"display_name"`
}

// NewPresenceClient は新しいpresenceクライアントを生成する。
func NewPresenceClient(baseURL string, timeout time.Duration) *PresenceClient {
	return &PresenceClient{
		client:  httpclient.NewWithTimeout(baseURL, timeout),
		timeout: timeout,
	}
}

// LookupIdentity は電話番号に対応する確認済みアイデンティティを照会する。
// 未登録の場合はErrUnknownIdentity、応答上限超過の場合はErrIdentityLookupTimeoutを返す。
func (p *PresenceClient) LookupIdentity(ctx context.Context, phone string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var result presenceLookupResponse
	path := "/presence/" + url.PathEscape(phone)
	if err := p.client.GetJSON(ctx, path, &result); err != nil {
		if statusErr, ok := httpclient.AsStatusError(err); ok && statusErr.Code == http.StatusNotFound {
			return nil, ErrUnknownIdentity
		}
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, ErrIdentityLookupTimeout
		}
		return nil, fmt.Errorf("presenceルックアップに失敗: %w", err)
	}

	if result.Record == nil {
		return nil, ErrUnknownIdentity
	}

	return &Identity{
		Phone:         result.Record.Phone,
		Label:         result.Record.Label,
		DisplayName:   result.Record.DisplayName,
		PresenceState: result.Record.State,
	}, nil
}

// RegisterWeb は確認済みアイデンティティをpresenceサービスに登録する。
func (p *PresenceClient) RegisterWeb(ctx context.Context, identity Identity, sessionToken string) error {
	ctx = httpclient.WithSessionToken(ctx, sessionToken)
	payload := webPresenceRequest{
		Phone:        identity.Phone,
		Label:        identity.Label,
		SessionToken: sessionToken,
		DisplayName:  identity.DisplayName,
	}
	if err := p.client.PostJSON(ctx, "/presence/web", payload, nil); err != nil {
		return fmt.Errorf("presence登録に失敗: %w", err)
	}
	return nil
}

// isTimeout はnet/http経由のタイムアウトエラーを判定する。
func isTimeout(err error) bool {
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}
