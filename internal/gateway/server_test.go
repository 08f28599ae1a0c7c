package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key"

// newPresenceBackend は既知の電話番号に応答するモックpresenceサービスを生成する。
func newPresenceBackend(t *testing.T, knownPhones map[string]bool) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /presence/web", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /presence/{phone}", func(w http.ResponseWriter, r *http.Request) {
		phone := r.PathValue("phone")
		w.Header().Set("Content-Type", "application/json")
		if !knownPhones[phone] {
			fmt.Fprint(w, `{"status":"not_found","record":null}`)
			return
		}
		fmt.Fprintf(w, `{"status":"ok","record":{"phone":%q,"label":"comet","display_name":"Ω %s","state":"online"}}`, phone, phone)
	})

	backend := httptest.NewServer(mux)
	t.Cleanup(backend.Close)
	return backend
}

// newTestServer はテスト用のゲートウェイサーバーを生成する。
// presenceURLにはモックpresenceサービスのURL、seedには台帳の初期残高を指定する。
func newTestServer(t *testing.T, presenceURL string, seed map[string]int64) *Server {
	t.Helper()
	return newTestServerWithTimeout(t, presenceURL, seed, 3*time.Second)
}

// newTestServerWithTimeout はpresenceルックアップの応答上限を指定してサーバーを生成する。
func newTestServerWithTimeout(t *testing.T, presenceURL string, seed map[string]int64, lookupTimeout time.Duration) *Server {
	t.Helper()

	cfg := &Config{
		Port:                  "0",
		PresenceBaseURL:       presenceURL,
		JWTSecret:             testJWTSecret,
		FrontendURL:           "http://localhost:3000",
		SessionIdleTTL:        30 * time.Minute,
		PresenceLookupTimeout: lookupTimeout,
		PhoneAuthTTL:          5 * time.Minute,
	}

	router := gin.New()
	s := &Server{
		router:    router,
		cfg:       cfg,
		gatewayID: uuid.NewString(),
		bootTime:  time.Now(),
		registry:  NewRegistry(cfg.SessionIdleTTL),
		routes:    NewRouteTable(),
		ledger:    NewLedger(seed),
		phoneAuth: NewPhoneAuth(cfg.JWTSecret, cfg.PhoneAuthTTL),
		presence:  NewPresenceClient(cfg.PresenceBaseURL, cfg.PresenceLookupTimeout),
	}
	s.setupRoutes()

	return s
}

// doJSON はテスト用にJSONリクエストを送信し、レコーダーを返す。
func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("リクエストボディのシリアライズに失敗: %v", err)
		}
		reader = bytes.NewReader(jsonBody)
	} else {
		reader = bytes.NewReader(nil)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)
	return w
}

// verifiedSessionToken は認証フローを通して確認済みのセッショントークンを取得する。
func verifiedSessionToken(t *testing.T, s *Server, phone string) string {
	t.Helper()

	w := doJSON(t, s, http.MethodPost, "/auth/phone/start", gin.H{"phone": phone})
	if w.Code != http.StatusOK {
		t.Fatalf("認証開始ステータスコード = %d, body = %s", w.Code, w.Body.String())
	}
	var start phoneStartResponse
	if err := json.Unmarshal(w.Body.Bytes(), &start); err != nil {
		t.Fatalf("認証開始レスポンスのパースに失敗: %v", err)
	}

	w = doJSON(t, s, http.MethodPost, "/auth/phone/confirm", gin.H{
		"session_token":       start.SessionToken,
		"biometric_signature": "test-biometric-sig",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("認証確認ステータスコード = %d, body = %s", w.Code, w.Body.String())
	}

	return start.SessionToken
}

// registeredSession はハンドシェイクを完了しセッションIDを取得する。
func registeredSession(t *testing.T, s *Server, phone string) string {
	t.Helper()

	token := verifiedSessionToken(t, s, phone)
	w := doJSON(t, s, http.MethodPost, "/omega/handshake", gin.H{
		"phone":         phone,
		"session_token": token,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ハンドシェイクステータスコード = %d, body = %s", w.Code, w.Body.String())
	}

	var resp handshakeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("ハンドシェイクレスポンスのパースに失敗: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("セッションIDが空")
	}
	return resp.SessionID
}

// TestHandleHandshake はハンドシェイクエンドポイントを検証する。
func TestHandleHandshake(t *testing.T) {
	t.Parallel()

	t.Run("有効な証明でセッションIDとルーティング情報が返ること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, map[string]bool{"9132077554": true})
		s := newTestServer(t, backend.URL, DefaultSeedBalances)

		token := verifiedSessionToken(t, s, "9132077554")
		w := doJSON(t, s, http.MethodPost, "/omega/handshake", gin.H{
			"phone":         "9132077554",
			"session_token": token,
			"client_id":     "paper-client-1",
		})

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, body = %s", w.Code, w.Body.String())
		}
		var resp handshakeResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if resp.SessionID == "" {
			t.Error("セッションIDが空")
		}
		if len(resp.GrantedRoutes) == 0 {
			t.Error("ルーティング情報が空")
		}
		if resp.Identity.Phone != "9132077554" {
			t.Errorf("Identity.Phone = %q, want %q", resp.Identity.Phone, "9132077554")
		}
	})

	t.Run("presenceに未登録のアイデンティティで401が返ること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, map[string]bool{})
		s := newTestServer(t, backend.URL, DefaultSeedBalances)

		token := verifiedSessionToken(t, s, "0000000000")
		w := doJSON(t, s, http.MethodPost, "/omega/handshake", gin.H{
			"phone":         "0000000000",
			"session_token": token,
		})

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("未確認のセッショントークンで401が返ること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, map[string]bool{"9132077554": true})
		s := newTestServer(t, backend.URL, DefaultSeedBalances)

		// 認証開始のみで確認を行わない
		w := doJSON(t, s, http.MethodPost, "/auth/phone/start", gin.H{"phone": "9132077554"})
		var start phoneStartResponse
		if err := json.Unmarshal(w.Body.Bytes(), &start); err != nil {
			t.Fatalf("認証開始レスポンスのパースに失敗: %v", err)
		}

		w = doJSON(t, s, http.MethodPost, "/omega/handshake", gin.H{
			"phone":         "9132077554",
			"session_token": start.SessionToken,
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("presenceルックアップのタイムアウトで504が返ること", func(t *testing.T) {
		t.Parallel()

		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				// 確認フロー中のpresence登録は即応答させる
				w.WriteHeader(http.StatusNoContent)
				return
			}
			time.Sleep(300 * time.Millisecond)
			fmt.Fprint(w, `{"status":"ok","record":null}`)
		}))
		t.Cleanup(slow.Close)

		s := newTestServerWithTimeout(t, slow.URL, DefaultSeedBalances, 30*time.Millisecond)
		token := verifiedSessionToken(t, s, "9132077554")

		w := doJSON(t, s, http.MethodPost, "/omega/handshake", gin.H{
			"phone":         "9132077554",
			"session_token": token,
		})
		if w.Code != http.StatusGatewayTimeout {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusGatewayTimeout)
		}
	})

	t.Run("必須フィールド欠落で400が返ること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, nil)
		s := newTestServer(t, backend.URL, DefaultSeedBalances)

		w := doJSON(t, s, http.MethodPost, "/omega/handshake", gin.H{"phone": "9132077554"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleFrame はフレームエンドポイントを検証する。
func TestHandleFrame(t *testing.T) {
	t.Parallel()

	t.Run("未登録セッションのフレームで404が返ること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, nil)
		s := newTestServer(t, backend.URL, DefaultSeedBalances)

		w := doJSON(t, s, http.MethodPost, "/omega/frame", gin.H{
			"session_id": "no-such-session",
			"namespace":  "bank.balance",
			"payload":    gin.H{"account": "COMET"},
		})
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("bank.transferフレームで振替後の残高が返ること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, map[string]bool{"9132077554": true})
		s := newTestServer(t, backend.URL, map[string]int64{"COMET": 100})
		sessionID := registeredSession(t, s, "9132077554")

		w := doJSON(t, s, http.MethodPost, "/omega/frame", gin.H{
			"session_id": sessionID,
			"namespace":  "bank.transfer",
			"seq":        1,
			"payload":    gin.H{"from": "COMET", "to": "FUN", "amount": 10},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, body = %s", w.Code, w.Body.String())
		}

		var ack frameAck
		if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if !ack.Handled {
			t.Error("Handled = false, want true")
		}
		if ack.Subsystem != "omega.bank.infinity" {
			t.Errorf("Subsystem = %q, want %q", ack.Subsystem, "omega.bank.infinity")
		}
		if ack.Result == nil {
			t.Fatal("Resultがnull")
		}
		if got := ack.Result.Balances["COMET"]; got != 90 {
			t.Errorf("COMET残高 = %d, want 90", got)
		}
		if got := ack.Result.Balances["FUN"]; got != 10 {
			t.Errorf("FUN残高 = %d, want 10", got)
		}
	})

	t.Run("振替直後のbank.balanceフレームで更新後の残高が返ること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, map[string]bool{"9132077554": true})
		s := newTestServer(t, backend.URL, map[string]int64{"COMET": 100})
		sessionID := registeredSession(t, s, "9132077554")

		w := doJSON(t, s, http.MethodPost, "/omega/frame", gin.H{
			"session_id": sessionID,
			"namespace":  "bank.transfer",
			"payload":    gin.H{"from": "COMET", "to": "FUN", "amount": 10},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("振替ステータスコード = %d, body = %s", w.Code, w.Body.String())
		}

		w = doJSON(t, s, http.MethodPost, "/omega/frame", gin.H{
			"session_id": sessionID,
			"namespace":  "bank.balance",
			"payload":    gin.H{"account": "FUN"},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("照会ステータスコード = %d, body = %s", w.Code, w.Body.String())
		}

		var ack frameAck
		if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if ack.Result == nil || ack.Result.Balance == nil {
			t.Fatal("Result.Balanceがnull")
		}
		if *ack.Result.Balance != 10 {
			t.Errorf("FUN残高 = %d, want 10", *ack.Result.Balance)
		}
	})

	t.Run("未登場アカウントのbank.balanceフレームで残高0が返ること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, map[string]bool{"9132077554": true})
		s := newTestServer(t, backend.URL, nil)
		sessionID := registeredSession(t, s, "9132077554")

		w := doJSON(t, s, http.MethodPost, "/omega/frame", gin.H{
			"session_id": sessionID,
			"namespace":  "bank.balance",
			"payload":    gin.H{"account": "NEVER_SEEN"},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, body = %s", w.Code, w.Body.String())
		}

		var ack frameAck
		if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if ack.Result == nil || ack.Result.Balance == nil {
			t.Fatal("Result.Balanceがnull")
		}
		if *ack.Result.Balance != 0 {
			t.Errorf("残高 = %d, want 0", *ack.Result.Balance)
		}
	})

	t.Run("残高不足の振替で409と現在残高が返ること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, map[string]bool{"9132077554": true})
		s := newTestServer(t, backend.URL, map[string]int64{"COMET": 5})
		sessionID := registeredSession(t, s, "9132077554")

		w := doJSON(t, s, http.MethodPost, "/omega/frame", gin.H{
			"session_id": sessionID,
			"namespace":  "bank.transfer",
			"payload":    gin.H{"from": "COMET", "to": "FUN", "amount": 10},
		})
		if w.Code != http.StatusConflict {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusConflict)
		}

		var body map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if got, ok := body["balance"].(float64); !ok || int64(got) != 5 {
			t.Errorf("balance = %v, want 5", body["balance"])
		}

		// 両アカウントの残高が変わっていないこと
		if got := s.ledger.Balance("COMET"); got != 5 {
			t.Errorf("COMET残高 = %d, want 5", got)
		}
		if got := s.ledger.Balance("FUN"); got != 0 {
			t.Errorf("FUN残高 = %d, want 0", got)
		}
	})

	t.Run("未知の名前空間のフレームが親ルートのスタブ応答になること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, map[string]bool{"9132077554": true})
		s := newTestServer(t, backend.URL, DefaultSeedBalances)
		sessionID := registeredSession(t, s, "9132077554")

		w := doJSON(t, s, http.MethodPost, "/omega/frame", gin.H{
			"session_id": sessionID,
			"namespace":  "mining.dispatch.exotic",
			"payload":    gin.H{"job": "silicon-rail-7"},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, body = %s", w.Code, w.Body.String())
		}

		var ack frameAck
		if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if ack.Handled {
			t.Error("Handled = true, want false")
		}
		if ack.ResolvedNamespace != "mining.dispatch" {
			t.Errorf("ResolvedNamespace = %q, want %q", ack.ResolvedNamespace, "mining.dispatch")
		}
		if ack.Subsystem != "omega.mining.dispatch" {
			t.Errorf("Subsystem = %q, want %q", ack.Subsystem, "omega.mining.dispatch")
		}
	})

	t.Run("どのルートにも一致しない名前空間がデフォルトの未実装応答になること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, map[string]bool{"9132077554": true})
		s := newTestServer(t, backend.URL, DefaultSeedBalances)
		sessionID := registeredSession(t, s, "9132077554")

		w := doJSON(t, s, http.MethodPost, "/omega/frame", gin.H{
			"session_id": sessionID,
			"namespace":  "teleport.instant",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, body = %s", w.Code, w.Body.String())
		}

		var ack frameAck
		if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if ack.Handled {
			t.Error("Handled = true, want false")
		}
		if ack.Subsystem != SubsystemUnimplemented {
			t.Errorf("Subsystem = %q, want %q", ack.Subsystem, SubsystemUnimplemented)
		}
		if ack.Note != "unimplemented: teleport.instant" {
			t.Errorf("Note = %q, want %q", ack.Note, "unimplemented: teleport.instant")
		}
	})

	t.Run("台帳フレームの不正なペイロードで400が返ること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, map[string]bool{"9132077554": true})
		s := newTestServer(t, backend.URL, DefaultSeedBalances)
		sessionID := registeredSession(t, s, "9132077554")

		// fromとtoが欠落
		w := doJSON(t, s, http.MethodPost, "/omega/frame", gin.H{
			"session_id": sessionID,
			"namespace":  "bank.transfer",
			"payload":    gin.H{"amount": 10},
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}

		// 操作種別を特定できない
		w = doJSON(t, s, http.MethodPost, "/omega/frame", gin.H{
			"session_id": sessionID,
			"namespace":  "bank",
			"payload":    gin.H{"foo": "bar"},
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("名前空間の欠落で400が返ること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, map[string]bool{"9132077554": true})
		s := newTestServer(t, backend.URL, DefaultSeedBalances)
		sessionID := registeredSession(t, s, "9132077554")

		w := doJSON(t, s, http.MethodPost, "/omega/frame", gin.H{
			"session_id": sessionID,
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleStatus はステータスエンドポイントを検証する。
func TestHandleStatus(t *testing.T) {
	t.Parallel()

	t.Run("セッション数と接続済みサービスが返ること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, map[string]bool{"9132077554": true})
		s := newTestServer(t, backend.URL, DefaultSeedBalances)

		w := doJSON(t, s, http.MethodGet, "/omega/status", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, body = %s", w.Code, w.Body.String())
		}
		var before statusResponse
		if err := json.Unmarshal(w.Body.Bytes(), &before); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if before.GatewayID == "" {
			t.Error("GatewayIDが空")
		}
		if before.SessionCount != 0 {
			t.Errorf("SessionCount = %d, want 0", before.SessionCount)
		}
		if len(before.WiredServices) == 0 {
			t.Error("WiredServicesが空")
		}

		registeredSession(t, s, "9132077554")

		w = doJSON(t, s, http.MethodGet, "/omega/status", nil)
		var after statusResponse
		if err := json.Unmarshal(w.Body.Bytes(), &after); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if after.SessionCount != 1 {
			t.Errorf("SessionCount = %d, want 1", after.SessionCount)
		}
	})
}

// TestHandleHealth はヘルスチェックエンドポイントを検証する。
func TestHandleHealth(t *testing.T) {
	t.Parallel()

	backend := newPresenceBackend(t, nil)
	s := newTestServer(t, backend.URL, nil)

	w := doJSON(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
}

// TestPhoneAuthEndpoints は電話番号認証エンドポイントを検証する。
func TestPhoneAuthEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("認証開始でトークンとプロバイダ一覧が返ること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, nil)
		s := newTestServer(t, backend.URL, nil)

		w := doJSON(t, s, http.MethodPost, "/auth/phone/start", gin.H{"phone": "9132077554"})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, body = %s", w.Code, w.Body.String())
		}

		var resp phoneStartResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if resp.SessionToken == "" {
			t.Error("セッショントークンが空")
		}
		if !resp.BiometricRequired {
			t.Error("BiometricRequired = false, want true")
		}
		if len(resp.Providers) == 0 {
			t.Error("Providersが空")
		}
	})

	t.Run("不正なトークンの確認で401が返ること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, nil)
		s := newTestServer(t, backend.URL, nil)

		w := doJSON(t, s, http.MethodPost, "/auth/phone/confirm", gin.H{
			"session_token":       "not-a-valid-token",
			"biometric_signature": "sig",
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}

		var resp phoneConfirmResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if resp.Status != "invalid_or_expired" {
			t.Errorf("Status = %q, want %q", resp.Status, "invalid_or_expired")
		}
	})

	t.Run("生体認証署名なしの確認で401が返ること", func(t *testing.T) {
		t.Parallel()

		backend := newPresenceBackend(t, nil)
		s := newTestServer(t, backend.URL, nil)

		w := doJSON(t, s, http.MethodPost, "/auth/phone/start", gin.H{"phone": "9132077554"})
		var start phoneStartResponse
		if err := json.Unmarshal(w.Body.Bytes(), &start); err != nil {
			t.Fatalf("認証開始レスポンスのパースに失敗: %v", err)
		}

		w = doJSON(t, s, http.MethodPost, "/auth/phone/confirm", gin.H{
			"session_token": start.SessionToken,
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}
