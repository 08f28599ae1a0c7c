package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dlog-gold/omega-gateway/pkg/middleware"
)

// sweepInterval はアイドルセッション掃除の実行間隔。
const sweepInterval = time.Minute

// Server はOmegaゲートウェイサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービス設定。
	cfg *Config
	// gatewayID はこのプロセスの一意識別子。
	gatewayID string
	// bootTime はプロセスの起動日時。
	bootTime time.Time
	// registry はアクティブセッションのレジストリ。
	registry *Registry
	// routes は名前空間からサブシステムへのルートテーブル。
	routes *RouteTable
	// ledger はインメモリ残高台帳。
	ledger *Ledger
	// phoneAuth は電話番号認証セッションのマネージャ。
	phoneAuth *PhoneAuth
	// presence はpresenceサービスへのクライアント。
	presence *PresenceClient
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		loaded, err := LoadConfig()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS([]string{cfg.FrontendURL}))

	s := &Server{
		router:    router,
		cfg:       cfg,
		gatewayID: uuid.NewString(),
		bootTime:  time.Now(),
		registry:  NewRegistry(cfg.SessionIdleTTL),
		routes:    NewRouteTable(),
		ledger:    NewLedger(DefaultSeedBalances),
		phoneAuth: NewPhoneAuth(cfg.JWTSecret, cfg.PhoneAuthTTL),
		presence:  NewPresenceClient(cfg.PresenceBaseURL, cfg.PresenceLookupTimeout),
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	go s.sweepSessions()
	return s.router.Run(fmt.Sprintf(":%s", s.cfg.Port))
}

// sweepSessions はアイドル失効済みセッションを定期的に削除する。
func (s *Server) sweepSessions() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for range ticker.C {
		if removed := s.registry.Sweep(); removed > 0 {
			log.Printf("アイドルセッションを削除しました: %d件", removed)
		}
	}
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// 電話番号認証エンドポイント（認証不要）
	auth := s.router.Group("/auth/phone")
	{
		auth.POST("/start", s.handlePhoneStart())
		auth.POST("/confirm", s.handlePhoneConfirm())
	}

	// ゲートウェイ本体
	omega := s.router.Group("/omega")
	{
		// セッション登録（ハンドシェイク）
		omega.POST("/handshake", s.handleHandshake())
		// 状態フレームの受理とルーティング
		omega.POST("/frame", s.handleFrame())
		// 稼働状況スナップショット
		omega.GET("/status", s.handleStatus())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
}

// handshakeRequest はハンドシェイクリクエストのJSON構造。
type handshakeRequest struct {
	// Phone はアイデンティティ証明の電話番号。
	Phone string `json:"phone" binding:"required"`
	// SessionToken は電話番号認証で発行されたセッショントークン。
	SessionToken string `json:"session_token" binding:"required"`
	// ClientID はクライアントの自己申告識別子。
	ClientID string `json:"client_id"`
	// RequestedRoutes はクライアントが利用したい名前空間の一覧。
	RequestedRoutes []string `json:"requested_routes"`
}

// handshakeResponse はハンドシェイクレスポンスのJSON構造。
type handshakeResponse struct {
	// SessionID は登録されたセッションの識別子。
	SessionID string `json:"session_id"`
	// RouterEpochMs はゲートウェイの起動エポック（ミリ秒）。
	RouterEpochMs int64 `json:"router_epoch_ms"`
	// GrantedRoutes はクライアントに提示するルーティング情報。
	GrantedRoutes []RouteHint `json:"granted_routes"`
	// Identity は確認済みアイデンティティ。
	Identity Identity `json:"identity"`
}

// handleHandshake はセッション登録を処理するハンドラを返す。
// 電話番号認証トークンとpresenceサービスの両方でアイデンティティを確認する。
func (s *Server) handleHandshake() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req handshakeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		if _, err := s.phoneAuth.VerifiedIdentity(req.SessionToken, req.Phone); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "アイデンティティが確認できません"})
			return
		}

		identity, err := s.presence.LookupIdentity(c.Request.Context(), req.Phone)
		switch {
		case errors.Is(err, ErrUnknownIdentity):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "アイデンティティが確認できません"})
			return
		case errors.Is(err, ErrIdentityLookupTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "アイデンティティの照会がタイムアウトしました"})
			return
		case err != nil:
			c.JSON(http.StatusBadGateway, gin.H{"error": "presenceサービスとの通信に失敗しました"})
			log.Printf("presenceルックアップエラー: phone=%s, error=%v", req.Phone, err)
			return
		}

		session := s.registry.Register(*identity, req.ClientID)

		c.JSON(http.StatusOK, handshakeResponse{
			SessionID:     session.ID,
			RouterEpochMs: s.bootTime.UnixMilli(),
			GrantedRoutes: s.routes.Hints(req.RequestedRoutes),
			Identity:      session.Identity,
		})
	}
}

// frameRequest は状態フレームのJSON構造。
type frameRequest struct {
	// SessionID はフレームの属するセッション。
	SessionID string `json:"session_id" binding:"required"`
	// Namespace はフレームを処理するサブシステムを示す階層キー。
	Namespace string `json:"namespace" binding:"required"`
	// Seq はクライアント採番のシーケンス番号。
	Seq uint64 `json:"seq"`
	// Payload はサブシステム固有のペイロード。ルーティングまでは不透明なまま扱う。
	Payload json.RawMessage `json:"payload"`
}

// frameAck はフレーム受理応答のJSON構造。
// Handledによりスタブ応答と実処理を構造的に区別できる。
type frameAck struct {
	// SessionID はフレームの属するセッション。
	SessionID string `json:"session_id"`
	// Seq はリクエストのシーケンス番号をそのまま返す。
	Seq uint64 `json:"seq"`
	// Namespace は正規化済みの要求名前空間。
	Namespace string `json:"namespace"`
	// ResolvedNamespace は実際に一致したルートテーブルのキー。
	ResolvedNamespace string `json:"resolved_namespace,omitempty"`
	// Subsystem はフレームを処理する（はずの）サブシステム名。
	Subsystem string `json:"subsystem"`
	// Handled は実処理が行われたかどうか。falseはスタブ応答。
	Handled bool `json:"handled"`
	// Note は人間可読の補足。
	Note string `json:"note"`
	// Result は台帳操作の結果。台帳以外のフレームではnull。
	Result *ledgerResult `json:"result,omitempty"`
}

// ledgerResult は台帳操作の結果。
type ledgerResult struct {
	// Operation は実行された操作（"transfer"または"balance_query"）。
	Operation string `json:"operation"`
	// Account は残高照会の対象アカウント。
	Account string `json:"account,omitempty"`
	// Balance は残高照会の結果。
	Balance *int64 `json:"balance,omitempty"`
	// Balances は振替後の両アカウントの残高。
	Balances map[string]int64 `json:"balances,omitempty"`
}

// ledgerOpPayload は台帳サブシステム宛てペイロードのJSON構造。
type ledgerOpPayload struct {
	// Kind は操作種別。省略時は名前空間から推定する。
	Kind string `json:"kind"`
	// Account は残高照会の対象アカウント。
	Account string `json:"account"`
	// From は振替元アカウント。
	From string `json:"from"`
	// To は振替先アカウント。
	To string `json:"to"`
	// Amount は振替金額（ゴールド単位の整数）。
	Amount int64 `json:"amount"`
}

// handleFrame は状態フレームの受理とルーティングを処理するハンドラを返す。
func (s *Server) handleFrame() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req frameRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		if _, err := s.registry.Get(req.SessionID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "セッションが見つかりません。再ハンドシェイクしてください"})
			return
		}

		resolution := s.routes.Resolve(req.Namespace)

		// 台帳サブシステムのみ実処理。それ以外はスタブ応答を返す。
		if strings.HasPrefix(resolution.Route.Subsystem, "omega.bank") {
			s.dispatchLedgerFrame(c, req, resolution)
			return
		}

		note := fmt.Sprintf("unimplemented: %s", resolution.Namespace)
		if resolution.Matched != "" {
			note = fmt.Sprintf("stub: %s が %s を処理する予定", resolution.Route.Subsystem, resolution.Namespace)
		}

		c.JSON(http.StatusOK, frameAck{
			SessionID:         req.SessionID,
			Seq:               req.Seq,
			Namespace:         resolution.Namespace,
			ResolvedNamespace: resolution.Matched,
			Subsystem:         resolution.Route.Subsystem,
			Handled:           false,
			Note:              note,
		})
	}
}

// dispatchLedgerFrame は台帳サブシステム宛てフレームを処理する。
func (s *Server) dispatchLedgerFrame(c *gin.Context, req frameRequest, resolution Resolution) {
	var payload ledgerOpPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			log.Printf("フレーム拒否: namespace=%s, error=%v", resolution.Namespace, fmt.Errorf("%w: %v", ErrMalformedFrame, err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "フレームのペイロードが不正です"})
			return
		}
	}

	// 操作種別が省略された場合は名前空間から推定する
	op := payload.Kind
	if op == "" {
		switch resolution.Matched {
		case "bank.transfer":
			op = "transfer"
		case "bank.balance":
			op = "balance_query"
		}
	}

	switch op {
	case "transfer":
		s.handleLedgerTransfer(c, req, resolution, payload)
	case "balance_query":
		s.handleLedgerBalance(c, req, resolution, payload)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "台帳操作の種別を特定できません"})
	}
}

// handleLedgerTransfer はアカウント間振替を処理する。
func (s *Server) handleLedgerTransfer(c *gin.Context, req frameRequest, resolution Resolution, payload ledgerOpPayload) {
	if payload.From == "" || payload.To == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "振替にはfromとtoが必要です"})
		return
	}

	fromBalance, toBalance, err := s.ledger.Transfer(payload.From, payload.To, payload.Amount)
	if err != nil {
		var insufficientErr *InsufficientFundsError
		switch {
		case errors.As(err, &insufficientErr):
			c.JSON(http.StatusConflict, gin.H{
				"error":     "残高不足のため振替を拒否しました",
				"account":   insufficientErr.Account,
				"balance":   insufficientErr.Balance,
				"requested": insufficientErr.Requested,
			})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "振替金額は正の整数である必要があります"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "振替に失敗しました"})
			log.Printf("振替エラー: from=%s, to=%s, error=%v", payload.From, payload.To, err)
		}
		return
	}

	c.JSON(http.StatusOK, frameAck{
		SessionID:         req.SessionID,
		Seq:               req.Seq,
		Namespace:         resolution.Namespace,
		ResolvedNamespace: resolution.Matched,
		Subsystem:         resolution.Route.Subsystem,
		Handled:           true,
		Note:              fmt.Sprintf("bank::transfer %d %s -> %s", payload.Amount, payload.From, payload.To),
		Result: &ledgerResult{
			Operation: "transfer",
			Balances: map[string]int64{
				payload.From: fromBalance,
				payload.To:   toBalance,
			},
		},
	})
}

// handleLedgerBalance は残高照会を処理する。未登場のアカウントは残高0を返す。
func (s *Server) handleLedgerBalance(c *gin.Context, req frameRequest, resolution Resolution, payload ledgerOpPayload) {
	if payload.Account == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "残高照会にはaccountが必要です"})
		return
	}

	balance := s.ledger.Balance(payload.Account)

	c.JSON(http.StatusOK, frameAck{
		SessionID:         req.SessionID,
		Seq:               req.Seq,
		Namespace:         resolution.Namespace,
		ResolvedNamespace: resolution.Matched,
		Subsystem:         resolution.Route.Subsystem,
		Handled:           true,
		Note:              fmt.Sprintf("bank::balance %s = %d", payload.Account, balance),
		Result: &ledgerResult{
			Operation: "balance_query",
			Account:   payload.Account,
			Balance:   &balance,
		},
	})
}

// statusResponse は稼働状況スナップショットのJSON構造。
type statusResponse struct {
	// GatewayID はこのプロセスの一意識別子。
	GatewayID string `json:"gateway_id"`
	// BootTime はプロセスの起動日時。
	BootTime time.Time `json:"boot_time"`
	// UptimeMs は起動からの経過時間（ミリ秒）。
	UptimeMs int64 `json:"uptime_ms"`
	// SessionCount は呼び出し時点のアクティブセッション数。
	SessionCount int `json:"session_count"`
	// WiredServices はルートテーブルに接続されたサブシステム名の一覧。
	WiredServices []string `json:"wired_services"`
}

// handleStatus は稼働状況スナップショットを返すハンドラを返す。副作用はない。
func (s *Server) handleStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, statusResponse{
			GatewayID:     s.gatewayID,
			BootTime:      s.bootTime,
			UptimeMs:      time.Since(s.bootTime).Milliseconds(),
			SessionCount:  s.registry.Len(),
			WiredServices: s.routes.Subsystems(),
		})
	}
}

// phoneStartRequest は電話番号認証開始リクエストのJSON構造。
type phoneStartRequest struct {
	// Phone は認証対象の電話番号。
	Phone string `json:"phone" binding:"required"`
	// Label はアカウントラベル。省略時は"comet"。
	Label string `json:"label"`
	// DisplayName は表示名。省略時は電話番号から生成する。
	DisplayName string `json:"display_name"`
}

// phoneStartResponse は電話番号認証開始レスポンスのJSON構造。
type phoneStartResponse struct {
	// SessionToken は確認・ハンドシェイクで使用するセッショントークン。
	SessionToken string `json:"session_token"`
	// ExpiresInMs はトークンの有効期間（ミリ秒）。
	ExpiresInMs int64 `json:"expires_in_ms"`
	// Providers は利用可能な確認プロバイダ。
	Providers []string `json:"providers"`
	// BiometricRequired は生体認証が必須かどうか。
	BiometricRequired bool `json:"biometric_required"`
	// Instructions はクライアント向けの手順説明。
	Instructions string `json:"instructions"`
}

// handlePhoneStart は電話番号認証セッションの開始を処理するハンドラを返す。
func (s *Server) handlePhoneStart() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req phoneStartRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		phone := strings.TrimSpace(req.Phone)
		label := req.Label
		if label == "" {
			label = "comet"
		}
		displayName := req.DisplayName
		if displayName == "" {
			displayName = fmt.Sprintf("Ω %s", phone)
		}

		token, expiresAt, err := s.phoneAuth.StartSession(phone, label, displayName)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "認証セッションの開始に失敗しました"})
			log.Printf("認証セッション開始エラー: phone=%s, error=%v", phone, err)
			return
		}

		c.JSON(http.StatusOK, phoneStartResponse{
			SessionToken:      token,
			ExpiresInMs:       time.Until(expiresAt).Milliseconds(),
			Providers:         []string{"google", "apple"},
			BiometricRequired: true,
			Instructions:      "Apple IDまたはGoogleを選択し、デバイスの生体認証を完了してから /auth/phone/confirm を呼び出してください。",
		})
	}
}

// phoneConfirmRequest は電話番号認証確認リクエストのJSON構造。
type phoneConfirmRequest struct {
	// SessionToken は認証開始時に発行されたトークン。
	SessionToken string `json:"session_token" binding:"required"`
	// BiometricSignature はデバイスの生体認証署名。
	BiometricSignature string `json:"biometric_signature"`
}

// phoneConfirmResponse は電話番号認証確認レスポンスのJSON構造。
type phoneConfirmResponse struct {
	// Status は"verified"または"invalid_or_expired"。
	Status string `json:"status"`
	// Phone は確認された電話番号。失敗時は空。
	Phone string `json:"phone,omitempty"`
	// Verified は確認に成功したかどうか。
	Verified bool `json:"verified"`
}

// handlePhoneConfirm は電話番号認証の確認を処理するハンドラを返す。
// 確認に成功したアイデンティティはpresenceサービスにベストエフォートで登録する。
func (s *Server) handlePhoneConfirm() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req phoneConfirmRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		identity, err := s.phoneAuth.ConfirmSession(req.SessionToken, req.BiometricSignature)
		if err != nil {
			c.JSON(http.StatusUnauthorized, phoneConfirmResponse{
				Status:   "invalid_or_expired",
				Verified: false,
			})
			return
		}

		// presence登録の失敗でクライアントの確認フローを止めない
		if err := s.presence.RegisterWeb(c.Request.Context(), *identity, req.SessionToken); err != nil {
			log.Printf("presence登録エラー: phone=%s, error=%v", identity.Phone, err)
		}

		c.JSON(http.StatusOK, phoneConfirmResponse{
			Status:   "verified",
			Phone:    identity.Phone,
			Verified: true,
		})
	}
}
