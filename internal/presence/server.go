package presence

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/caarlos0/env/v11"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dlog-gold/omega-gateway/pkg/middleware"
)

// Config はpresenceサービスの設定。環境変数から読み込む。
type Config struct {
	// Port はサーバーのリッスンポート。
	Port string `env:"PORT" envDefault:"4000"`
	// DBPath はSQLiteデータベースファイルのパス。
	DBPath string `env:"PRESENCE_DB_PATH" envDefault:"/data/presence.db"`
}

// LoadConfig は環境変数から設定を読み込む。
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}
	return cfg, nil
}

// validStates はハートビートで受理する在席状態の一覧。
var validStates = map[string]struct{}{
	"online":  {},
	"idle":    {},
	"offline": {},
}

// Server はpresenceサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// queries はプレゼンスレコードのクエリ実行オブジェクト。
	queries *Queries
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewServer は新しいpresenceサーバーを生成する。
// SQLiteデータベースの初期化とスキーマ作成を行う。
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		loaded, err := LoadConfig()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", cfg.DBPath)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:  router,
		port:    cfg.Port,
		queries: NewQueries(sqlDB),
		db:      sqlDB,
	}
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	presence := s.router.Group("/presence")
	{
		// Webフロー経由の登録
		presence.POST("/web", s.handleRegisterWeb())
		// Minecraftクライアント（Mojangアカウント）経由の登録
		presence.POST("/mojang", s.handleRegisterMojang())
		// 在席状態のハートビート更新
		presence.POST("/heartbeat", s.handleHeartbeat())
		// 電話番号によるルックアップ
		presence.GET("/:phone", s.handleLookup())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "presence"})
	})
}

// webPresenceRequest はWebフロー経由の登録リクエストのJSON構造。
type webPresenceRequest struct {
	// Phone は電話番号。
	Phone string `json:"phone" binding:"required"`
	// Label はアカウントラベル。
	Label string `json:"label" binding:"required"`
	// SessionToken は認証フローで発行されたセッショントークン。
	SessionToken string `json:"session_token" binding:"required"`
	// DisplayName は表示名。
	DisplayName string `json:"display_name" binding:"required"`
}

// handleRegisterWeb はWebフロー経由のプレゼンス登録を処理するハンドラを返す。
func (s *Server) handleRegisterWeb() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req webPresenceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		record := Record{
			Phone:       req.Phone,
			Label:       req.Label,
			DisplayName: req.DisplayName,
			Source:      "web",
			SessionID:   req.SessionToken,
			State:       "online",
		}
		if err := s.queries.UpsertRecord(c.Request.Context(), record); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プレゼンスレコードの保存に失敗しました"})
			log.Printf("プレゼンス登録エラー: phone=%s, error=%v", req.Phone, err)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

// mojangPresenceRequest はMojangアカウント経由の登録リクエストのJSON構造。
type mojangPresenceRequest struct {
	// GamerTag はMinecraft内の表示タグ。
	GamerTag string `json:"gamer_tag" binding:"required"`
	// MojangUUID はMojangアカウントのUUID。
	MojangUUID string `json:"mojang_uuid" binding:"required"`
	// Phone は電話番号。
	Phone string `json:"phone" binding:"required"`
	// Label はアカウントラベル。
	Label string `json:"label" binding:"required"`
	// DisplayName は表示名。省略時はGamerTagを使用する。
	DisplayName string `json:"display_name"`
}

// handleRegisterMojang はMojangアカウント経由のプレゼンス登録を処理するハンドラを返す。
func (s *Server) handleRegisterMojang() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req mojangPresenceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		displayName := req.DisplayName
		if displayName == "" {
			displayName = req.GamerTag
		}

		record := Record{
			Phone:       req.Phone,
			Label:       req.Label,
			DisplayName: displayName,
			Source:      "mojang",
			SessionID:   uuid.NewString(),
			State:       "online",
		}
		if err := s.queries.UpsertRecord(c.Request.Context(), record); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プレゼンスレコードの保存に失敗しました"})
			log.Printf("プレゼンス登録エラー: phone=%s, error=%v", req.Phone, err)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

// heartbeatRequest はハートビートリクエストのJSON構造。
type heartbeatRequest struct {
	// SessionID は登録時のセッション識別子。
	SessionID string `json:"session_id" binding:"required"`
	// State は新しい在席状態。
	State string `json:"state" binding:"required"`
}

// handleHeartbeat は在席状態のハートビート更新を処理するハンドラを返す。
func (s *Server) handleHeartbeat() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req heartbeatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		if _, ok := validStates[req.State]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "在席状態が不正です"})
			return
		}

		affected, err := s.queries.UpdateStateBySessionID(c.Request.Context(), req.SessionID, req.State)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "在席状態の更新に失敗しました"})
			log.Printf("ハートビートエラー: session_id=%s, error=%v", req.SessionID, err)
			return
		}
		if affected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "セッションが見つかりません"})
			return
		}

		c.Status(http.StatusNoContent)
	}
}

// lookupResponse はルックアップレスポンスのJSON構造。
type lookupResponse struct {
	// Status は"ok"または"not_found"。
	Status string `json:"status"`
	// Record はプレゼンスレコード。未登録の場合はnull。
	Record *Record `json:"record"`
}

// handleLookup は電話番号によるプレゼンスルックアップを処理するハンドラを返す。
// 未登録の場合も200で応答し、statusフィールドで判別させる。
func (s *Server) handleLookup() gin.HandlerFunc {
	return func(c *gin.Context) {
		phone := c.Param("phone")

		record, err := s.queries.GetRecord(c.Request.Context(), phone)
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusOK, lookupResponse{Status: "not_found", Record: nil})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プレゼンスレコードの取得に失敗しました"})
			log.Printf("ルックアップエラー: phone=%s, error=%v", phone, err)
			return
		}

		c.JSON(http.StatusOK, lookupResponse{Status: "ok", Record: &record})
	}
}
