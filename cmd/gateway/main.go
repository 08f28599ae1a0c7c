// Omegaゲートウェイサービスのエントリポイント。
// セッション登録（ハンドシェイク）、状態フレームのルーティング、
// インメモリ残高台帳、稼働状況の報告を担当する。
package main

import (
	"log"

	"github.com/dlog-gold/omega-gateway/internal/gateway"
)

func main() {
	cfg, err := gateway.LoadConfig()
	if err != nil {
		log.Fatalf("ゲートウェイ設定の読み込みに失敗: %v", err)
	}

	server, err := gateway.NewServer(cfg)
	if err != nil {
		log.Fatalf("ゲートウェイサーバーの初期化に失敗: %v", err)
	}

	log.Printf("ゲートウェイサービスを起動します: :%s", cfg.Port)
	if err := server.Run(); err != nil {
		log.Fatalf("ゲートウェイサービスの起動に失敗: %v", err)
	}
}
