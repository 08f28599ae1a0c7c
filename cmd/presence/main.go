// presenceサービスのエントリポイント。
// 電話番号をキーとするプレゼンスレコードの登録・更新・ルックアップを担当する。
package main

import (
	"log"

	"github.com/dlog-gold/omega-gateway/internal/presence"
)

func main() {
	cfg, err := presence.LoadConfig()
	if err != nil {
		log.Fatalf("presence設定の読み込みに失敗: %v", err)
	}

	server, err := presence.NewServer(cfg)
	if err != nil {
		log.Fatalf("presenceサーバーの初期化に失敗: %v", err)
	}

	log.Printf("presenceサービスを起動します: :%s", cfg.Port)
	if err := server.Run(); err != nil {
		log.Fatalf("presenceサービスの起動に失敗: %v", err)
	}
}
