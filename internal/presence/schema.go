package presence

import (
	"database/sql"
	"fmt"
)

// スキーマ定義。
const schema = `
CREATE TABLE IF NOT EXISTS presence_records (
    -- 電話番号（アイデンティティキー）
    phone TEXT PRIMARY KEY,
    -- アカウントラベル
    label TEXT NOT NULL,
    -- 表示名
    display_name TEXT NOT NULL,
    -- 登録元（"web" または "mojang"）
    source TEXT NOT NULL,
    -- 登録時のセッション識別子
    session_id TEXT NOT NULL,
    -- 在席状態（"online" / "idle" / "offline"）
    state TEXT NOT NULL DEFAULT 'online',
    -- 最終更新日時
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

-- セッション識別子での検索（ハートビート）を高速化するインデックス。
CREATE INDEX IF NOT EXISTS idx_presence_session_id
    ON presence_records(session_id);
`

// initSchema はSQLiteデータベースにスキーマを適用する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
