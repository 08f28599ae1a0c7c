package presence

import (
	"context"
	"database/sql"
	"fmt"
)

// Record はプレゼンスレコードを表す。
type Record struct {
	// Phone は電話番号（アイデンティティキー）。
	Phone string `json:"phone"`
	// Label はアカウントラベル。
	Label string `json:"label"`
	// DisplayName は表示名。
	DisplayName string `json:"display_name"`
	// Source は登録元（"web" または "mojang"）。
	Source string `json:"source"`
	// SessionID は登録時のセッション識別子。
	SessionID string `json:"session_id"`
	// State は在席状態。
	State string `json:"state"`
	// UpdatedAt は最終更新日時（SQLiteのdatetime文字列）。
	UpdatedAt string `json:"updated_at"`
}

// Queries はプレゼンスレコードのクエリ実行オブジェクト。
type Queries struct {
	db *sql.DB
}

// NewQueries は新しいクエリ実行オブジェクトを生成する。
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// UpsertRecord はプレゼンスレコードを登録または更新する。電話番号をキーとする。
func (q *Queries) UpsertRecord(ctx context.Context, record Record) error {
	const query = `
INSERT INTO presence_records (phone, label, display_name, source, session_id, state, updated_at)
VALUES (?, ?, ?, ?, ?, ?, datetime('now'))
ON CONFLICT(phone) DO UPDATE SET
    label = excluded.label,
    display_name = excluded.display_name,
    source = excluded.source,
    session_id = excluded.session_id,
    state = excluded.state,
    updated_at = datetime('now')
`
	if _, err := q.db.ExecContext(ctx, query,
		record.Phone, record.Label, record.DisplayName, record.Source, record.SessionID, record.State,
	); err != nil {
		return fmt.Errorf("プレゼンスレコードの保存に失敗: %w", err)
	}
	return nil
}

// GetRecord は電話番号に対応するプレゼンスレコードを取得する。
// 未登録の場合はsql.ErrNoRowsを返す。
func (q *Queries) GetRecord(ctx context.Context, phone string) (Record, error) {
	const query = `
SELECT phone, label, display_name, source, session_id, state, updated_at
FROM presence_records
WHERE phone = ?
`
	var record Record
	err := q.db.QueryRowContext(ctx, query, phone).Scan(
		&record.Phone, &record.Label, &record.DisplayName,
		&record.Source, &record.SessionID, &record.State, &record.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// UpdateStateBySessionID はセッション識別子に対応するレコードの在席状態を更新する。
// 更新された行数を返す。
func (q *Queries) UpdateStateBySessionID(ctx context.Context, sessionID, state string) (int64, error) {
	const query = `
UPDATE presence_records
SET state = ?, updated_at = datetime('now')
WHERE session_id = ?
`
	result, err := q.db.ExecContext(ctx, query, state, sessionID)
	if err != nil {
		return 0, fmt.Errorf("在席状態の更新に失敗: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新行数の取得に失敗: %w", err)
	}
	return affected, nil
}
