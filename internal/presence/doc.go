// Package presence はプレゼンス／アイデンティティ照会サービスの内部実装を提供する。
//
// 電話番号をキーとするプレゼンスレコードの登録（Web・Mojang経由）、
// ハートビートによる在席状態の更新、ゲートウェイからのルックアップを担当する。
// レコードはSQLiteに保存する。
package presence
