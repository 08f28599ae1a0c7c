// Package gateway はOmegaゲートウェイサービスの内部実装を提供する。
//
// ゲームクライアントからのハンドシェイク（セッション登録）、
// ティックごとの状態フレームの受理とサブシステムへのルーティング、
// インメモリ残高台帳への振替・照会、稼働状況の報告を担当する。
// アイデンティティの確認は外部のpresenceサービスに委譲する。
package gateway
