// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// パニックリカバリ、CORS設定、電話番号アイデンティティを運ぶ
// 検証セッショントークン（JWT）の発行・検証など、gatewayとpresenceの
// 両サービスで共通して使用する処理を含む。
package middleware
