// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// gatewayがpresenceサービスのAPIを呼び出す際に使用する。
// タイムアウト付きのJSONリクエストと、ステータスコードを保持した
// 型付きエラー（StatusError）により、呼び出し側が404等を判別できる。
package httpclient
