// Package httpclient はサービス間でJSONを取得するHTTPクライアントを提供する。
//
// 通知サービスがファイルサービスのAPI（ファイル検索、アクセスリスト、
// ユーザーディレクトリ）を呼び出す際に使用する。認証トークンは
// TokenSource でリクエストごとに発行する。
package httpclient
