// Package event はサービス間でやり取りするイベントの型定義を提供する。
//
// ドキュメントエディタが発行するメンションイベントを
// メッセージキュー経由で通知サービスへ届けるために使用する。
package event
