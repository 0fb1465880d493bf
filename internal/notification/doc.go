// Package notification は通知サービスの内部実装を提供する。
//
// ドキュメントエディタで発生したメンションを生のレコードとして保存し、
// 一覧取得のたびに notifier.Manager で受信者の言語に準備して返す。
// 参照先ファイルが消えたり共有が外れたりして古くなった通知は、一覧取得時に削除する。
// メンションは内部APIか、メッセージキューのMentionCreatedイベントから登録される。
package notification
