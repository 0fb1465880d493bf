// Package files はファイルツリー・共有・ユーザーディレクトリを提供するファイルサービスを実装する。
//
// 通知サービスはメンション通知を表示する前に、このサービスへ参照先ファイルの存在と
// 受信者のアクセス権を問い合わせる。フォルダの共有は配下のファイルすべてに及ぶ。
// Client は notifier.FileLookup・notifier.AccessLister・notifier.UserDirectory を実装する。
package files
