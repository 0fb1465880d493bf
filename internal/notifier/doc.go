// Package notifier はドキュメント内のメンション通知を、受信者の言語で表示できる形に整える。
//
// 通知ストアに保存された生のメンションレコードを受け取り、参照先ファイルの存在と
// 受信者のアクセス権をファイルサービスに問い合わせて確認する。確認できた通知だけを
// 件名・リッチパラメータ・アイコン・エディタへのリンク付きの Prepared に変換する。
// ファイルが消えた、または受信者が共有から外れた通知は ErrAlreadyProcessed を返し、
// 呼び出し側に破棄を促す。
//
// Manager は複数の Notifier をアプリ名で振り分けるレジストリである。
package notifier
