package notifier

import (
	"context"
	"slices"
	"time"
)

// Notification は通知ストアに保存される生の通知レコード。
// 準備処理の間は変更されない。
type Notification struct {
	// ID は通知の識別子。
	ID string `json:"id" db:"id"`
	// App は通知を発行したアプリ名。
	App string `json:"app" db:"app"`
	// User は通知の受信者のユーザーID。
	User string `json:"user" db:"user_id"`
	// ObjectType は通知対象のオブジェクト種別。
	ObjectType string `json:"object_type" db:"object_type"`
	// ObjectID はメンション箇所の引用テキスト。件名にそのまま埋め込まれる。
	ObjectID string `json:"object_id" db:"object_id"`
	// Subject は件名キー（"mention_info" など）。
	Subject string `json:"subject" db:"subject"`
	// Parameters は件名パラメータ。
	Parameters SubjectParameters `json:"subject_params" db:"-"`
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	// IsRead は既読かどうか。
	IsRead bool `json:"is_read" db:"is_read"`
}

// SubjectParameters はメンション通知の件名パラメータ。
type SubjectParameters struct {
	// NotifierID はメンションしたユーザーのID。
	NotifierID string `json:"notifierId" validate:"required"`
	// FileID はメンションが書かれたファイルのID。
	FileID int64 `json:"fileId" validate:"required,gt=0"`
	// ActionLink はエディタで開いたときに実行するアクション。
	ActionLink ActionLink `json:"actionLink"`
}

// ActionLink はエディタに渡すアクションの入れ物。
type ActionLink struct {
	Action Action `json:"action"`
}

// Action はエディタがメンション箇所へ移動するためのアクション。
type Action struct {
	// Type はアクション種別（"comment" など）。
	Type string `json:"type" validate:"required"`
	// Data はアクション固有のデータ。エディタにそのまま渡す。
	Data string `json:"data" validate:"required"`
}

// File はファイルサービスから取得したファイル。
type File struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

// AccessList はファイルにアクセスできるユーザーの一覧。
type AccessList struct {
	Users []string `json:"users"`
}

// Contains はuserIDがアクセスリストに含まれるかどうかを返す。
func (a *AccessList) Contains(userID string) bool {
	if a == nil {
		return false
	}
	return slices.Contains(a.Users, userID)
}

// RichObject はリッチ件名のプレースホルダーが参照するオブジェクト。
type RichObject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Prepared は表示用に準備された通知。
// 参照先ファイルが存在し、受信者がアクセスできる場合にだけ生成される。
type Prepared struct {
	Notification
	// Icon はアプリアイコンの絶対URL。
	Icon string `json:"icon"`
	// ParsedSubject は受信者の言語に翻訳したプレーンテキストの件名。
	ParsedSubject string `json:"parsed_subject"`
	// RichSubject は {notifier} と {file} を含む翻訳済みのリッチ件名。
	RichSubject string `json:"rich_subject"`
	// RichParameters はリッチ件名のプレースホルダーに対応するオブジェクト。
	RichParameters map[string]RichObject `json:"rich_parameters"`
	// Link はエディタでメンション箇所を開く絶対URL。
	Link string `json:"link"`
}

// FileLookup はユーザーから見えるファイルを検索する。
// 見つからない場合は ErrNotFound を返す。
type FileLookup interface {
	FileByID(ctx context.Context, userID string, fileID int64) (*File, error)
}

// AccessLister はファイルにアクセスできるユーザーの一覧を返す。
type AccessLister interface {
	AccessList(ctx context.Context, file *File) (*AccessList, error)
}

// UserDirectory はユーザーの表示名を返す。
// ユーザーが存在しない場合は ErrNotFound を返す。
type UserDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Translator は言語コードに応じて文字列を翻訳し、引数を埋め込む。
type Translator interface {
	T(lang, text string, args ...any) string
}

// LinkBuilder は絶対URLを組み立てる。
type LinkBuilder interface {
	AbsoluteURL(path string) string
	ImagePath(app, image string) string
	LinkToRouteAbsolute(route string, params map[string]string) (string, error)
}

// Preparer は通知を表示用に準備するアプリごとの実装。
type Preparer interface {
	// ID はPreparerを識別するアプリ名を返す。
	ID() string
	// Name は表示用の名前を返す。
	Name() string
	// Prepare は通知を受信者の言語で準備する。
	Prepare(ctx context.Context, notification Notification, languageCode string) (*Prepared, error)
}
