package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeFile はドキュメントファイルを表す。
	AggregateTypeFile AggregateType = "File"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeMentionCreated はドキュメントエディタのコメントでユーザーがメンションされたことを表す。
	TypeMentionCreated Type = "MentionCreated"
)

// RoutingKeyMentionCreated はMentionCreatedイベントを配送するAMQPルーティングキー。
const RoutingKeyMentionCreated = "mention.created"

// Event はサービス間でやり取りされる不変のイベントレコードを表す。
// メッセージキューにはこの構造体がJSONとして流れる。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version はAggregate内でのイベントの順序番号。
	Version int64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// MentionCreatedData はMentionCreatedイベントのデータ。
// エディタ側でコメント中のメンションが確定したときに発行される。
type MentionCreatedData struct {
	// App は通知を発行したアプリケーション名。
	App string `json:"app"`
	// NotifierID はメンションしたユーザーのID。
	NotifierID string `json:"notifier_id"`
	// Recipients はメンションされたユーザーIDの一覧。受信者ごとに通知が作られる。
	Recipients []string `json:"recipients"`
	// FileID はメンションが書かれたファイルのID。
	FileID int64 `json:"file_id"`
	// ObjectType は通知対象オブジェクトの種類。
	ObjectType string `json:"object_type"`
	// ObjectID は通知対象オブジェクトの識別子（コメントの抜粋）。
	ObjectID string `json:"object_id"`
	// ActionType はエディタで実行するアクションの種類（例: comment）。
	ActionType string `json:"action_type"`
	// ActionData はアクションに渡す不透明なデータ。
	ActionData string `json:"action_data"`
}
