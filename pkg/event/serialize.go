package event

import (
	"encoding/json"
	"fmt"
)

// Decode はメッセージボディをイベントにデシリアライズする。
func Decode(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("イベントのデシリアライズに失敗: %w", err)
	}
	if ev.EventType == "" {
		return nil, fmt.Errorf("イベントタイプが空です")
	}
	return &ev, nil
}

// DecodeData はイベントのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
