package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nao1215/docnotify/internal/notifier"
	"github.com/nao1215/docnotify/pkg/event"
	"github.com/nao1215/docnotify/pkg/metrics"
	"github.com/nao1215/docnotify/pkg/mq"
	"go.uber.org/zap"
)

// メンションイベントの処理結果のラベル値。
const (
	consumedStored   = "stored"
	consumedRejected = "rejected"
	consumedFailed   = "failed"
)

// mentionNamespace は受信者ごとの通知IDを導出するためのUUID名前空間。
// 同じイベントが再配送されても同じIDになり、通知が重複しない。
var mentionNamespace = uuid.MustParse("7c0f5d4e-3b1a-4f8e-9a6d-2e5b8c1f0a93")

// mentionNotificationID はイベントIDと受信者から通知IDを導出する。
func mentionNotificationID(eventID, recipient string) string {
	return uuid.NewSHA1(mentionNamespace, []byte(eventID+"\x00"+recipient)).String()
}

// handleMentionEvent はMentionCreatedイベントを受け取り、受信者ごとに通知を保存する。
// 解釈できないイベントは mq.ErrReject を返して破棄させ、保存の失敗はそのまま返して再配送させる。
func (s *Server) handleMentionEvent(ctx context.Context, body []byte) error {
	notifications, err := s.mentionNotifications(body)
	if err != nil {
		metrics.IncMentionConsumed(consumedRejected)
		return fmt.Errorf("%w: %v", mq.ErrReject, err)
	}

	for _, n := range notifications {
		if err := s.store.Create(ctx, n); err != nil {
			metrics.IncMentionConsumed(consumedFailed)
			return err
		}
	}

	metrics.IncMentionConsumed(consumedStored)
	s.logger.Info("メンション通知を登録しました", zap.Int("recipients", len(notifications)))
	return nil
}

// mentionNotifications はイベントを受信者ごとの通知に変換する。
// 受信者の重複と空文字列、メンションした本人は除く。
func (s *Server) mentionNotifications(body []byte) ([]notifier.Notification, error) {
	ev, err := event.Decode(body)
	if err != nil {
		return nil, err
	}
	if ev.EventType != event.TypeMentionCreated {
		return nil, fmt.Errorf("想定外のイベントタイプです: %s", ev.EventType)
	}
	if ev.ID == "" {
		return nil, errors.New("イベントIDが空です")
	}

	data, err := event.DecodeData[event.MentionCreatedData](ev)
	if err != nil {
		return nil, err
	}
	if data.App == "" {
		return nil, errors.New("アプリ名が空です")
	}

	params := notifier.SubjectParameters{
		NotifierID: data.NotifierID,
		FileID:     data.FileID,
		ActionLink: notifier.ActionLink{Action: notifier.Action{Type: data.ActionType, Data: data.ActionData}},
	}
	if err := s.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("件名パラメータが不正です: %w", err)
	}

	seen := make(map[string]struct{}, len(data.Recipients))
	notifications := make([]notifier.Notification, 0, len(data.Recipients))
	for _, recipient := range data.Recipients {
		if recipient == "" || recipient == data.NotifierID {
			continue
		}
		if _, ok := seen[recipient]; ok {
			continue
		}
		seen[recipient] = struct{}{}

		notifications = append(notifications, notifier.Notification{
			ID:         mentionNotificationID(ev.ID, recipient),
			App:        data.App,
			User:       recipient,
			ObjectType: valueOr(data.ObjectType, defaultObjectType),
			ObjectID:   data.ObjectID,
			Subject:    defaultSubject,
			Parameters: params,
			CreatedAt:  ev.CreatedAt,
		})
	}
	if len(notifications) == 0 {
		return nil, errors.New("受信者がいません")
	}
	return notifications, nil
}
