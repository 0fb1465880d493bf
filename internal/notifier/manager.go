package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nao1215/docnotify/pkg/metrics"
	"go.uber.org/zap"
)

// Manager は登録されたPreparerに通知を振り分ける。
type Manager struct {
	mu        sync.RWMutex
	preparers []Preparer
	logger    *zap.Logger
}

// NewManager は空のManagerを生成する。
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger}
}

// Register はPreparerを登録する。同じIDのPreparerは登録できない。
func (m *Manager) Register(p Preparer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.preparers {
		if existing.ID() == p.ID() {
			return fmt.Errorf("preparer %q は登録済みです", p.ID())
		}
	}
	m.preparers = append(m.preparers, p)
	m.logger.Info("Preparerを登録しました", zap.String("id", p.ID()), zap.String("name", p.Name()))
	return nil
}

// IDs は登録済みPreparerのIDを登録順に返す。
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.preparers))
	for _, p := range m.preparers {
		ids = append(ids, p.ID())
	}
	return ids
}

// Prepare は登録順にPreparerへ通知を渡し、最初に受け付けた結果を返す。
// ErrInvalidArgument を返したPreparerは通知を扱わないものとみなして次へ進む。
// どのPreparerも受け付けなかった場合は ErrInvalidArgument を返す。
func (m *Manager) Prepare(ctx context.Context, n Notification, languageCode string) (*Prepared, error) {
	m.mu.RLock()
	preparers := make([]Preparer, len(m.preparers))
	copy(preparers, m.preparers)
	m.mu.RUnlock()

	for _, p := range preparers {
		prepared, err := p.Prepare(ctx, n, languageCode)
		if errors.Is(err, ErrInvalidArgument) {
			continue
		}
		metrics.IncPrepared(n.App, resultLabel(err))
		return prepared, err
	}

	metrics.IncPrepared(n.App, metrics.ResultInvalidArgument)
	return nil, invalidArgument("notifier.Manager.Prepare", fmt.Errorf("アプリ %q を扱うpreparerがありません", n.App))
}

// resultLabel はエラーをメトリクスのラベル値に変換する。
func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultPrepared
	case errors.Is(err, ErrAlreadyProcessed):
		return metrics.ResultAlreadyProcessed
	case errors.Is(err, ErrServiceUnavailable):
		return metrics.ResultServiceUnavailable
	default:
		return metrics.ResultError
	}
}
