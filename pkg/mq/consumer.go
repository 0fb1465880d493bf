// Package mq はRabbitMQからイベントを受信するコンシューマを提供する。
package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrReject はメッセージを再配送せずに破棄すべきことを表す。
// ハンドラがこのエラーをラップして返すと、メッセージはrequeueなしでnackされる。
var ErrReject = errors.New("メッセージを破棄します")

// Handler は受信したメッセージボディを処理する関数。
type Handler func(ctx context.Context, body []byte) error

// Config はコンシューマの接続設定。
type Config struct {
	// URL はAMQP接続URL。
	URL string
	// Exchange はバインドするトピックエクスチェンジ名。
	Exchange string
	// Queue は宣言するキュー名。
	Queue string
	// RoutingKey はキューをバインドするルーティングキー。
	RoutingKey string
	// Prefetch は未ackで受け取るメッセージの上限。
	Prefetch int
	// RetryAttempts は接続の再試行回数。
	RetryAttempts int
	// RetryDelay は最初の再試行までの待ち時間。以降は倍々に伸ばす。
	RetryDelay time.Duration
}

// maxRetryDelay は再試行間隔の上限。
const maxRetryDelay = 60 * time.Second

// Consumer は1つのキューからメッセージを受信するコンシューマ。
type Consumer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	cfg     Config
	logger  *zap.Logger
}

// Dial はRabbitMQに接続し、エクスチェンジとキューを宣言してバインドする。
// 接続に失敗した場合は指数バックオフで再試行する。
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}

	conn, err := dialWithRetry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("チャネルのオープンに失敗: %w", err)
	}

	if err := declare(ch, cfg); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	logger.Info("コンシューマを初期化しました",
		zap.String("exchange", cfg.Exchange),
		zap.String("queue", cfg.Queue),
		zap.String("routing_key", cfg.RoutingKey),
	)

	return &Consumer{conn: conn, channel: ch, cfg: cfg, logger: logger}, nil
}

// dialWithRetry はコンテキストのキャンセルを尊重しながら接続を再試行する。
func dialWithRetry(ctx context.Context, cfg Config, logger *zap.Logger) (*amqp091.Connection, error) {
	var lastErr error
	delay := cfg.RetryDelay
	for attempt := 1; attempt <= cfg.RetryAttempts; attempt++ {
		conn, err := amqp091.Dial(cfg.URL)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		logger.Warn("RabbitMQへの接続に失敗しました",
			zap.Int("attempt", attempt),
			zap.Duration("sleep", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("接続がキャンセルされました: %w", ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
	return nil, fmt.Errorf("RabbitMQへの接続に%d回失敗: %w", cfg.RetryAttempts, lastErr)
}

// declare はトピックエクスチェンジと永続キューを宣言してバインドする。
func declare(ch *amqp091.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("エクスチェンジの宣言に失敗: %w", err)
	}
	q, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("キューの宣言に失敗: %w", err)
	}
	if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("キューのバインドに失敗: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("QoSの設定に失敗: %w", err)
	}
	return nil
}

// Run はctxがキャンセルされるかチャネルが閉じられるまでメッセージを受信し、hで処理する。
// 呼び出し元をブロックするため、ゴルーチンから呼び出すことを想定している。
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	deliveries, err := c.channel.ConsumeWithContext(ctx, c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("コンシューマの登録に失敗: %w", err)
	}

	c.logger.Info("メッセージの受信を開始しました", zap.String("queue", c.cfg.Queue))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("メッセージの受信を停止しました", zap.String("queue", c.cfg.Queue))
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("配信チャネルが閉じられました")
			}
			dispatch(ctx, d.Body, d, h, c.logger.With(zap.String("routing_key", d.RoutingKey)))
		}
	}
}

// Close はチャネルと接続を閉じる。
func (c *Consumer) Close() error {
	var errs []error
	if c.channel != nil {
		errs = append(errs, c.channel.Close())
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
	}
	return errors.Join(errs...)
}

// acknowledger はamqp091.Deliveryのack/nack操作。
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// dispatch は1件のメッセージをハンドラに渡し、結果に応じてack/nackする。
// 成功はack、ErrRejectとパニックはrequeueなしのnack、その他のエラーはrequeueありのnack。
func dispatch(ctx context.Context, body []byte, ack acknowledger, h Handler, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("ハンドラのパニックから回復しました", zap.Any("panic", r))
			if err := ack.Nack(false, false); err != nil {
				logger.Error("nackに失敗しました", zap.Error(err))
			}
		}
	}()

	err := h(ctx, body)
	switch {
	case err == nil:
		if err := ack.Ack(false); err != nil {
			logger.Error("ackに失敗しました", zap.Error(err))
		}
	case errors.Is(err, ErrReject):
		logger.Warn("メッセージを破棄しました", zap.Int("message_size", len(body)), zap.Error(err))
		if err := ack.Nack(false, false); err != nil {
			logger.Error("nackに失敗しました", zap.Error(err))
		}
	default:
		logger.Error("メッセージの処理に失敗しました。再配送します", zap.Error(err))
		if err := ack.Nack(false, true); err != nil {
			logger.Error("nackに失敗しました", zap.Error(err))
		}
	}
}
