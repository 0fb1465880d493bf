package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nao1215/docnotify/internal/notifier"
	"github.com/nao1215/docnotify/pkg/config"
	"github.com/nao1215/docnotify/pkg/middleware"
	"github.com/nao1215/docnotify/pkg/mq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store は通知のSQLiteストア。
	store *Store
	// manager は通知をアプリごとのNotifierに振り分ける。
	manager *notifier.Manager
	// capabilities は起動時に解決した機能。
	capabilities Capabilities
	// amqp はメンションイベントを受信するメッセージキューの設定。
	amqp config.AMQPConfig
	// validate はリクエストと件名パラメータの検証器。
	validate *validator.Validate
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewServer は設定から新しい通知サーバーを生成する。
// SQLiteデータベースのマイグレーションと、通知準備の依存の組み立てを行う。
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	store, err := OpenStore(sqliteDSN(cfg.Database.Path), logger)
	if err != nil {
		return nil, err
	}

	manager, caps, err := bootstrap(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	s := newServer(store, manager, caps, logger)
	s.port = cfg.Server.Port
	s.amqp = cfg.AMQP
	if len(cfg.Server.AllowedOrigins) > 0 {
		s.router.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	}
	s.setupRoutes(middleware.JWTAuth(cfg.JWT.Secret))
	return s, nil
}

// newServer はミドルウェアを設定したサーバーを生成する。ルートは呼び出し側で設定する。
func newServer(store *Store, manager *notifier.Manager, caps Capabilities, logger *zap.Logger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))

	return &Server{
		router:       router,
		store:        store,
		manager:      manager,
		capabilities: caps,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		logger:       logger,
	}
}

// sqliteDSN はファイルパスからmodernc.org/sqlite向けのDSNを組み立てる。
func sqliteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーとメンションイベントのコンシューマを起動し、ctxがキャンセルされるまでブロックする。
// amqp.urlが空の場合、コンシューマは起動しない。
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.amqp.URL != "" {
		consumer, err := mq.Dial(ctx, mq.Config{
			URL:        s.amqp.URL,
			Exchange:   s.amqp.Exchange,
			Queue:      s.amqp.Queue,
			RoutingKey: s.amqp.RoutingKey,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("コンシューマの初期化に失敗: %w", err)
		}
		defer func() { _ = consumer.Close() }()

		wait := s.startConsumer(ctx, cancel, consumer.Run)
		defer func() {
			cancel()
			wait()
		}()
	} else {
		s.logger.Info("amqp.urlが未設定のため、メンションイベントのコンシューマを起動しません")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("通知サービスを起動します", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	s.logger.Info("通知サービスを停止します")
	return srv.Shutdown(shutdownCtx)
}

// startConsumer はconsumeをゴルーチンで起動し、その終了を待つ関数を返す。
// consumeがエラーで終了した場合はcancelを呼び、サーバー全体を停止させる。
func (s *Server) startConsumer(ctx context.Context, cancel context.CancelFunc, consume func(context.Context, mq.Handler) error) (wait func()) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consume(ctx, s.handleMentionEvent); err != nil {
			s.logger.Error("コンシューマが停止しました", zap.Error(err))
			cancel()
		}
	}()
	return wg.Wait
}

// Close はデータベース接続を閉じる。
func (s *Server) Close() error {
	return s.store.Close()
}

// setupRoutes はAPIルーティングを設定する。authは /api/v1 配下に適用する認証ミドルウェア。
func (s *Server) setupRoutes(auth gin.HandlerFunc) {
	api := s.router.Group("/api/v1")
	api.Use(auth)
	{
		notifications := api.Group("/notifications")
		{
			// 通知一覧取得
			notifications.GET("", s.handleList(false))
			// 未読通知一覧取得
			notifications.GET("/unread", s.handleList(true))
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
			// 通知を削除する
			notifications.DELETE("/:id", s.handleDelete())
		}

		// 起動時に解決した機能
		api.GET("/capabilities", s.handleCapabilities())

		// メンション登録（内部API - エディタ連携のサービス用トークンで呼び出される）
		internal := api.Group("/internal")
		internal.Use(middleware.RequireService())
		{
			internal.POST("/mentions", s.handleCreateMention())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "notification"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})

	// Prometheusメトリクス
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// requestLanguage はリクエストの言語コードを返す。
// langクエリ、Accept-Languageの先頭の言語、デフォルト言語の順に採用する。
func (s *Server) requestLanguage(c *gin.Context) string {
	if lang := strings.TrimSpace(c.Query("lang")); lang != "" {
		return lang
	}
	if header := c.GetHeader("Accept-Language"); header != "" {
		first, _, _ := strings.Cut(header, ",")
		tag, _, _ := strings.Cut(first, ";")
		if tag = strings.TrimSpace(tag); tag != "" && tag != "*" {
			return tag
		}
	}
	return s.capabilities.DefaultLanguage
}

// handleList は認証済みユーザーの通知を準備して返すハンドラ。
// 古くなった通知は削除して一覧から除く。
func (s *Server) handleList(unreadOnly bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		ctx := c.Request.Context()
		records, err := s.store.ListByUser(ctx, userID, unreadOnly)
		if err != nil {
			s.internalError(c, "通知一覧の取得に失敗しました", err)
			return
		}

		lang := s.requestLanguage(c)
		prepared := make([]*notifier.Prepared, 0, len(records))
		for _, r := range records {
			n, err := r.Notification()
			if err != nil {
				s.logger.Warn("件名パラメータを読み取れない通知を除外しました", zap.String("notification_id", r.ID), zap.Error(err))
				continue
			}

			p, err := s.manager.Prepare(ctx, n, lang)
			switch {
			case err == nil:
				prepared = append(prepared, p)
			case ctx.Err() != nil:
				// 問い合わせ中に切断された場合は、古い通知と判定されても削除しない。
				return
			case errors.Is(err, notifier.ErrAlreadyProcessed):
				if err := s.store.Delete(ctx, n.ID); err != nil && !errors.Is(err, ErrNotFound) {
					s.logger.Error("古い通知の削除に失敗しました", zap.String("notification_id", n.ID), zap.Error(err))
				}
			case errors.Is(err, notifier.ErrInvalidArgument):
				s.logger.Warn("準備できない通知を除外しました",
					zap.String("notification_id", n.ID),
					zap.String("app", n.App),
					zap.Error(err),
				)
			case errors.Is(err, notifier.ErrServiceUnavailable):
				_ = c.Error(err)
				s.logger.Error("通知の準備中に依存サービスが利用できません", zap.Error(err))
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ファイルサービスが利用できません"})
				return
			default:
				s.internalError(c, "通知の準備に失敗しました", err)
				return
			}
		}

		c.JSON(http.StatusOK, prepared)
	}
}

// ownedNotification は通知を取得し、userIDの通知であることを確認する。
// 確認できなければレスポンスを書き込んでfalseを返す。
func (s *Server) ownedNotification(c *gin.Context, userID string) (*Record, bool) {
	r, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
		return nil, false
	}
	if err != nil {
		s.internalError(c, "通知の取得に失敗しました", err)
		return nil, false
	}
	if r.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
		return nil, false
	}
	return r, true
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		r, ok := s.ownedNotification(c, userID)
		if !ok {
			return
		}

		if err := s.store.MarkAsRead(c.Request.Context(), r.ID); err != nil {
			s.internalError(c, "通知の既読処理に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		updated, err := s.store.MarkAllAsRead(c.Request.Context(), userID)
		if err != nil {
			s.internalError(c, "全通知の既読処理に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "updated": updated})
	}
}

// handleDelete は指定された通知を削除するハンドラ。
func (s *Server) handleDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		r, ok := s.ownedNotification(c, userID)
		if !ok {
			return
		}

		if err := s.store.Delete(c.Request.Context(), r.ID); err != nil && !errors.Is(err, ErrNotFound) {
			s.internalError(c, "通知の削除に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "通知を削除しました"})
	}
}

// handleCapabilities は起動時に解決した機能を返すハンドラ。
func (s *Server) handleCapabilities() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.capabilities)
	}
}

// createMentionRequest はメンション登録リクエストのJSON構造。
type createMentionRequest struct {
	// App は通知を発行したアプリ名。
	App string `json:"app" binding:"required"`
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id" binding:"required"`
	// ObjectType は通知対象のオブジェクト種別。省略時は "mention"。
	ObjectType string `json:"object_type"`
	// ObjectID はメンション箇所の引用テキスト。
	ObjectID string `json:"object_id" binding:"required"`
	// Subject は件名キー。省略時は "mention_info"。
	Subject string `json:"subject"`
	// SubjectParams は件名パラメータ。
	SubjectParams notifier.SubjectParameters `json:"subject_params"`
}

// 省略時の値。
const (
	defaultObjectType = "mention"
	defaultSubject    = "mention_info"
)

// handleCreateMention はメンション通知を1件登録するハンドラ。
func (s *Server) handleCreateMention() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createMentionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if err := s.validate.Struct(req.SubjectParams); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("件名パラメータが不正です: %v", err)})
			return
		}

		n := notifier.Notification{
			ID:         uuid.New().String(),
			App:        req.App,
			User:       req.UserID,
			ObjectType: valueOr(req.ObjectType, defaultObjectType),
			ObjectID:   req.ObjectID,
			Subject:    valueOr(req.Subject, defaultSubject),
			Parameters: req.SubjectParams,
		}
		if err := s.store.Create(c.Request.Context(), n); err != nil {
			s.internalError(c, "通知の作成に失敗しました", err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":      n.ID,
			"message": "通知を登録しました",
		})
	}
}

// internalError は500を返し、原因をログに記録する。
func (s *Server) internalError(c *gin.Context, msg string, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	s.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
}

// valueOr はvが空ならdefを返す。
func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
