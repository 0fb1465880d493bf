package files

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/docnotify/pkg/config"
	"github.com/nao1215/docnotify/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server はファイルサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store はファイル・共有・ユーザーのストア。
	store *Store
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewServer は設定から新しいファイルサーバーを生成する。
// SQLiteデータベースを開き、マイグレーションを適用する。
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	store, err := OpenStore(sqliteDSN(cfg.Database.Path), logger)
	if err != nil {
		return nil, err
	}

	s := newServer(store, cfg.Server.Port, logger)
	s.setupRoutes(middleware.JWTAuth(cfg.JWT.Secret))
	return s, nil
}

// newServer はミドルウェアを設定したサーバーを生成する。ルートは呼び出し側で設定する。
func newServer(store *Store, port string, logger *zap.Logger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))

	return &Server{
		router: router,
		port:   port,
		store:  store,
		logger: logger,
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

// Run はHTTPサーバーを起動し、ctxがキャンセルされたらグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ファイルサービスを起動します", zap.String("addr", srv.Addr))
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("ファイルサービスを停止します")
	return srv.Shutdown(shutdownCtx)
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
		users := api.Group("/users")
		{
			// ユーザー登録・表示名更新
			users.POST("", s.handleSaveUser())
			// ユーザー取得
			users.GET("/:id", s.handleGetUser())
			// ユーザーから見えるファイルの取得（内部サービスのみ）
			users.GET("/:id/files/:file_id", middleware.RequireService(), s.handleGetUserFile())
		}

		files := api.Group("/files")
		{
			// ファイル・フォルダ作成
			files.POST("", s.handleCreateFile())
			// ファイル削除（配下と共有も削除）
			files.DELETE("/:id", s.handleDeleteFile())
			// アクセスリスト取得（内部サービスのみ）
			files.GET("/:id/access", middleware.RequireService(), s.handleAccessList())
		}

		shares := api.Group("/shares")
		{
			// 共有作成
			shares.POST("", s.handleCreateShare())
			// 共有削除
			shares.DELETE("/:id", s.handleDeleteShare())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "files"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "files"})
	})

	// Prometheusメトリクス
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// saveUserRequest はユーザー登録リクエストのJSON構造。
type saveUserRequest struct {
	// ID はユーザーID。
	ID string `json:"id" binding:"required"`
	// DisplayName は表示名。
	DisplayName string `json:"display_name" binding:"required"`
}

// handleSaveUser はユーザーを登録するハンドラ。
// 自分自身の表示名のみ登録できる。内部サービスは任意のユーザーを登録できる。
func (s *Server) handleSaveUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		var req saveUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if req.ID != userID && !middleware.IsService(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "他のユーザーは登録できません"})
			return
		}

		user, err := s.store.SaveUser(c.Request.Context(), req.ID, req.DisplayName)
		if err != nil {
			s.internalError(c, "ユーザーの登録に失敗しました", err)
			return
		}
		c.JSON(http.StatusCreated, user)
	}
}

// handleGetUser はユーザーを返すハンドラ。
func (s *Server) handleGetUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.store.GetUser(c.Request.Context(), c.Param("id"))
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		if err != nil {
			s.internalError(c, "ユーザーの取得に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

// handleGetUserFile は指定ユーザーのツリーから見えるファイルを返すハンドラ。
// 見えない場合は存在しない場合と同じく404を返す。
func (s *Server) handleGetUserFile() gin.HandlerFunc {
	return func(c *gin.Context) {
		fileID, ok := parseFileID(c, "file_id")
		if !ok {
			return
		}

		file, err := s.store.FileForUser(c.Request.Context(), c.Param("id"), fileID)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ファイルが見つかりません"})
			return
		}
		if err != nil {
			s.internalError(c, "ファイルの取得に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, file)
	}
}

// createFileRequest はファイル作成リクエストのJSON構造。
type createFileRequest struct {
	// Name はファイル名。
	Name string `json:"name" binding:"required"`
	// ParentID は親フォルダのID。省略時はルート直下。
	ParentID *int64 `json:"parent_id"`
	// IsFolder はフォルダかどうか。
	IsFolder bool `json:"is_folder"`
}

// handleCreateFile は認証済みユーザーが所有するファイルを作成するハンドラ。
func (s *Server) handleCreateFile() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		var req createFileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		file, err := s.store.CreateFile(c.Request.Context(), userID, req.ParentID, req.Name, req.IsFolder)
		if errors.Is(err, ErrInvalidName) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ファイル名が不正です"})
			return
		}
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "親フォルダが見つかりません"})
			return
		}
		if err != nil {
			s.internalError(c, "ファイルの作成に失敗しました", err)
			return
		}
		c.JSON(http.StatusCreated, file)
	}
}

// handleDeleteFile はファイルを削除するハンドラ。所有者のみ削除できる。
func (s *Server) handleDeleteFile() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}
		fileID, ok := parseFileID(c, "id")
		if !ok {
			return
		}

		if !s.requireOwner(c, userID, fileID) {
			return
		}

		if err := s.store.DeleteFile(c.Request.Context(), fileID); err != nil {
			s.internalError(c, "ファイルの削除に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "ファイルを削除しました"})
	}
}

// accessListResponse はアクセスリストのJSONレスポンス構造。
type accessListResponse struct {
	// FileID はファイルID。
	FileID int64 `json:"file_id"`
	// Users はアクセスできるユーザーID。
	Users []string `json:"users"`
}

// handleAccessList はファイルにアクセスできるユーザーを返すハンドラ。
func (s *Server) handleAccessList() gin.HandlerFunc {
	return func(c *gin.Context) {
		fileID, ok := parseFileID(c, "id")
		if !ok {
			return
		}

		users, err := s.store.AccessList(c.Request.Context(), fileID)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ファイルが見つかりません"})
			return
		}
		if err != nil {
			s.internalError(c, "アクセスリストの取得に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, accessListResponse{FileID: fileID, Users: users})
	}
}

// createShareRequest は共有作成リクエストのJSON構造。
type createShareRequest struct {
	// FileID は共有するファイルID。
	FileID int64 `json:"file_id" binding:"required"`
	// ShareWith は共有先のユーザーID。
	ShareWith string `json:"share_with" binding:"required"`
}

// handleCreateShare はファイルを共有するハンドラ。所有者のみ共有できる。
func (s *Server) handleCreateShare() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		var req createShareRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if req.ShareWith == userID {
			c.JSON(http.StatusBadRequest, gin.H{"error": "自分自身には共有できません"})
			return
		}

		if !s.requireOwner(c, userID, req.FileID) {
			return
		}

		share, err := s.store.CreateShare(c.Request.Context(), req.FileID, req.ShareWith)
		if errors.Is(err, ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "既に共有されています"})
			return
		}
		if err != nil {
			s.internalError(c, "共有の作成に失敗しました", err)
			return
		}
		c.JSON(http.StatusCreated, share)
	}
}

// handleDeleteShare は共有を削除するハンドラ。共有したファイルの所有者のみ削除できる。
func (s *Server) handleDeleteShare() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUserID(c)
		if !ok {
			return
		}

		share, err := s.store.GetShare(c.Request.Context(), c.Param("id"))
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "共有が見つかりません"})
			return
		}
		if err != nil {
			s.internalError(c, "共有の取得に失敗しました", err)
			return
		}

		if !s.requireOwner(c, userID, share.FileID) {
			return
		}

		if err := s.store.DeleteShare(c.Request.Context(), share.ID); err != nil {
			s.internalError(c, "共有の削除に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "共有を削除しました"})
	}
}

// requireOwner はuserIDがファイルの所有者であることを確認する。
// 所有者でなければレスポンスを書き込んでfalseを返す。
func (s *Server) requireOwner(c *gin.Context, userID string, fileID int64) bool {
	file, err := s.store.GetFile(c.Request.Context(), fileID)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "ファイルが見つかりません"})
		return false
	}
	if err != nil {
		s.internalError(c, "ファイルの取得に失敗しました", err)
		return false
	}
	if file.OwnerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "このファイルを操作する権限がありません"})
		return false
	}
	return true
}

// internalError は500を返し、原因をログに記録する。
func (s *Server) internalError(c *gin.Context, msg string, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
}

// requireUserID は認証済みユーザーIDを返す。取得できなければ401を返す。
func requireUserID(c *gin.Context) (string, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return "", false
	}
	return userID, true
}

// parseFileID はパスパラメータnameをファイルIDとして解釈する。不正なら400を返す。
func parseFileID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ファイルIDが不正です"})
		return 0, false
	}
	return id, true
}
