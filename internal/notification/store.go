package notification

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nao1215/docnotify/internal/notifier"
	"github.com/nao1215/docnotify/pkg/migration"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound は通知が存在しないことを表す。
var ErrNotFound = errors.New("通知が見つかりません")

// Record はnotificationsテーブルの1行。
type Record struct {
	ID            string    `db:"id"`
	App           string    `db:"app"`
	UserID        string    `db:"user_id"`
	ObjectType    string    `db:"object_type"`
	ObjectID      string    `db:"object_id"`
	Subject       string    `db:"subject"`
	SubjectParams string    `db:"subject_params"`
	IsRead        bool      `db:"is_read"`
	CreatedAt     time.Time `db:"created_at"`
}

// Notification は行を通知に変換する。件名パラメータのJSONが壊れている場合はエラーを返す。
func (r Record) Notification() (notifier.Notification, error) {
	n := notifier.Notification{
		ID:         r.ID,
		App:        r.App,
		User:       r.UserID,
		ObjectType: r.ObjectType,
		ObjectID:   r.ObjectID,
		Subject:    r.Subject,
		CreatedAt:  r.CreatedAt,
		IsRead:     r.IsRead,
	}
	if err := json.Unmarshal([]byte(r.SubjectParams), &n.Parameters); err != nil {
		return n, fmt.Errorf("通知 %s の件名パラメータが不正です: %w", r.ID, err)
	}
	return n, nil
}

// timeLayout はcreated_atの保存形式。固定長なので文字列の順序が時刻の順序と一致する。
const timeLayout = "2006-01-02 15:04:05.000000000"

const selectColumns = `SELECT id, app, user_id, object_type, object_id, subject, subject_params, is_read, created_at FROM notifications`

// Store は通知のSQLiteストア。
type Store struct {
	db *sqlx.DB
}

// OpenStore はSQLiteデータベースを開き、未適用のマイグレーションを適用する。
func OpenStore(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := migration.Run(context.Background(), db, migrationsFS, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping はデータベースへの接続を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create は通知を保存する。同じIDの通知が既にある場合は何もしない。
// CreatedAtがゼロ値の場合は現在時刻を使う。
func (s *Store) Create(ctx context.Context, n notifier.Notification) error {
	params, err := json.Marshal(n.Parameters)
	if err != nil {
		return fmt.Errorf("件名パラメータのシリアライズに失敗: %w", err)
	}
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, app, user_id, object_type, object_id, subject, subject_params, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		n.ID, n.App, n.User, n.ObjectType, n.ObjectID, n.Subject, string(params), n.IsRead,
		createdAt.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("通知 %s の保存に失敗: %w", n.ID, err)
	}
	return nil
}

// Get は通知を取得する。
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var r Record
	err := s.db.GetContext(ctx, &r, selectColumns+" WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("通知 %s の取得に失敗: %w", id, err)
	}
	return &r, nil
}

// ListByUser はユーザーの通知を新しい順に返す。unreadOnlyがtrueなら未読のみ返す。
func (s *Store) ListByUser(ctx context.Context, userID string, unreadOnly bool) ([]Record, error) {
	query := selectColumns + " WHERE user_id = ?"
	if unreadOnly {
		query += " AND is_read = 0"
	}
	query += " ORDER BY created_at DESC, id"

	records := []Record{}
	if err := s.db.SelectContext(ctx, &records, query, userID); err != nil {
		return nil, fmt.Errorf("ユーザー %s の通知一覧取得に失敗: %w", userID, err)
	}
	return records, nil
}

// MarkAsRead は通知を既読にする。
func (s *Store) MarkAsRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE notifications SET is_read = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("通知 %s の既読処理に失敗: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllAsRead はユーザーの未読通知をすべて既読にし、更新件数を返す。
func (s *Store) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0", userID)
	if err != nil {
		return 0, fmt.Errorf("ユーザー %s の全通知既読処理に失敗: %w", userID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Delete は通知を削除する。
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM notifications WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("通知 %s の削除に失敗: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
