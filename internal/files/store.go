package files

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/nao1215/docnotify/pkg/migration"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound はユーザー・ファイル・共有が存在しない、または見えないことを表す。
	ErrNotFound = errors.New("見つかりません")
	// ErrConflict は同じファイルが同じユーザーに既に共有されていることを表す。
	ErrConflict = errors.New("既に存在します")
	// ErrInvalidName はファイル名が空または空白のみであることを表す。
	ErrInvalidName = errors.New("ファイル名が空です")
)

// User はディレクトリに登録されたユーザー。
type User struct {
	ID          string    `db:"id" json:"id"`
	DisplayName string    `db:"display_name" json:"display_name"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// File はファイルツリー上のファイルまたはフォルダ。
type File struct {
	ID        int64     `db:"id" json:"id"`
	OwnerID   string    `db:"owner_id" json:"owner_id"`
	ParentID  *int64    `db:"parent_id" json:"parent_id,omitempty"`
	Name      string    `db:"name" json:"name"`
	IsFolder  bool      `db:"is_folder" json:"is_folder"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Share はファイルまたはフォルダの共有。
type Share struct {
	ID        string    `db:"id" json:"id"`
	FileID    int64     `db:"file_id" json:"file_id"`
	ShareWith string    `db:"share_with" json:"share_with"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Store はファイルサービスのSQLiteストア。
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

// SaveUser はユーザーを登録する。同じIDのユーザーは表示名を更新する。
func (s *Store) SaveUser(ctx context.Context, id, displayName string) (*User, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name`,
		id, displayName,
	); err != nil {
		return nil, fmt.Errorf("ユーザー %s の保存に失敗: %w", id, err)
	}
	return s.GetUser(ctx, id)
}

// GetUser はユーザーを取得する。
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, "SELECT id, display_name, created_at FROM users WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザー %s の取得に失敗: %w", id, err)
	}
	return &u, nil
}

// CreateFile はownerIDが所有するファイルを作成する。
// parentIDを指定する場合は、ownerIDが所有するフォルダでなければならない。
func (s *Store) CreateFile(ctx context.Context, ownerID string, parentID *int64, name string, isFolder bool) (*File, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidName
	}
	if parentID != nil {
		parent, err := s.GetFile(ctx, *parentID)
		if err != nil {
			return nil, fmt.Errorf("親フォルダ %d: %w", *parentID, err)
		}
		if !parent.IsFolder || parent.OwnerID != ownerID {
			return nil, fmt.Errorf("親フォルダ %d: %w", *parentID, ErrNotFound)
		}
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO files (owner_id, parent_id, name, is_folder) VALUES (?, ?, ?, ?)",
		ownerID, parentID, name, isFolder,
	)
	if err != nil {
		return nil, fmt.Errorf("ファイルの作成に失敗: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("ファイルIDの取得に失敗: %w", err)
	}
	return s.GetFile(ctx, id)
}

// GetFile は可視性を問わずファイルを取得する。
func (s *Store) GetFile(ctx context.Context, id int64) (*File, error) {
	var f File
	err := s.db.GetContext(ctx, &f,
		"SELECT id, owner_id, parent_id, name, is_folder, created_at FROM files WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ファイル %d の取得に失敗: %w", id, err)
	}
	return &f, nil
}

// ancestorsCTE はファイル自身と祖先フォルダを列挙する再帰CTE。プレースホルダーはファイルID。
const ancestorsCTE = `
	WITH RECURSIVE ancestors(id, parent_id) AS (
		SELECT id, parent_id FROM files WHERE id = ?
		UNION ALL
		SELECT f.id, f.parent_id FROM files f JOIN ancestors a ON f.id = a.parent_id
	)`

// FileForUser はuserIDのツリーから見えるファイルを取得する。
// 所有者であるか、ファイル自身か祖先フォルダが共有されている場合に見える。
func (s *Store) FileForUser(ctx context.Context, userID string, fileID int64) (*File, error) {
	f, err := s.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.OwnerID == userID {
		return f, nil
	}

	var shared int
	if err := s.db.GetContext(ctx, &shared, ancestorsCTE+`
		SELECT COUNT(*) FROM shares s JOIN ancestors a ON s.file_id = a.id
		WHERE s.share_with = ?`,
		fileID, userID,
	); err != nil {
		return nil, fmt.Errorf("ファイル %d の共有確認に失敗: %w", fileID, err)
	}
	if shared == 0 {
		return nil, ErrNotFound
	}
	return f, nil
}

// AccessList はファイルにアクセスできるユーザーIDを昇順で返す。
// 所有者と、ファイル自身か祖先フォルダの共有先が含まれる。
func (s *Store) AccessList(ctx context.Context, fileID int64) ([]string, error) {
	if _, err := s.GetFile(ctx, fileID); err != nil {
		return nil, err
	}

	users := []string{}
	if err := s.db.SelectContext(ctx, &users, ancestorsCTE+`
		SELECT owner_id AS user_id FROM files WHERE id = ?
		UNION
		SELECT s.share_with FROM shares s JOIN ancestors a ON s.file_id = a.id
		ORDER BY user_id`,
		fileID, fileID,
	); err != nil {
		return nil, fmt.Errorf("ファイル %d のアクセスリスト取得に失敗: %w", fileID, err)
	}
	return users, nil
}

// DeleteFile はファイルと配下のファイル、それらの共有を削除する。
func (s *Store) DeleteFile(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const descendants = `
		WITH RECURSIVE tree(id) AS (
			SELECT id FROM files WHERE id = ?
			UNION ALL
			SELECT f.id FROM files f JOIN tree t ON f.parent_id = t.id
		)`

	if _, err := tx.ExecContext(ctx, descendants+`
		DELETE FROM shares WHERE file_id IN (SELECT id FROM tree)`, id); err != nil {
		return fmt.Errorf("ファイル %d の共有削除に失敗: %w", id, err)
	}

	var ids []int64
	if err := tx.SelectContext(ctx, &ids, descendants+` SELECT id FROM tree`, id); err != nil {
		return fmt.Errorf("ファイル %d の配下の列挙に失敗: %w", id, err)
	}
	if len(ids) == 0 {
		return ErrNotFound
	}

	query, args, err := sqlx.In("DELETE FROM files WHERE id IN (?)", ids)
	if err != nil {
		return fmt.Errorf("削除クエリの組み立てに失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("ファイル %d の削除に失敗: %w", id, err)
	}

	return tx.Commit()
}

// CreateShare はファイルをshareWithに共有する。
func (s *Store) CreateShare(ctx context.Context, fileID int64, shareWith string) (*Share, error) {
	if _, err := s.GetFile(ctx, fileID); err != nil {
		return nil, err
	}

	var exists int
	if err := s.db.GetContext(ctx, &exists,
		"SELECT COUNT(*) FROM shares WHERE file_id = ? AND share_with = ?", fileID, shareWith); err != nil {
		return nil, fmt.Errorf("共有の重複確認に失敗: %w", err)
	}
	if exists > 0 {
		return nil, ErrConflict
	}

	id := uuid.New().String()
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO shares (id, file_id, share_with) VALUES (?, ?, ?)", id, fileID, shareWith); err != nil {
		return nil, fmt.Errorf("共有の作成に失敗: %w", err)
	}
	return s.GetShare(ctx, id)
}

// GetShare は共有を取得する。
func (s *Store) GetShare(ctx context.Context, id string) (*Share, error) {
	var sh Share
	err := s.db.GetContext(ctx, &sh,
		"SELECT id, file_id, share_with, created_at FROM shares WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("共有 %s の取得に失敗: %w", id, err)
	}
	return &sh, nil
}

// DeleteShare は共有を削除する。
func (s *Store) DeleteShare(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM shares WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("共有 %s の削除に失敗: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
