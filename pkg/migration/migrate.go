// Package migration はSQLiteデータベースのスキーマ変更を順序通りに適用する。
// embed.FSに同梱したSQLファイルを読み込み、schema_migrationsテーブルで適用済みバージョンを記録する。
package migration

import (
	"cmp"
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// upSuffix は適用対象のファイル名の接尾辞。
const upSuffix = ".up.sql"

// Migration は1つのマイグレーションファイル。
// ファイル名は 000001_create_notifications.up.sql の形式。
type Migration struct {
	// Version はファイル名先頭の番号。
	Version int `db:"version"`
	// Name はバージョンに続く説明部分。
	Name string `db:"name"`
	path string
}

// Load はdir配下のマイグレーションをバージョン順に返す。
// バージョン番号が読めないファイルや重複するバージョンはエラーにする。
func Load(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	migrations := make([]Migration, 0, len(entries))
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), upSuffix) {
			continue
		}

		prefix, rest, ok := strings.Cut(strings.TrimSuffix(entry.Name(), upSuffix), "_")
		version, err := strconv.Atoi(prefix)
		if !ok || err != nil || version <= 0 {
			return nil, fmt.Errorf("バージョン番号が不正なファイル名です: %s", entry.Name())
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("バージョン %06d が重複しています: %s, %s", version, other, entry.Name())
		}
		seen[version] = entry.Name()

		migrations = append(migrations, Migration{
			Version: version,
			Name:    rest,
			path:    path.Join(dir, entry.Name()),
		})
	}

	slices.SortFunc(migrations, func(a, b Migration) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return migrations, nil
}

// Run はdir配下の未適用のマイグレーションをバージョン順に適用し、適用した件数を返す。
// 適用済みのバージョンはスキップするため、起動のたびに呼び出してよい。
func Run(ctx context.Context, db *sqlx.DB, fsys fs.FS, dir string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	migrations, err := Load(fsys, dir)
	if err != nil {
		return 0, fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return 0, fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	applied, err := Applied(ctx, db)
	if err != nil {
		return 0, err
	}
	done := make(map[int]bool, len(applied))
	for _, m := range applied {
		done[m.Version] = true
	}

	count := 0
	for _, m := range migrations {
		if done[m.Version] {
			continue
		}
		if err := apply(ctx, db, fsys, m); err != nil {
			return count, fmt.Errorf("マイグレーション %06d_%s の適用に失敗: %w", m.Version, m.Name, err)
		}
		count++
		logger.Info("マイグレーションを適用しました",
			zap.Int("version", m.Version),
			zap.String("name", m.Name),
		)
	}
	return count, nil
}

// Applied は適用済みのマイグレーションをバージョン順に返す。
func Applied(ctx context.Context, db *sqlx.DB) ([]Migration, error) {
	applied := []Migration{}
	if err := db.SelectContext(ctx, &applied, "SELECT version, name FROM schema_migrations ORDER BY version"); err != nil {
		return nil, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}
	return applied, nil
}

// apply は1つのマイグレーションとその記録を同じトランザクションで実行する。
func apply(ctx context.Context, db *sqlx.DB, fsys fs.FS, m Migration) error {
	content, err := fs.ReadFile(fsys, m.path)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}
