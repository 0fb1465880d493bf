package notification

import (
	"fmt"
	"time"

	"github.com/nao1215/docnotify/internal/files"
	"github.com/nao1215/docnotify/internal/notifier"
	"github.com/nao1215/docnotify/pkg/config"
	"github.com/nao1215/docnotify/pkg/l10n"
	"github.com/nao1215/docnotify/pkg/urlgen"
	"go.uber.org/zap"
)

// Capabilities は起動時に一度だけ解決する通知サービスの機能。
type Capabilities struct {
	// App は通知を発行するアプリ名。
	App string `json:"app"`
	// Preparers は登録済みのPreparerのID。
	Preparers []string `json:"preparers"`
	// Languages は翻訳バンドルのある言語コード。
	Languages []string `json:"languages"`
	// DefaultLanguage は言語が指定されない場合の言語コード。
	DefaultLanguage string `json:"default_language"`
	// DirectEditing はダイレクト編集のルートが登録されているかどうか。
	DirectEditing bool `json:"direct_editing"`
	// Viewer はビューア連携が有効かどうか。
	Viewer bool `json:"viewer"`
}

// DirectEditorRoute はダイレクト編集を開くルートの名前を返す。
func DirectEditorRoute(app string) string {
	return app + ".directeditor.open"
}

// registerRoutes はアプリのルートをURLジェネレータに登録する。
// ダイレクト編集のルートは機能が有効な場合だけ登録する。
func registerRoutes(links *urlgen.Generator, app string, features config.FeatureConfig) {
	links.Register(notifier.EditorRoute(app), "/apps/"+app+"/{fileId}")
	if features.DirectEditing {
		links.Register(DirectEditorRoute(app), "/apps/"+app+"/directeditor/{token}")
	}
}

// bootstrap は通知の準備に必要な依存を組み立て、Managerと機能一覧を返す。
func bootstrap(cfg *config.Config, logger *zap.Logger) (*notifier.Manager, Capabilities, error) {
	translator, err := l10n.New(cfg.L10n.DefaultLanguage)
	if err != nil {
		return nil, Capabilities{}, fmt.Errorf("翻訳の初期化に失敗: %w", err)
	}

	links, err := urlgen.New(cfg.Server.BaseURL)
	if err != nil {
		return nil, Capabilities{}, fmt.Errorf("URLジェネレータの初期化に失敗: %w", err)
	}
	registerRoutes(links, cfg.App.Name, cfg.Features)

	client := files.NewClient(cfg.Files.URL, time.Duration(cfg.Files.TimeoutSec)*time.Second, cfg.JWT.Secret)
	manager, err := newManager(cfg.App.Name, notifier.Deps{
		Files:      client,
		Access:     client,
		Users:      client,
		Translator: translator,
		Links:      links,
	}, logger)
	if err != nil {
		return nil, Capabilities{}, err
	}

	caps := Capabilities{
		App:             cfg.App.Name,
		Preparers:       manager.IDs(),
		Languages:       translator.Languages(),
		DefaultLanguage: cfg.L10n.DefaultLanguage,
		DirectEditing:   links.HasRoute(DirectEditorRoute(cfg.App.Name)),
		Viewer:          cfg.Features.Viewer,
	}
	logger.Info("通知サービスの機能を解決しました",
		zap.String("app", caps.App),
		zap.Strings("languages", caps.Languages),
		zap.Bool("direct_editing", caps.DirectEditing),
		zap.Bool("viewer", caps.Viewer),
	)
	return manager, caps, nil
}

// newManager はアプリのNotifierを登録したManagerを生成する。
func newManager(app string, deps notifier.Deps, logger *zap.Logger) (*notifier.Manager, error) {
	n, err := notifier.New(app, deps, logger)
	if err != nil {
		return nil, fmt.Errorf("notifierの初期化に失敗: %w", err)
	}
	manager := notifier.NewManager(logger)
	if err := manager.Register(n); err != nil {
		return nil, err
	}
	return manager, nil
}
