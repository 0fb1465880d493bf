package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// 件名とリッチ件名の原文。翻訳バンドルのキーでもある。
const (
	parsedSubjectText = `%1$s mentioned you in the %2$s: "%3$s".`
	richSubjectText   = `{notifier} mentioned you in the {file}: "%1$s".`
)

// iconImage はアプリアイコンの画像ファイル名。
const iconImage = "app-dark.svg"

// EditorRoute はエディタを開くルートの名前を返す。
func EditorRoute(app string) string {
	return app + ".editor.index"
}

// Deps はNotifierが利用する外部サービス。
type Deps struct {
	Files      FileLookup
	Access     AccessLister
	Users      UserDirectory
	Translator Translator
	Links      LinkBuilder
}

// Notifier は1つのアプリ宛てのメンション通知を準備する。
// 保持するのは不変の依存だけなので、並行して利用できる。
type Notifier struct {
	app      string
	deps     Deps
	validate *validator.Validate
	logger   *zap.Logger
}

// New はappを担当するNotifierを生成する。
func New(app string, deps Deps, logger *zap.Logger) (*Notifier, error) {
	if app == "" {
		return nil, errors.New("アプリ名が空です")
	}
	if deps.Files == nil || deps.Access == nil || deps.Users == nil || deps.Translator == nil || deps.Links == nil {
		return nil, errors.New("notifierの依存が不足しています")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		app:      app,
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With(zap.String("app", app)),
	}, nil
}

// ID はアプリ名を返す。
func (n *Notifier) ID() string {
	return n.app
}

// Name はアプリ名を返す。
func (n *Notifier) Name() string {
	return n.app
}

// Prepare は通知を languageCode の言語で表示できる形に整える。
//
// 別アプリ宛ての通知や件名パラメータが欠けた通知は、何も問い合わせずに ErrInvalidArgument を返す。
// 参照先ファイルが見つからない場合と、受信者がアクセスリストに含まれない場合は ErrAlreadyProcessed を返す。
func (n *Notifier) Prepare(ctx context.Context, notification Notification, languageCode string) (*Prepared, error) {
	const op = "notifier.Prepare"

	if notification.App != n.app {
		return nil, invalidArgument(op, fmt.Errorf("アプリ %q の通知は扱えません", notification.App))
	}

	params := notification.Parameters
	if err := n.validate.Struct(params); err != nil {
		return nil, invalidArgument(op, fmt.Errorf("件名パラメータが不正です: %w", err))
	}

	file, err := n.deps.Files.FileByID(ctx, params.NotifierID, params.FileID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			n.logger.Error("ファイルの取得に失敗しました",
				zap.Int64("file_id", params.FileID),
				zap.Error(err),
			)
		}
		file = nil
	}
	if file == nil {
		n.logger.Info("ファイルが見つかりません", zap.Int64("file_id", params.FileID))
		return nil, alreadyProcessed(op, ErrNotFound)
	}

	access, err := n.deps.Access.AccessList(ctx, file)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, alreadyProcessed(op, err)
		}
		return nil, serviceUnavailable(op, fmt.Errorf("アクセスリストの取得に失敗: %w", err))
	}
	if !access.Contains(notification.User) {
		return nil, alreadyProcessed(op, nil)
	}

	notifierName, err := n.deps.Users.DisplayName(ctx, params.NotifierID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, serviceUnavailable(op, fmt.Errorf("表示名の取得に失敗: %w", err))
		}
		notifierName = params.NotifierID
	}

	fileID := strconv.FormatInt(params.FileID, 10)
	link, err := n.deps.Links.LinkToRouteAbsolute(EditorRoute(n.app), map[string]string{
		"fileId":     fileID,
		"actionType": params.ActionLink.Action.Type,
		"actionData": params.ActionLink.Action.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: エディタへのリンク生成に失敗: %w", op, err)
	}

	tr := n.deps.Translator
	return &Prepared{
		Notification:  notification,
		Icon:          n.deps.Links.AbsoluteURL(n.deps.Links.ImagePath(n.app, iconImage)),
		ParsedSubject: tr.T(languageCode, parsedSubjectText, notifierName, file.Name, notification.ObjectID),
		RichSubject:   tr.T(languageCode, richSubjectText, notification.ObjectID),
		RichParameters: map[string]RichObject{
			"notifier": {Type: "user", ID: params.NotifierID, Name: notifierName},
			"file":     {Type: "highlight", ID: fileID, Name: file.Name},
		},
		Link: link,
	}, nil
}
