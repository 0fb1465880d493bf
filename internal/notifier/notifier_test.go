package notifier

import (
	"context"
	"errors"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nao1215/docnotify/pkg/l10n"
	"github.com/nao1215/docnotify/pkg/urlgen"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testApp = "onlyoffice"

// fakeFiles はファイルサービスのテスト用実装。
type fakeFiles struct {
	files       map[int64]*File
	access      map[int64][]string
	names       map[string]string
	fileErr     error
	accessErr   error
	nameErr     error
	fileCalls   atomic.Int32
	accessCalls atomic.Int32
	nameCalls   atomic.Int32
}

func (f *fakeFiles) FileByID(_ context.Context, _ string, fileID int64) (*File, error) {
	f.fileCalls.Add(1)
	if f.fileErr != nil {
		return nil, f.fileErr
	}
	file, ok := f.files[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	return file, nil
}

func (f *fakeFiles) AccessList(_ context.Context, file *File) (*AccessList, error) {
	f.accessCalls.Add(1)
	if f.accessErr != nil {
		return nil, f.accessErr
	}
	return &AccessList{Users: f.access[file.ID]}, nil
}

func (f *fakeFiles) DisplayName(_ context.Context, userID string) (string, error) {
	f.nameCalls.Add(1)
	if f.nameErr != nil {
		return "", f.nameErr
	}
	name, ok := f.names[userID]
	if !ok {
		return "", ErrNotFound
	}
	return name, nil
}

func (f *fakeFiles) lookups() int32 {
	return f.fileCalls.Load() + f.accessCalls.Load() + f.nameCalls.Load()
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{
		files:  map[int64]*File{42: {ID: 42, Name: "report.docx", OwnerID: "alice"}},
		access: map[int64][]string{42: {"alice", "bob"}},
		names:  map[string]string{"alice": "Alice"},
	}
}

func newTestNotifier(t *testing.T, files *fakeFiles, logger *zap.Logger) *Notifier {
	t.Helper()

	tr, err := l10n.New("en")
	if err != nil {
		t.Fatalf("翻訳の初期化に失敗: %v", err)
	}
	links, err := urlgen.New("https://cloud.example.com")
	if err != nil {
		t.Fatalf("URLジェネレータの初期化に失敗: %v", err)
	}
	links.Register(EditorRoute(testApp), "/apps/onlyoffice/{fileId}")

	n, err := New(testApp, Deps{
		Files:      files,
		Access:     files,
		Users:      files,
		Translator: tr,
		Links:      links,
	}, logger)
	if err != nil {
		t.Fatalf("Notifierの初期化に失敗: %v", err)
	}
	return n
}

func mention() Notification {
	return Notification{
		ID:         "n-1",
		App:        testApp,
		User:       "bob",
		ObjectType: "mention",
		ObjectID:   "see section 2",
		Subject:    "mention_info",
		Parameters: SubjectParameters{
			NotifierID: "alice",
			FileID:     42,
			ActionLink: ActionLink{Action: Action{Type: "view", Data: "x"}},
		},
	}
}

// TestNew は依存が不足している場合にエラーになることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("アプリ名が空の場合はエラーになること", func(t *testing.T) {
		t.Parallel()
		if _, err := New("", Deps{}, nil); err == nil {
			t.Error("New()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("依存が不足している場合はエラーになること", func(t *testing.T) {
		t.Parallel()
		files := newFakeFiles()
		if _, err := New(testApp, Deps{Files: files, Access: files}, nil); err == nil {
			t.Error("New()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("IDとNameはアプリ名を返すこと", func(t *testing.T) {
		t.Parallel()
		n := newTestNotifier(t, newFakeFiles(), zap.NewNop())
		if n.ID() != testApp || n.Name() != testApp {
			t.Errorf("ID() = %q, Name() = %q, want %q", n.ID(), n.Name(), testApp)
		}
	})
}

// TestPrepare は通知の準備処理を検証する。
func TestPrepare(t *testing.T) {
	t.Parallel()

	t.Run("アクセスできるメンションが表示用に準備されること", func(t *testing.T) {
		t.Parallel()

		files := newFakeFiles()
		n := newTestNotifier(t, files, zap.NewNop())
		in := mention()

		got, err := n.Prepare(context.Background(), in, "en")
		if err != nil {
			t.Fatalf("Prepare()でエラー: %v", err)
		}

		want := &Prepared{
			Notification:  in,
			Icon:          "https://cloud.example.com/apps/onlyoffice/img/app-dark.svg",
			ParsedSubject: `Alice mentioned you in the report.docx: "see section 2".`,
			RichSubject:   `{notifier} mentioned you in the {file}: "see section 2".`,
			RichParameters: map[string]RichObject{
				"notifier": {Type: "user", ID: "alice", Name: "Alice"},
				"file":     {Type: "highlight", ID: "42", Name: "report.docx"},
			},
			Link: "https://cloud.example.com/apps/onlyoffice/42?actionData=x&actionType=view",
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Prepare() mismatch (-want +got):\n%s", diff)
		}

		link, err := url.Parse(got.Link)
		if err != nil {
			t.Fatalf("リンクの解析に失敗: %v", err)
		}
		if link.Query().Get("actionType") != "view" || link.Query().Get("actionData") != "x" {
			t.Errorf("リンクのクエリ = %q", link.RawQuery)
		}
	})

	t.Run("別アプリ宛ての通知は問い合わせなしでErrInvalidArgumentになること", func(t *testing.T) {
		t.Parallel()

		files := newFakeFiles()
		n := newTestNotifier(t, files, zap.NewNop())
		in := mention()
		in.App = "files_sharing"

		_, err := n.Prepare(context.Background(), in, "en")
		if !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("err = %v, want ErrInvalidArgument", err)
		}
		if files.lookups() != 0 {
			t.Errorf("問い合わせ回数 = %d, want 0", files.lookups())
		}
	})

	t.Run("件名パラメータが欠けている場合は問い合わせなしでErrInvalidArgumentになること", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name   string
			modify func(*SubjectParameters)
		}{
			{name: "notifierId", modify: func(p *SubjectParameters) { p.NotifierID = "" }},
			{name: "fileId", modify: func(p *SubjectParameters) { p.FileID = 0 }},
			{name: "action.type", modify: func(p *SubjectParameters) { p.ActionLink.Action.Type = "" }},
			{name: "action.data", modify: func(p *SubjectParameters) { p.ActionLink.Action.Data = "" }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()

				files := newFakeFiles()
				n := newTestNotifier(t, files, zap.NewNop())
				in := mention()
				tt.modify(&in.Parameters)

				_, err := n.Prepare(context.Background(), in, "en")
				if !errors.Is(err, ErrInvalidArgument) {
					t.Fatalf("err = %v, want ErrInvalidArgument", err)
				}
				if files.lookups() != 0 {
					t.Errorf("問い合わせ回数 = %d, want 0", files.lookups())
				}
			})
		}
	})

	t.Run("ファイルが見つからない場合はErrAlreadyProcessedとinfoログ1件になること", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zapcore.DebugLevel)
		files := newFakeFiles()
		n := newTestNotifier(t, files, zap.New(core))
		in := mention()
		in.Parameters.FileID = 7

		_, err := n.Prepare(context.Background(), in, "en")
		if !errors.Is(err, ErrAlreadyProcessed) {
			t.Fatalf("err = %v, want ErrAlreadyProcessed", err)
		}
		if logs.Len() != 1 {
			t.Fatalf("ログ件数 = %d, want 1", logs.Len())
		}
		entry := logs.All()[0]
		if entry.Level != zapcore.InfoLevel {
			t.Errorf("ログレベル = %v, want info", entry.Level)
		}
		fields := entry.ContextMap()
		if fields["file_id"] != int64(7) {
			t.Errorf("file_id = %v, want 7", fields["file_id"])
		}
		if fields["app"] != testApp {
			t.Errorf("app = %v, want %q", fields["app"], testApp)
		}
		if files.accessCalls.Load() != 0 || files.nameCalls.Load() != 0 {
			t.Error("ファイルが無いのにアクセスリストか表示名を問い合わせた")
		}
	})

	t.Run("ファイル取得の障害はerrorログの上でErrAlreadyProcessedになること", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zapcore.DebugLevel)
		files := newFakeFiles()
		files.fileErr = errors.New("connection refused")
		n := newTestNotifier(t, files, zap.New(core))

		_, err := n.Prepare(context.Background(), mention(), "en")
		if !errors.Is(err, ErrAlreadyProcessed) {
			t.Fatalf("err = %v, want ErrAlreadyProcessed", err)
		}
		if logs.FilterLevelExact(zapcore.ErrorLevel).Len() != 1 {
			t.Errorf("errorログ件数 = %d, want 1", logs.FilterLevelExact(zapcore.ErrorLevel).Len())
		}
		if logs.FilterLevelExact(zapcore.InfoLevel).FilterField(zap.Int64("file_id", 42)).Len() != 1 {
			t.Error("file_id付きのinfoログが1件出力されていない")
		}
	})

	t.Run("受信者がアクセスできない場合はログなしでErrAlreadyProcessedになること", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zapcore.DebugLevel)
		files := newFakeFiles()
		files.access[42] = []string{"alice"}
		n := newTestNotifier(t, files, zap.New(core))

		_, err := n.Prepare(context.Background(), mention(), "en")
		if !errors.Is(err, ErrAlreadyProcessed) {
			t.Fatalf("err = %v, want ErrAlreadyProcessed", err)
		}
		if logs.Len() != 0 {
			t.Errorf("ログ件数 = %d, want 0", logs.Len())
		}
		if files.nameCalls.Load() != 0 {
			t.Error("アクセスできないのに表示名を問い合わせた")
		}
	})

	t.Run("アクセスリスト取得の障害はErrServiceUnavailableになること", func(t *testing.T) {
		t.Parallel()

		files := newFakeFiles()
		files.accessErr = errors.New("timeout")
		n := newTestNotifier(t, files, zap.NewNop())

		_, err := n.Prepare(context.Background(), mention(), "en")
		if !errors.Is(err, ErrServiceUnavailable) {
			t.Fatalf("err = %v, want ErrServiceUnavailable", err)
		}
	})

	t.Run("表示名取得の障害はErrServiceUnavailableになること", func(t *testing.T) {
		t.Parallel()

		files := newFakeFiles()
		files.nameErr = errors.New("timeout")
		n := newTestNotifier(t, files, zap.NewNop())

		_, err := n.Prepare(context.Background(), mention(), "en")
		if !errors.Is(err, ErrServiceUnavailable) {
			t.Fatalf("err = %v, want ErrServiceUnavailable", err)
		}
	})

	t.Run("メンションしたユーザーが存在しない場合はIDを表示名に使うこと", func(t *testing.T) {
		t.Parallel()

		files := newFakeFiles()
		delete(files.names, "alice")
		n := newTestNotifier(t, files, zap.NewNop())

		got, err := n.Prepare(context.Background(), mention(), "en")
		if err != nil {
			t.Fatalf("Prepare()でエラー: %v", err)
		}
		if got.RichParameters["notifier"].Name != "alice" {
			t.Errorf("notifier.name = %q, want %q", got.RichParameters["notifier"].Name, "alice")
		}
	})

	t.Run("同じ入力からは同じ結果が得られること", func(t *testing.T) {
		t.Parallel()

		files := newFakeFiles()
		n := newTestNotifier(t, files, zap.NewNop())

		first, err := n.Prepare(context.Background(), mention(), "de")
		if err != nil {
			t.Fatalf("1回目のPrepare()でエラー: %v", err)
		}
		second, err := n.Prepare(context.Background(), mention(), "de")
		if err != nil {
			t.Fatalf("2回目のPrepare()でエラー: %v", err)
		}
		if diff := cmp.Diff(first, second); diff != "" {
			t.Errorf("結果が一致しない (-first +second):\n%s", diff)
		}
	})

	t.Run("言語ごとに件名が翻訳され、リンクとリッチパラメータは変わらないこと", func(t *testing.T) {
		t.Parallel()

		files := newFakeFiles()
		n := newTestNotifier(t, files, zap.NewNop())

		en, err := n.Prepare(context.Background(), mention(), "en")
		if err != nil {
			t.Fatalf("Prepare(en)でエラー: %v", err)
		}
		de, err := n.Prepare(context.Background(), mention(), "de")
		if err != nil {
			t.Fatalf("Prepare(de)でエラー: %v", err)
		}

		if want := `Alice hat dich in report.docx erwähnt: "see section 2".`; de.ParsedSubject != want {
			t.Errorf("de.ParsedSubject = %q, want %q", de.ParsedSubject, want)
		}
		if want := `{notifier} hat dich in {file} erwähnt: "see section 2".`; de.RichSubject != want {
			t.Errorf("de.RichSubject = %q, want %q", de.RichSubject, want)
		}
		if en.ParsedSubject == de.ParsedSubject {
			t.Error("言語が違うのに件名が同じ")
		}
		if en.Link != de.Link {
			t.Errorf("Link が言語で変わった: %q != %q", en.Link, de.Link)
		}
		if diff := cmp.Diff(en.RichParameters, de.RichParameters); diff != "" {
			t.Errorf("RichParameters が言語で変わった (-en +de):\n%s", diff)
		}
	})

	t.Run("未対応の言語はデフォルト言語で表示されること", func(t *testing.T) {
		t.Parallel()

		n := newTestNotifier(t, newFakeFiles(), zap.NewNop())
		got, err := n.Prepare(context.Background(), mention(), "xx")
		if err != nil {
			t.Fatalf("Prepare()でエラー: %v", err)
		}
		if want := `Alice mentioned you in the report.docx: "see section 2".`; got.ParsedSubject != want {
			t.Errorf("ParsedSubject = %q, want %q", got.ParsedSubject, want)
		}
	})

	t.Run("入力の通知は変更されないこと", func(t *testing.T) {
		t.Parallel()

		n := newTestNotifier(t, newFakeFiles(), zap.NewNop())
		in := mention()
		before := in
		if _, err := n.Prepare(context.Background(), in, "en"); err != nil {
			t.Fatalf("Prepare()でエラー: %v", err)
		}
		if diff := cmp.Diff(before, in); diff != "" {
			t.Errorf("入力が変更された (-before +after):\n%s", diff)
		}
	})
}
