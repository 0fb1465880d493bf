package files

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nao1215/docnotify/internal/notifier"
	"github.com/nao1215/docnotify/pkg/httpclient"
	"github.com/nao1215/docnotify/pkg/middleware"
)

// ServiceUserID はファイルサービスを呼び出すサービス用トークンのsubject。
var ServiceUserID = middleware.ServiceSubject("notification")

// serviceTokenTTL はリクエストごとに発行するサービス用トークンの有効期間。
const serviceTokenTTL = time.Minute

const (
	// defaultLookupTimeout はtimeoutが0以下の場合の問い合わせタイムアウト。
	defaultLookupTimeout = 10 * time.Second
	// maxIdleConnsPerHost はファイルサービスに対して保持するアイドル接続数。
	// 一覧の準備では通知1件につき複数回問い合わせる。
	maxIdleConnsPerHost = 32
)

// Client はファイルサービスのHTTPクライアント。
// notifier.FileLookup・notifier.AccessLister・notifier.UserDirectory を実装する。
type Client struct {
	http *httpclient.Client
}

var (
	_ notifier.FileLookup    = (*Client)(nil)
	_ notifier.AccessLister  = (*Client)(nil)
	_ notifier.UserDirectory = (*Client)(nil)
)

// NewClient はファイルサービスのクライアントを生成する。
// secretはファイルサービスのJWTAuthと共有する署名鍵で、リクエストごとにサービス用トークンを発行する。
func NewClient(baseURL string, timeout time.Duration, secret string) *Client {
	hc := &http.Client{Transport: newTransport(), Timeout: defaultLookupTimeout}
	return &Client{
		http: httpclient.New(baseURL,
			httpclient.WithHTTPClient(hc),
			httpclient.WithTimeout(timeout),
			httpclient.WithTokenSource(serviceTokens(secret)),
		),
	}
}

// newTransport はホストあたりのアイドル接続数を増やしたトランスポートを返す。
func newTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = maxIdleConnsPerHost
	return t
}

// serviceTokens はリクエストごとに短命のサービス用トークンを発行する。
func serviceTokens(secret string) httpclient.TokenSource {
	return func(context.Context) (string, error) {
		return middleware.GenerateJWT(secret, ServiceUserID, serviceTokenTTL)
	}
}

// FileByID はuserIDのツリーから見えるファイルを取得する。
// 存在しないか見えない場合は notifier.ErrNotFound を返す。
func (c *Client) FileByID(ctx context.Context, userID string, fileID int64) (*notifier.File, error) {
	var f File
	path := fmt.Sprintf("/api/v1/users/%s/files/%d", url.PathEscape(userID), fileID)
	if err := c.http.GetJSON(ctx, path, &f); err != nil {
		return nil, translate(err, "ファイル %d の取得に失敗", fileID)
	}
	return &notifier.File{ID: f.ID, Name: f.Name, OwnerID: f.OwnerID}, nil
}

// AccessList はファイルにアクセスできるユーザーの一覧を取得する。
func (c *Client) AccessList(ctx context.Context, file *notifier.File) (*notifier.AccessList, error) {
	var resp accessListResponse
	if err := c.http.GetJSON(ctx, fmt.Sprintf("/api/v1/files/%d/access", file.ID), &resp); err != nil {
		return nil, translate(err, "ファイル %d のアクセスリスト取得に失敗", file.ID)
	}
	return &notifier.AccessList{Users: resp.Users}, nil
}

// DisplayName はユーザーの表示名を取得する。
func (c *Client) DisplayName(ctx context.Context, userID string) (string, error) {
	var u User
	if err := c.http.GetJSON(ctx, "/api/v1/users/"+url.PathEscape(userID), &u); err != nil {
		return "", translate(err, "ユーザー %s の取得に失敗", userID)
	}
	return u.DisplayName, nil
}

// translate は404を notifier.ErrNotFound に置き換えてエラーをラップする。
func translate(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if httpclient.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%s: %w", msg, notifier.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
