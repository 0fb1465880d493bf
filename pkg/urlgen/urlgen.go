// Package urlgen は名前付きルートとアセットから絶対URLを組み立てる。
package urlgen

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownRoute は登録されていないルート名が指定されたことを表す。
var ErrUnknownRoute = errors.New("未登録のルートです")

// Generator は公開ベースURLと名前付きルートを保持するURLジェネレータ。
// ルートの登録は起動時に行い、以降は並行して参照できる。
type Generator struct {
	// baseURL はスキーム・ホスト・パス接頭辞からなる公開ベースURL（末尾スラッシュなし）。
	baseURL string
	// mu はroutesへの並行アクセスを保護する。
	mu sync.RWMutex
	// routes はルート名からパスパターン（例: "/apps/onlyoffice/{fileId}"）への対応。
	routes map[string]string
}

// New は新しいGeneratorを生成する。baseURLは絶対URLでなければならない。
func New(baseURL string) (*Generator, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ベースURLの解析に失敗: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ベースURLは絶対URLである必要があります: %q", baseURL)
	}
	return &Generator{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		routes:  make(map[string]string),
	}, nil
}

// Register は名前付きルートを登録する。同名のルートは上書きされる。
func (g *Generator) Register(name, pattern string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routes[name] = "/" + strings.TrimPrefix(pattern, "/")
}

// HasRoute はルートが登録済みかどうかを返す。
func (g *Generator) HasRoute(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.routes[name]
	return ok
}

// AbsoluteURL はpathをベースURLに連結した絶対URLを返す。
func (g *Generator) AbsoluteURL(path string) string {
	return g.baseURL + "/" + strings.TrimPrefix(path, "/")
}

// ImagePath はアプリの画像アセットのパスを返す。
func (g *Generator) ImagePath(app, image string) string {
	return "/apps/" + url.PathEscape(app) + "/img/" + url.PathEscape(image)
}

// LinkToRoute はルートnameのパスを返す。パターン中の {param} はparamsの値で置き換え、
// 残りのパラメータはキーでソートしたクエリ文字列として付加する。
func (g *Generator) LinkToRoute(name string, params map[string]string) (string, error) {
	g.mu.RLock()
	pattern, ok := g.routes[name]
	g.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRoute, name)
	}

	used := make(map[string]bool, len(params))
	var b strings.Builder
	rest := pattern
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return "", fmt.Errorf("ルートパターンが不正です: %s: %q", name, pattern)
		}
		end += start

		key := rest[start+1 : end]
		value, ok := params[key]
		if !ok {
			return "", fmt.Errorf("ルート %s のパラメータ %q がありません", name, key)
		}
		b.WriteString(rest[:start])
		b.WriteString(url.PathEscape(value))
		used[key] = true
		rest = rest[end+1:]
	}

	query := url.Values{}
	keys := make([]string, 0, len(params))
	for k := range params {
		if !used[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		query.Set(k, params[k])
	}

	path := b.String()
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return path, nil
}

// LinkToRouteAbsolute はLinkToRouteの結果を絶対URLにして返す。
func (g *Generator) LinkToRouteAbsolute(name string, params map[string]string) (string, error) {
	path, err := g.LinkToRoute(name, params)
	if err != nil {
		return "", err
	}
	return g.AbsoluteURL(path), nil
}
