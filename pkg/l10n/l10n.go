// Package l10n はYAMLの言語バンドルによるメッセージの翻訳を提供する。
//
// バンドルは原文（英語）をキー、訳文を値とするマップで、
// locales/<言語コード>.yaml としてバイナリに埋め込まれる。
// 訳文は %1$s や %s の位置指定プレースホルダーで引数を埋め込む。
package l10n

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var bundleFS embed.FS

// Translator は言語コードごとのバンドルを保持し、翻訳を行う。
// 生成後は読み取り専用のため、複数のゴルーチンから安全に使用できる。
type Translator struct {
	// defaultLang は未対応の言語コードに対して使う言語。
	defaultLang string
	// bundles は正規化した言語コードから原文→訳文のマップへの対応。
	bundles map[string]map[string]string
}

// New は埋め込みバンドルからTranslatorを生成する。
func New(defaultLang string) (*Translator, error) {
	return NewFromFS(bundleFS, "locales", defaultLang)
}

// NewFromFS はfsysのdir配下にある *.yaml をバンドルとして読み込む。
func NewFromFS(fsys fs.FS, dir, defaultLang string) (*Translator, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("言語バンドルディレクトリの読み込みに失敗: %w", err)
	}

	bundles := make(map[string]map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("言語バンドルの読み込みに失敗: %s: %w", entry.Name(), err)
		}
		messages := map[string]string{}
		if err := yaml.Unmarshal(data, &messages); err != nil {
			return nil, fmt.Errorf("言語バンドルの解析に失敗: %s: %w", entry.Name(), err)
		}
		bundles[Normalize(strings.TrimSuffix(entry.Name(), ".yaml"))] = messages
	}

	return &Translator{
		defaultLang: Normalize(defaultLang),
		bundles:     bundles,
	}, nil
}

// Normalize は言語コードを小文字・アンダースコア区切りに正規化する（"pt-BR" → "pt_br"）。
func Normalize(lang string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(lang), "-", "_"))
}

// Resolve はlangに対して実際に使用するバンドルの言語コードを返す。
// 完全一致、基底言語、デフォルト言語の順に探し、見つからなければ空文字列を返す。
func (t *Translator) Resolve(lang string) string {
	lang = Normalize(lang)
	if _, ok := t.bundles[lang]; ok {
		return lang
	}
	if base, _, found := strings.Cut(lang, "_"); found {
		if _, ok := t.bundles[base]; ok {
			return base
		}
	}
	if _, ok := t.bundles[t.defaultLang]; ok {
		return t.defaultLang
	}
	return ""
}

// Languages は読み込まれている言語コードをソートして返す。
func (t *Translator) Languages() []string {
	langs := make([]string, 0, len(t.bundles))
	for lang := range t.bundles {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// T はtextをlangに翻訳し、argsを埋め込んだ文字列を返す。
// 該当する訳文が無い場合はデフォルト言語、それも無ければ原文を使う。
func (t *Translator) T(lang, text string, args ...any) string {
	return Format(t.lookup(lang, text), args...)
}

// lookup はtextの訳文を探す。
func (t *Translator) lookup(lang, text string) string {
	if resolved := t.Resolve(lang); resolved != "" {
		if msg, ok := t.bundles[resolved][text]; ok && msg != "" {
			return msg
		}
	}
	if msg, ok := t.bundles[t.defaultLang][text]; ok && msg != "" {
		return msg
	}
	return text
}

// Format はformat中の %N$s（位置指定）と %s・%d（順番指定）をargsで置き換える。
// %% はパーセント記号になる。対応する引数が無いプレースホルダーはそのまま残す。
func Format(format string, args ...any) string {
	if !strings.Contains(format, "%") {
		return format
	}

	var b strings.Builder
	b.Grow(len(format))
	next := 0
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 >= len(format) {
			b.WriteByte(format[i])
			continue
		}

		if format[i+1] == '%' {
			b.WriteByte('%')
			i++
			continue
		}

		// %N$s
		j := i + 1
		for j < len(format) && format[j] >= '0' && format[j] <= '9' {
			j++
		}
		if j > i+1 && j+1 < len(format) && format[j] == '$' && isVerb(format[j+1]) {
			n, _ := strconv.Atoi(format[i+1 : j])
			if n >= 1 && n <= len(args) {
				b.WriteString(fmt.Sprint(args[n-1]))
			} else {
				b.WriteString(format[i : j+2])
			}
			i = j + 1
			continue
		}

		// %s
		if isVerb(format[i+1]) {
			if next < len(args) {
				b.WriteString(fmt.Sprint(args[next]))
				next++
			} else {
				b.WriteString(format[i : i+2])
			}
			i++
			continue
		}

		b.WriteByte(format[i])
	}
	return b.String()
}

// isVerb はサポートする変換指定子かどうかを返す。
func isVerb(c byte) bool {
	return c == 's' || c == 'd'
}
