// Package config はviperを用いた設定の読み込みを提供する。
//
// 設定ファイル（YAML）は任意で、存在しない場合はデフォルト値と
// 環境変数のみで動作する。環境変数はDOCNOTIFY_接頭辞付きのキー
// （例: DOCNOTIFY_L10N_DEFAULT_LANGUAGE）か、従来のPORT・JWT_SECRET等で上書きできる。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nao1215/docnotify/pkg/event"
	"github.com/spf13/viper"
)

// Config はサービス全体の設定。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	App      AppConfig      `mapstructure:"app"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Database DatabaseConfig `mapstructure:"database"`
	Files    FilesConfig    `mapstructure:"files"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
	L10n     L10nConfig     `mapstructure:"l10n"`
	Features FeatureConfig  `mapstructure:"features"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string `mapstructure:"port"`
	// BaseURL は絶対URLを組み立てる際の公開ベースURL。
	BaseURL string `mapstructure:"base_url"`
	// AllowedOrigins はCORSで許可するオリジン（エディタのフロントエンド等）。
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AppConfig は通知を発行するアプリケーションの設定。
type AppConfig struct {
	// Name はアプリケーション名。通知のApp値やルート名の接頭辞に使う。
	Name string `mapstructure:"name"`
}

// JWTConfig はJWT認証の設定。
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// DatabaseConfig はSQLiteデータベースの設定。
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// FilesConfig はファイルサービスへの接続設定。
type FilesConfig struct {
	URL        string `mapstructure:"url"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

// AMQPConfig はメンションイベントを受信するメッセージキューの設定。
// URLが空の場合はコンシューマを起動しない。
type AMQPConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	Queue      string `mapstructure:"queue"`
	RoutingKey string `mapstructure:"routing_key"`
}

// L10nConfig はローカライズの設定。
type L10nConfig struct {
	DefaultLanguage string `mapstructure:"default_language"`
}

// FeatureConfig は起動時に一度だけ解決する任意機能のフラグ。
type FeatureConfig struct {
	// DirectEditing はモバイルクライアント向けのダイレクト編集を有効にする。
	DirectEditing bool `mapstructure:"direct_editing"`
	// Viewer はホストのビューアからエディタを開く連携を有効にする。
	Viewer bool `mapstructure:"viewer"`
}

// LogConfig はロガーの設定。
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Option は読み込み時のデフォルト値を上書きする。
type Option func(v *viper.Viper)

// WithDefault はキーのデフォルト値を上書きする。
// サービスごとにポートやデータベースパスを変えるために使う。
func WithDefault(key string, value any) Option {
	return func(v *viper.Viper) {
		v.SetDefault(key, value)
	}
}

// legacyEnv は接頭辞なしで受け付ける環境変数。
var legacyEnv = map[string]string{
	"server.port":     "PORT",
	"server.base_url": "BASE_URL",
	"jwt.secret":      "JWT_SECRET",
	"database.path":   "DATABASE_PATH",
	"files.url":       "FILES_URL",
	"amqp.url":        "AMQP_URL",
}

// Load はpathの設定ファイルを読み込む。pathが空またはファイルが存在しない場合は
// デフォルト値と環境変数のみで設定を組み立てる。
func Load(path string, opts ...Option) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for _, opt := range opts {
		opt(v)
	}

	v.SetEnvPrefix("docnotify")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		// 接頭辞付きの環境変数を優先し、無ければ従来名を見る
		if err := v.BindEnv(key, "DOCNOTIFY_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("環境変数のバインドに失敗: %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の解析に失敗: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults はすべてのキーのデフォルト値を設定する。
// AutomaticEnvはデフォルトのあるキーしかUnmarshalに反映しないため、全キーを列挙する。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8086")
	v.SetDefault("server.base_url", "http://localhost:8086")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("app.name", "onlyoffice")
	v.SetDefault("jwt.secret", "dev-secret-key")
	v.SetDefault("database.path", "/data/notification.db")
	v.SetDefault("files.url", "http://localhost:8087")
	v.SetDefault("files.timeout_sec", 10)
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "docnotify.events")
	v.SetDefault("amqp.queue", "docnotify.mentions")
	v.SetDefault("amqp.routing_key", event.RoutingKeyMentionCreated)
	v.SetDefault("l10n.default_language", "en")
	v.SetDefault("features.direct_editing", false)
	v.SetDefault("features.viewer", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// validate は起動に必須の値を検証する。
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return errors.New("server.portが空です")
	}
	if c.App.Name == "" {
		return errors.New("app.nameが空です")
	}
	if c.Database.Path == "" {
		return errors.New("database.pathが空です")
	}
	return nil
}
