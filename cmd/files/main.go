// ファイルサービスのエントリポイント。
// ファイルツリー・共有・ユーザーディレクトリを提供し、通知サービスからの問い合わせに答える。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/docnotify/internal/files"
	"github.com/nao1215/docnotify/pkg/config"
	"github.com/nao1215/docnotify/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("DOCNOTIFY_CONFIG"), "設定ファイル（YAML）のパス")
	flag.Parse()

	cfg, err := config.Load(*configPath,
		config.WithDefault("server.port", "8087"),
		config.WithDefault("server.base_url", "http://localhost:8087"),
		config.WithDefault("database.path", "/data/files.db"),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ロガーの初期化に失敗: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	server, err := files.NewServer(cfg, log.Named("files"))
	if err != nil {
		log.Fatal("ファイルサーバーの初期化に失敗", zap.Error(err))
	}
	defer func() { _ = server.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		_ = server.Close()
		log.Fatal("ファイルサービスが異常終了しました", zap.Error(err))
	}
}
