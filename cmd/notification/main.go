// 通知サービスのエントリポイント。
// ドキュメントエディタのメンションを保存し、受信者の言語で準備した通知一覧を配信する。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/docnotify/internal/notification"
	"github.com/nao1215/docnotify/pkg/config"
	"github.com/nao1215/docnotify/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("DOCNOTIFY_CONFIG"), "設定ファイル（YAML）のパス")
	flag.Parse()

	cfg, err := config.Load(*configPath)
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

	server, err := notification.NewServer(cfg, log.Named("notification"))
	if err != nil {
		log.Fatal("通知サーバーの初期化に失敗", zap.Error(err))
	}
	defer func() { _ = server.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		_ = server.Close()
		log.Fatal("通知サービスが異常終了しました", zap.Error(err))
	}
}
