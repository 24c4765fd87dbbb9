package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"

	"lastbid/api"
)

func main() {
	args, err := ParseArgs()
	if err != nil {
		panic(err)
	}
	if err := args.Validate(); err != nil {
		panic(fmt.Sprintf("missing arguments: %v", err))
	}

	// 開發用: 簽發 token 後結束
	if args.IssueToken != "" {
		token, err := api.IssueToken(args.PrivateKey, args.IssueToken, args.ServerConfig.Auth.Issuer, args.ServerConfig.Auth.Audience, args.IssueTokenTTL)
		if err != nil {
			panic(err)
		}
		fmt.Println(token)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(args.LogLevel)}))
	slog.SetDefault(logger)

	server, err := api.NewServer(args.ServerConfig, api.WithServerLogger(logger))
	if err != nil {
		panic(err)
	}
	defer server.Close()
	if err := server.Start(); err != nil {
		panic(err)
	}

	router := gin.Default()
	server.RegisterHandlers(router)
	httpServer := &http.Server{
		Addr:    args.ServerURL,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// SSE 連線會在 server.Close 時結束，這裡只等待一般請求
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Fail to shutdown http server", slog.Any("error", err))
		}
	}()

	logger.Info("Server started", slog.String("addr", args.ServerURL), slog.String("instance", args.ServerConfig.ID))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
