package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"demeet/internal/config"
	"demeet/internal/db"
	"demeet/internal/huddle"
	clog "demeet/internal/log"
	"demeet/internal/poll"
	"demeet/internal/server"
	"demeet/internal/ws"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库，并启动 API、实时两个监听端口与过期清理任务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	svc := server.NewServices(cfg, gdb, huddle.NewClient(cfg.HuddleBaseURL, cfg.HuddleAPIKey))
	hub := ws.NewHub(svc.Chat, poll.NewRegistry())

	api, rl := server.SetupRouter(cfg, gdb, svc)
	defer rl.Stop()
	apiSrv := &http.Server{Addr: ":" + cfg.Port, Handler: api, ReadHeaderTimeout: 10 * time.Second}
	rtSrv := &http.Server{Addr: ":" + cfg.SocketPort, Handler: server.SetupRealtimeRouter(cfg, gdb, hub), ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range []*http.Server{apiSrv, rtSrv} {
		srv := srv
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		svc.Meetings.RunSweeper(ctx, time.Duration(cfg.SweepIntervalSeconds)*time.Second)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(apiSrv.Shutdown(sctx), rtSrv.Shutdown(sctx))
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}
