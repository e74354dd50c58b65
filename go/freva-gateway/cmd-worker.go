package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/freva-org/freva-gateway/go/cache"
	"github.com/freva-org/freva-gateway/go/worker"
)

type cmdWorker struct {
	Concurrency int  `long:"concurrency" env:"API_WORKER_CONCURRENCY" default:"4" description:"Concurrent jobs this worker processes"`
	DevMode     bool `long:"dev" env:"API_DEV_MODE" description:"Development mode; honours shutdown messages"`
	MetricsPort int  `long:"metrics-port" env:"API_WORKER_METRICS_PORT" default:"0" description:"Port serving worker metrics; 0 disables"`

	Redis redisConfig `group:"Cache"`
	Log   logConfig   `group:"Logging"`
}

func (cmd cmdWorker) Execute(_ []string) error {
	initLog(cmd.Log.Level)
	var ctx, stop = signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var c = cache.New(cache.Config{
		Host:     cmd.Redis.Host,
		Port:     cmd.Redis.Port,
		User:     cmd.Redis.User,
		Password: cmd.Redis.Password,
		CertFile: cmd.Redis.CertFile,
		KeyFile:  cmd.Redis.KeyFile,
		Exp:      time.Duration(cmd.Redis.CacheExp) * time.Second,
	})
	defer c.Close()
	if err := c.Ping(ctx); err != nil {
		return err
	}

	var w, err = worker.New(c, cmd.Concurrency, cmd.DevMode)
	if err != nil {
		return err
	}

	var group, gctx = errgroup.WithContext(ctx)
	group.Go(func() error {
		if rerr := w.Run(gctx); rerr != nil && !errors.Is(rerr, context.Canceled) {
			return rerr
		}
		return nil
	})
	if cmd.MetricsPort > 0 {
		var srv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cmd.MetricsPort),
			Handler: promhttp.Handler(),
		}
		group.Go(func() error {
			if serr := srv.ListenAndServe(); serr != http.ErrServerClosed {
				return serr
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	log.Info("worker running")
	return group.Wait()
}
