// Package cmd wires the service together: store, session, gateway, network
// client, payment executor, renewal scheduler, monitor and the local control
// server.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cargabot/cargabot/internal/api"
	"github.com/cargabot/cargabot/internal/auth"
	"github.com/cargabot/cargabot/internal/config"
	"github.com/cargabot/cargabot/internal/evapi"
	"github.com/cargabot/cargabot/internal/gateway"
	"github.com/cargabot/cargabot/internal/logging"
	"github.com/cargabot/cargabot/internal/monitor"
	"github.com/cargabot/cargabot/internal/notify"
	"github.com/cargabot/cargabot/internal/payment"
	"github.com/cargabot/cargabot/internal/renewal"
	"github.com/cargabot/cargabot/internal/store"
	"github.com/cargabot/cargabot/internal/util"
	"github.com/cargabot/cargabot/internal/watcher"
)

// authAlert surfaces an unrepairable session to the operator.
type authAlert struct {
	notifier notify.Notifier
}

func (a *authAlert) OnAuthFailure(ctx context.Context, err error) {
	log.Errorf("session can no longer be repaired: %v", err)
	a.notifier.Notify(ctx, fmt.Sprintf("🔑 Session expired and could not be repaired: %v\nRun with -login to re-authenticate.", err))
}

// StartService runs the bot until an interrupt arrives.
func StartService(cfg *config.Config, configPath string) {
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.DataDir); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to open data store: %v", err)
	}

	session := auth.NewSession(cfg, st)
	if !session.IsValid() && !session.IsRefreshable() {
		log.Warn("no stored session; a full login will run on first use")
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		notifier = notify.NewTelegram(cfg.Telegram)
	} else {
		log.Warn("telegram is not configured, notifications are disabled")
	}

	gw := gateway.New(cfg, session, &authAlert{notifier: notifier})
	client := evapi.NewClient(cfg, gw)
	authenticator := auth.NewAuthenticator(session, auth.NewFlow(cfg, session), codeProvider(cfg), cfg.Username, cfg.Password)
	payments := payment.NewRedsys(cfg, nil)
	sched := renewal.NewScheduler(cfg, client, authenticator, payments, notifier)
	mon := monitor.New(cfg, client, st, notifier)
	server := api.NewServer(cfg, session, sched, mon)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configWatcher, err := watcher.NewWatcher(configPath, func(updated *config.Config) {
		util.SetLogLevel(updated)
		log.Info("configuration reloaded")
	})
	if err != nil {
		log.Warnf("config watching disabled: %v", err)
	} else {
		if err = configWatcher.Start(ctx); err != nil {
			log.Warnf("config watching disabled: %v", err)
		}
		defer func() {
			_ = configWatcher.Stop()
		}()
	}

	go mon.Run(ctx)
	go func() {
		if err := server.Start(); err != nil {
			log.Errorf("control server stopped: %v", err)
			stop()
		}
	}()
	log.Infof("service ready, control server on 127.0.0.1:%d", cfg.Port)

	<-ctx.Done()
	log.Info("shutting down")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Errorf("control server shutdown failed: %v", err)
	}
}
