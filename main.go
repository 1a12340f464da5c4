package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/downstream"
	"github.com/Martian-dev/mailsync/internal/eventstore"
	"github.com/Martian-dev/mailsync/internal/models"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/server"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/vault"
)

func main() {
	log := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	setupLogger(log, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	if err := run(ctx, cfg, db, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("shutdown complete")
}

func setupLogger(log *logrus.Logger, cfg *config.Config) {
	if strings.EqualFold(cfg.LogFormat, "text") {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
}

func run(ctx context.Context, cfg *config.Config, db *sqlx.DB, log *logrus.Logger) error {
	v, err := vault.New(cfg.VaultKey())
	if err != nil {
		return err
	}

	accounts := store.NewAccountRepository(db)
	ledger := eventstore.New(db, cfg.StuckAfter)

	oauth := auth.NewOAuth(cfg.PublicBaseURL,
		auth.OAuthCredentials{ClientID: cfg.GoogleClientID, ClientSecret: cfg.GoogleClientSecret},
		auth.OAuthCredentials{ClientID: cfg.MicrosoftClientID, ClientSecret: cfg.MicrosoftClientSecret},
		cfg.MicrosoftTenant,
	)
	tokens := auth.NewTokenManager(v, oauth, accounts, auth.TokenManagerOptions{
		RefreshBuffer: cfg.TokenRefreshBuffer,
		HTTPTimeout:   cfg.ProviderTimeout,
		Logger:        log,
	})

	providers := mailsync.Providers{}
	if cfg.GoogleEnabled() {
		providers[models.ProviderGoogle] = gmail.New(gmail.Options{
			TopicName:   cfg.GmailPubSubTopic,
			RenewBefore: cfg.RenewLookahead,
			Logger:      log,
		})
	}
	if cfg.MicrosoftEnabled() {
		providers[models.ProviderMicrosoft] = outlook.New(outlook.Options{
			NotificationURL: cfg.PublicBaseURL + "/webhooks/microsoft",
			ClientState:     cfg.GraphClientState,
			SubscriptionTTL: cfg.SubscriptionTTL,
			RenewBefore:     cfg.RenewLookahead,
			Logger:          log,
		})
	}

	forwarder, closeForwarder, err := buildForwarder(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeForwarder()

	runner := &mailsync.Runner{
		Accounts:        accounts,
		Ledger:          ledger,
		Tokens:          tokens,
		Providers:       providers,
		Forwarder:       forwarder,
		ProviderTimeout: cfg.ProviderTimeout,
		Log:             log,
	}

	manager := mailsync.NewManager(runner, mailsync.ManagerOptions{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Inline:    !cfg.AsyncDispatch,
		Logger:    log,
	})
	manager.Start(ctx)

	dispatcher := mailsync.NewDispatcher(accounts, ledger, tokens, providers, runner, manager, mailsync.DispatcherOptions{
		GmailPushToken:   cfg.GmailPushToken,
		GraphClientState: cfg.GraphClientState,
		Logger:           log,
	})

	watchdog := mailsync.NewWatchdog(accounts, ledger, tokens, providers, dispatcher, mailsync.WatchdogOptions{
		ErrorBackoff:   cfg.ErrorBackoff,
		RenewLookahead: cfg.RenewLookahead,
		StaleAfter:     cfg.StaleAfter,
		StuckAfter:     cfg.StuckAfter,
		RedriveLimit:   cfg.RedriveLimit,
		Logger:         log,
	})
	go watchdog.Run(ctx, cfg.WatchdogInterval)

	deps := server.Deps{
		Push:     dispatcher,
		Accounts: accounts,
		Events:   ledger,
		Sender: &mailsync.Sender{
			Accounts:        accounts,
			Ledger:          ledger,
			Tokens:          tokens,
			Providers:       providers,
			ProviderTimeout: cfg.ProviderTimeout,
			Log:             log,
		},
		Watchdog: watchdog,
		Connector: &mailsync.Connector{
			OAuth:     oauth,
			Vault:     v,
			Accounts:  accounts,
			Providers: providers,
			Log:       log,
		},
		OAuth:         oauth,
		InternalToken: cfg.InternalAPIToken,
		PublicBaseURL: cfg.PublicBaseURL,
		AppRedirect:   cfg.AppRedirect,
		Logger:        log,
	}
	if cfg.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(ctx, cfg.JWKSURL)
		if err != nil {
			return err
		}
		deps.Sessions = verifier
		log.WithField("jwks_url", cfg.JWKSURL).Info("session auth enabled")
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.New(deps),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port":      cfg.Port,
			"google":    cfg.GoogleEnabled(),
			"microsoft": cfg.MicrosoftEnabled(),
			"async":     cfg.AsyncDispatch,
		}).Info("mailsync listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		log.WithField("running", manager.Running()).WithError(err).Warn("events still running at shutdown")
	}
	return nil
}

// buildForwarder wires the configured downstream targets
func buildForwarder(ctx context.Context, cfg *config.Config, log *logrus.Logger) (downstream.Forwarder, func(), error) {
	var targets downstream.Multi
	closer := func() {}

	if cfg.DownstreamWebhookURL != "" {
		hook, err := downstream.NewWebhook(downstream.WebhookOptions{
			URL:     cfg.DownstreamWebhookURL,
			Secret:  cfg.DownstreamWebhookSecret,
			Timeout: cfg.DownstreamTimeout,
			Logger:  log,
		})
		if err != nil {
			return nil, closer, err
		}
		targets = append(targets, hook)
	}

	if cfg.NATSURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATSURL, cfg.NATSStream, cfg.NATSSubjectPrefix)
		if err != nil {
			return nil, closer, err
		}
		if err := pub.EnsureStream(ctx); err != nil {
			pub.Close()
			return nil, closer, err
		}
		closer = pub.Close
		targets = append(targets, pub)
		log.WithField("stream", cfg.NATSStream).Info("jetstream forwarding enabled")
	}

	if len(targets) == 1 {
		return targets[0], closer, nil
	}
	return targets, closer, nil
}
