package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"dlmmrotation/internal/automation"
	"dlmmrotation/internal/bot"
	"dlmmrotation/internal/cache"
	"dlmmrotation/internal/handlers"
	"dlmmrotation/internal/jobs"
	"dlmmrotation/internal/lock"
	"dlmmrotation/internal/metrics"
	"dlmmrotation/internal/middleware"
	"dlmmrotation/internal/monitor"
	"dlmmrotation/internal/notify"
	"dlmmrotation/internal/position"
	"dlmmrotation/internal/routes"
	"dlmmrotation/internal/store"
	"dlmmrotation/pkg/config"
	"dlmmrotation/pkg/meteora"
	"dlmmrotation/pkg/solana"
	"dlmmrotation/pkg/utils"
)

const (
	shutdownTimeout = 10 * time.Second
	healthTimeout   = 5 * time.Second
	jupiterTimeout  = 10 * time.Second
	botReconnect    = time.Minute
)

func main() {
	settings, err := config.Load()
	if err != nil {
		logrus.Fatal("Failed to load settings: ", err)
	}
	log := settings.NewLogger("api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := config.InitDB(settings.DSN(), true)
	if err != nil {
		log.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal(err)
	}
	defer sqlDB.Close()
	repo := store.NewGormStore(db)

	m := metrics.New(prometheus.DefaultRegisterer)

	upstream := meteora.NewClient(settings.MeteoraAPIURL, settings.MeteoraTimeout)
	pools := cache.NewPoolCache(upstream, settings.PoolCacheTTL, settings.PoolMinTVL, log, m)
	grouped := cache.NewGroupedPoolCache(upstream, cache.GroupedConfig{
		GroupsTTL:   settings.GroupsTTL,
		PoolsTTL:    settings.GroupPoolsTTL,
		MinGroupTVL: settings.GroupMinTVL,
		MinPoolTVL:  settings.PoolMinTVL,
		GroupLimit:  settings.GroupLimit,
		Concurrency: settings.GroupConcurrency,
	}, log, m)

	var botAPI *tgbotapi.BotAPI
	if settings.TelegramBotToken != "" {
		botAPI, err = notify.NewBotAPI(settings.TelegramBotToken, settings.TelegramAPIURL, settings.TelegramTimeout)
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("> telegram bot @%s authorized", botAPI.Self.UserName)
	}

	sink, closeSink := notificationSink(ctx, settings, botAPI, log)
	defer closeSink()
	notifier := notify.NewNotifier(sink, log.WithField("component", "notify"), m)

	runner := jobs.New(jobs.Config{Slots: settings.JobConcurrency, MisfireGrace: settings.JobGrace}, log, m)
	runner.Start()
	defer runner.Stop()

	tracker := position.NewTracker(utils.NewJupiterClient(settings.JupiterQuoteURL, jupiterTimeout), log.WithField("component", "tracker"))
	sdk := meteora.NewSDKClient(settings.SDKServiceURL, settings.SDKTimeout, executionSigner(settings, log))
	locker := lock.NewPostgres(sqlDB)

	mon := monitor.NewScheduler(repo, pools, runner, notifier, log, m)
	degen := monitor.NewDegenMonitor(repo, pools, runner, notifier, log)
	if _, err := mon.LoadActiveMonitors(ctx); err != nil {
		log.WithError(err).Error("failed to load active monitors")
	}
	if _, err := degen.LoadActive(ctx); err != nil {
		log.WithError(err).Error("failed to load degen monitors")
	}

	statuses := solana.NewRPCStatusClient(settings.SolanaRPC, settings.RPCRateLimit)
	if err := automation.NewScheduler(repo, sdk, pools, tracker, statuses, runner, notifier, log, m).Start(); err != nil {
		log.Fatal(err)
	}
	if err := automation.NewWorker(repo, sdk, locker, pools, runner, notifier, log, m).Start(); err != nil {
		log.Fatal(err)
	}

	if botAPI != nil {
		go runBot(ctx, settings, botAPI, repo, mon, locker, log)
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN not set, bot commands disabled")
	}

	h := &handlers.Handler{
		Store:       repo,
		Pools:       pools,
		Grouped:     grouped,
		Monitor:     mon,
		Degen:       degen,
		Tracker:     tracker,
		AuthCodeTTL: settings.AuthCodeTTL,
		Log:         log.WithField("component", "http"),
		Health: map[string]handlers.HealthCheck{
			"database":    sqlDB.PingContext,
			"sdk_service": sdk.Health,
			"solana_rpc": func(ctx context.Context) error {
				res := solana.CheckRPC(ctx, settings.SolanaRPC, healthTimeout)
				if !res.OK {
					return errors.New(res.Error)
				}
				return nil
			},
		},
	}

	r := routes.SetupRouter(h, routes.Config{
		AllowedOrigins: settings.AllowedOrigins,
		RateLimit: middleware.RateLimiterConfig{
			RequestsPerSecond: settings.RateLimitRPS,
			Burst:             settings.RateLimitBurst,
		},
	})
	srv := &http.Server{Addr: ":" + settings.Port, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server: ", err)
		}
	}()
	log.Infof("> listening on :%s", settings.Port)

	<-ctx.Done()
	log.Info("> shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
}

// notificationSink publishes to RabbitMQ when a broker is configured and
// falls back to sending through the Bot API directly.
func notificationSink(ctx context.Context, settings *config.Settings, botAPI *tgbotapi.BotAPI, log *logrus.Entry) (notify.Sink, func()) {
	if url := settings.RabbitMQURL(); url != "" {
		conn, err := config.DialRabbitMQ(ctx, url)
		if err != nil {
			log.Fatal(err)
		}
		pub, err := config.NewPublisher(conn)
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("> notifications go through queue %s", settings.NotifyQueue)
		return notify.NewQueueSink(pub, settings.NotifyQueue), func() {
			pub.Close()
			conn.Close()
		}
	}
	if botAPI != nil {
		return notify.NewTelegramSink(botAPI), func() {}
	}
	log.Warn("RabbitMQ and Telegram not configured, notifications disabled")
	return nil, func() {}
}

// runBot polls Telegram commands until ctx is done. A bot that lost the
// poller lock is rebuilt on a new BotAPI, since a stopped one cannot poll
// again, and waits for the lock like any other instance.
func runBot(ctx context.Context, settings *config.Settings, api *tgbotapi.BotAPI, repo store.Repository,
	mon *monitor.Scheduler, locker lock.Locker, log *logrus.Entry) {
	for {
		err := bot.New(api, notify.NewTelegramSink(api), repo, mon, locker, log).Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		if !errors.Is(err, lock.ErrLost) {
			log.WithError(err).Error("telegram bot stopped")
			return
		}
		log.WithError(err).Warn("telegram bot stepped down, reconnecting")

		for {
			api, err = notify.NewBotAPI(settings.TelegramBotToken, settings.TelegramAPIURL, settings.TelegramTimeout)
			if err == nil {
				break
			}
			log.WithError(err).Error("failed to reconnect telegram bot")
			select {
			case <-ctx.Done():
				return
			case <-time.After(botReconnect):
			}
		}
	}
}

// executionSigner loads the execution wallet from the keystore. Without a
// configured wallet SDK requests are sent unsigned.
func executionSigner(settings *config.Settings, log *logrus.Entry) meteora.RequestSigner {
	if settings.WalletAddress == "" {
		log.Warn("WALLET_ADDRESS not set, SDK service requests are unsigned")
		return nil
	}
	wallet, err := solana.NewKeyManager(settings.KeystoreDir).LoadWallet(settings.WalletAddress, settings.KeystorePassword)
	if err != nil {
		log.Fatal("Failed to load execution wallet: ", err)
	}
	log.Infof("> execution wallet %s loaded", wallet.Address())
	return wallet
}
