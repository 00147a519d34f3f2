package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	logrus "github.com/sirupsen/logrus"

	"dlmmrotation/internal/metrics"
	"dlmmrotation/internal/notify"
	"dlmmrotation/pkg/config"
)

const prefetch = 10

// The worker drains the notification queue filled by the api and delivers
// each message through the Bot API.
func main() {
	settings, err := config.Load()
	if err != nil {
		logrus.Fatal("Failed to load settings: ", err)
	}
	log := settings.NewLogger("worker")

	if settings.TelegramBotToken == "" {
		log.Fatal("TELEGRAM_BOT_TOKEN is required")
	}
	url := settings.RabbitMQURL()
	if url == "" {
		log.Fatal("RABBITMQ_HOST is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	botAPI, err := notify.NewBotAPI(settings.TelegramBotToken, settings.TelegramAPIURL, settings.TelegramTimeout)
	if err != nil {
		log.Fatal(err)
	}

	// Initialize RabbitMQ
	conn, err := config.DialRabbitMQ(ctx, url)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	msgConsumer, err := config.NewConsumer(conn, settings.NotifyQueue, prefetch)
	if err != nil {
		log.Fatal("Failed to create consumer: ", err)
	}
	defer msgConsumer.Close()

	relay := notify.NewRelay(notify.NewTelegramSink(botAPI), metrics.New(prometheus.DefaultRegisterer))
	log.Infof("> notification worker started as @%s, waiting for messages...", botAPI.Self.UserName)

	if err := msgConsumer.Consume(ctx, relay.Handle); err != nil {
		log.Error("Consumer stopped: ", err)
	}
	log.Info("> notification worker stopped")
}
