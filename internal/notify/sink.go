// Package notify delivers HTML chat messages to linked Telegram chats,
// either directly or through the RabbitMQ notification queue.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/internal/metrics"
)

// QueueName is the RabbitMQ queue consumed by cmd/worker.
const QueueName = "dlmm_notifications"

// Message kinds, used as metric labels and carried on queued messages.
const (
	KindOpportunity = "opportunity"
	KindDegen       = "degen"
	KindTrigger     = "trigger"
	KindExecution   = "execution"
)

// Sink delivers one HTML message to a chat.
type Sink interface {
	Send(ctx context.Context, chatID int64, html string) error
}

// Message is the queued form of a notification.
type Message struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
	Kind   string `json:"kind"`
}

// NewBotAPI connects to the Bot API. endpoint may be empty for the public
// API; it takes the tgbotapi.APIEndpoint format.
func NewBotAPI(token, endpoint string, timeout time.Duration) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return bot, nil
}

// TelegramSink sends messages straight to the Bot API.
type TelegramSink struct {
	bot *tgbotapi.BotAPI
}

func NewTelegramSink(bot *tgbotapi.BotAPI) *TelegramSink {
	return &TelegramSink{bot: bot}
}

func (s *TelegramSink) Send(ctx context.Context, chatID int64, html string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrNotification, err)
	}
	msg := tgbotapi.NewMessage(chatID, html)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("%w: chat %d: %w", apperr.ErrNotification, chatID, err)
	}
	return nil
}

// Publisher is satisfied by config.Publisher.
type Publisher interface {
	Publish(ctx context.Context, queueName string, message interface{}) error
}

// QueueSink hands messages to the notification worker through RabbitMQ.
type QueueSink struct {
	pub   Publisher
	queue string
}

func NewQueueSink(pub Publisher, queue string) *QueueSink {
	if queue == "" {
		queue = QueueName
	}
	return &QueueSink{pub: pub, queue: queue}
}

func (s *QueueSink) Send(ctx context.Context, chatID int64, html string) error {
	kind, _ := ctx.Value(kindKey{}).(string)
	if err := s.pub.Publish(ctx, s.queue, Message{ChatID: chatID, Text: html, Kind: kind}); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrNotification, err)
	}
	return nil
}

type kindKey struct{}

// Notifier wraps a Sink with logging and metrics. Delivery failures are
// logged and swallowed.
type Notifier struct {
	sink    Sink
	log     *logrus.Entry
	metrics *metrics.Metrics
}

func NewNotifier(sink Sink, log *logrus.Entry, m *metrics.Metrics) *Notifier {
	return &Notifier{sink: sink, log: log, metrics: m}
}

// Deliver sends html and reports whether it was accepted by the sink.
func (n *Notifier) Deliver(ctx context.Context, kind string, chatID int64, html string) bool {
	if n == nil || n.sink == nil {
		return false
	}
	err := n.sink.Send(context.WithValue(ctx, kindKey{}, kind), chatID, html)
	n.metrics.Notified(kind, err)
	if err != nil {
		n.log.WithFields(logrus.Fields{"chat_id": chatID, "kind": kind}).WithError(err).Warn("notification not delivered")
		return false
	}
	return true
}
