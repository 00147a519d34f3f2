package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"dlmmrotation/internal/metrics"
	"dlmmrotation/pkg/config"
)

// Relay delivers queued messages through a Sink. It is the handler of the
// notification consumer.
type Relay struct {
	sink    Sink
	metrics *metrics.Metrics
}

func NewRelay(sink Sink, m *metrics.Metrics) *Relay {
	return &Relay{sink: sink, metrics: m}
}

// Handle decodes one queue body and sends it. Malformed bodies and chats
// the bot can no longer reach fail with config.ErrPermanent so they are
// not requeued.
func (r *Relay) Handle(ctx context.Context, body []byte) error {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: decode notification: %v", config.ErrPermanent, err)
	}
	if msg.ChatID == 0 || msg.Text == "" {
		return fmt.Errorf("%w: notification without chat or text", config.ErrPermanent)
	}

	err := r.sink.Send(context.WithValue(ctx, kindKey{}, msg.Kind), msg.ChatID, msg.Text)
	r.metrics.Notified(msg.Kind, err)
	if err == nil {
		return nil
	}
	if permanent(err) {
		return fmt.Errorf("%w: %w", config.ErrPermanent, err)
	}
	return err
}

// permanent reports Bot API rejections that a retry cannot fix, such as a
// blocked bot or a deleted chat. Rate limiting is retried.
func permanent(err error) bool {
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		return false
	}
	return tgErr.Code >= http.StatusBadRequest && tgErr.Code < http.StatusInternalServerError &&
		tgErr.Code != http.StatusTooManyRequests
}
