// Package bot answers Telegram commands: wallet linking with one-time auth
// codes, monitor status and control, and unlinking.
package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/internal/lock"
	"dlmmrotation/internal/monitor"
	"dlmmrotation/internal/notify"
	"dlmmrotation/internal/store"
)

// PollerLock is held by the single instance that long-polls the Bot API.
const PollerLock = "telegram_bot"

const (
	pollTimeout   = 30
	lockRetry     = time.Minute
	leaseCheck    = 30 * time.Second
	genericFailed = "❌ An error occurred. Please try again."
)

// UpdateSource is satisfied by *tgbotapi.BotAPI.
type UpdateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Bot struct {
	updates UpdateSource
	replies notify.Sink
	store   store.UserStore
	monitor *monitor.Scheduler
	locker  lock.Locker
	log     *logrus.Entry
	now     func() time.Time

	lockRetry  time.Duration
	leaseCheck time.Duration
}

func New(updates UpdateSource, replies notify.Sink, users store.UserStore, mon *monitor.Scheduler, locker lock.Locker, log *logrus.Entry) *Bot {
	return &Bot{
		updates:    updates,
		replies:    replies,
		store:      users,
		monitor:    mon,
		locker:     locker,
		log:        log.WithField("component", "bot"),
		now:        time.Now,
		lockRetry:  lockRetry,
		leaseCheck: leaseCheck,
	}
}

// Run polls for updates until ctx is done. While another instance holds
// the poller lock it retries every minute. When the lock is lost while
// polling, Run stops receiving updates and returns an error wrapping
// lock.ErrLost; the update source cannot be restarted after that.
func (b *Bot) Run(ctx context.Context) error {
	for {
		release, ok, err := b.locker.TryLock(ctx, PollerLock)
		if err != nil {
			b.log.WithError(err).Warn("poller lock failed")
		}
		if ok {
			defer release()
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.lockRetry):
		}
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	ch := b.updates.GetUpdatesChan(u)
	defer b.updates.StopReceivingUpdates()
	b.log.Info("> telegram bot polling")

	check := time.NewTicker(b.leaseCheck)
	defer check.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-check.C:
			if err := b.locker.Check(ctx, PollerLock); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				b.log.WithError(err).Warn("poller lock lost, stepping down")
				return fmt.Errorf("telegram poller: %w", err)
			}
		case update, open := <-ch:
			if !open {
				return nil
			}
			b.Handle(ctx, update)
		}
	}
}

// Handle answers one update. Non-command messages are ignored.
func (b *Bot) Handle(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}
	chatID := msg.Chat.ID
	username := ""
	if msg.From != nil {
		username = msg.From.UserName
	}
	log := b.log.WithFields(logrus.Fields{"chat": chatID, "command": msg.Command()})

	reply := b.dispatch(ctx, log, chatID, username, msg.Command(), strings.TrimSpace(msg.CommandArguments()))
	if reply == "" {
		return
	}
	if err := b.replies.Send(ctx, chatID, reply); err != nil {
		log.WithError(err).Warn("reply failed")
	}
}

func (b *Bot) dispatch(ctx context.Context, log *logrus.Entry, chatID int64, username, command, args string) string {
	switch command {
	case "start":
		return b.start(ctx, log, chatID, username, args)
	case "status":
		return b.status(ctx, log, chatID)
	case "stop":
		return b.stop(ctx, log, chatID)
	case "threshold":
		return b.threshold(ctx, log, chatID, args)
	case "unlink":
		return b.unlink(ctx, log, chatID)
	case "help":
		return helpText
	default:
		return "Unknown command. Use /help to see all available commands."
	}
}

func shortWallet(w string) string {
	if len(w) <= 14 {
		return w
	}
	return w[:8] + "..." + w[len(w)-6:]
}

func (b *Bot) start(ctx context.Context, log *logrus.Entry, chatID int64, username, args string) string {
	if args == "" {
		return welcomeText
	}
	code := strings.ToUpper(strings.Fields(args)[0])

	user, err := b.store.RedeemAuthCode(ctx, code, chatID, username, b.now())
	if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrValidation) {
		return "❌ Invalid or expired authentication code.\n\nPlease generate a new code from the web app and try again."
	}
	if err != nil {
		log.WithError(err).Error("redeem auth code")
		return "❌ An error occurred while linking your account. Please try again."
	}

	log.WithField("wallet", user.WalletAddress).Info("> wallet linked")
	handle := username
	if handle == "" {
		handle = "Unknown"
	}
	return fmt.Sprintf("✅ <b>Successfully linked!</b>\n\n"+
		"📱 Telegram: @%s\n"+
		"💰 Wallet: <code>%s</code>\n\n"+
		"You can now enable monitoring in the web app to receive notifications about new capital rotation opportunities.\n\n"+
		"Use /status to check your monitoring status.\nUse /help to see all available commands.",
		html.EscapeString(handle), shortWallet(user.WalletAddress))
}

// linkedWallet returns the wallet linked to chatID, or "" with a reply.
func (b *Bot) linkedWallet(ctx context.Context, log *logrus.Entry, chatID int64) (string, string) {
	user, err := b.store.GetUserByChatID(ctx, chatID)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", "❌ You haven't linked your wallet yet.\n\nUse /start with an auth code from the web app to get started."
	}
	if err != nil {
		log.WithError(err).Error("lookup chat")
		return "", genericFailed
	}
	return user.WalletAddress, ""
}

func (b *Bot) status(ctx context.Context, log *logrus.Entry, chatID int64) string {
	wallet, reply := b.linkedWallet(ctx, log, chatID)
	if wallet == "" {
		return reply
	}
	st, err := b.monitor.Status(ctx, wallet)
	if err != nil {
		log.WithError(err).Error("monitor status")
		return genericFailed
	}

	if !st.Active || st.Config == nil {
		return fmt.Sprintf("⏸ <b>Monitoring Inactive</b>\n\n💰 Wallet: <code>%s</code>\n\n"+
			"Enable monitoring in the web app to start receiving notifications.", shortWallet(wallet))
	}

	cfg := st.Config
	var sb strings.Builder
	sb.WriteString("✅ <b>Monitoring Active</b>\n\n")
	fmt.Fprintf(&sb, "💰 Wallet: <code>%s</code>\n", shortWallet(wallet))
	fmt.Fprintf(&sb, "⏱ Check Interval: Every %d minutes\n", cfg.IntervalMinutes)
	fmt.Fprintf(&sb, "📊 Notification Threshold: %gx\n", cfg.ThresholdMultiplier)
	fmt.Fprintf(&sb, "💵 Min 30min Fees: $%g\n", cfg.MinFees30m)
	if st.LastCheck != nil {
		fmt.Fprintf(&sb, "🕐 Last Check: %s\n", st.LastCheck.UTC().Format("2006-01-02 15:04 UTC"))
	}
	if st.NextRun != nil {
		fmt.Fprintf(&sb, "🕐 Next Check: %s\n", st.NextRun.UTC().Format("2006-01-02 15:04 UTC"))
	}
	if cfg.DegenEnabled {
		fmt.Fprintf(&sb, "🚨 Degen Mode: on, fee rate ≥ %g%%\n", cfg.DegenThreshold)
	}
	sb.WriteString("\nYou'll receive notifications when new opportunities are found!")
	return sb.String()
}

func (b *Bot) stop(ctx context.Context, log *logrus.Entry, chatID int64) string {
	wallet, reply := b.linkedWallet(ctx, log, chatID)
	if wallet == "" {
		return reply
	}
	if err := b.monitor.Stop(ctx, wallet); err != nil {
		log.WithError(err).Error("stop monitor")
		return genericFailed
	}
	return "⏸ Monitoring stopped. Your wallet stays linked.\n\nUse /unlink to remove the link and all monitoring data."
}

func (b *Bot) threshold(ctx context.Context, log *logrus.Entry, chatID int64, args string) string {
	wallet, reply := b.linkedWallet(ctx, log, chatID)
	if wallet == "" {
		return reply
	}
	value, err := strconv.ParseFloat(strings.TrimSuffix(args, "x"), 64)
	if args == "" || err != nil {
		return "Usage: /threshold 1.5\n\nNotify when a pool's fee rate beats the previous best by this multiple."
	}

	err = b.monitor.SetThreshold(ctx, wallet, value)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return "Enable monitoring in the web app first."
	case errors.Is(err, apperr.ErrValidation):
		return "❌ Threshold must be greater than 1."
	case err != nil:
		log.WithError(err).Error("set threshold")
		return genericFailed
	}
	return fmt.Sprintf("✅ Notification threshold set to %gx.", value)
}

func (b *Bot) unlink(ctx context.Context, log *logrus.Entry, chatID int64) string {
	wallet, reply := b.linkedWallet(ctx, log, chatID)
	if wallet == "" {
		return reply
	}
	if err := b.monitor.Disconnect(ctx, wallet); err != nil {
		log.WithError(err).Error("disconnect")
		return genericFailed
	}
	return fmt.Sprintf("✅ Successfully unlinked wallet <code>%s</code>.\n\n"+
		"Your monitoring has been stopped and all data has been removed.\n\n"+
		"You can link a new wallet anytime using /start with an auth code.", shortWallet(wallet))
}

const welcomeText = "👋 Welcome to Meteora Capital Rotation Bot!\n\n" +
	"To get started:\n" +
	"1. Open the Capital Rotation page in the web app\n" +
	"2. Click 'Connect Telegram' to generate an auth code\n" +
	"3. Click the link or use: <code>/start YOUR_CODE</code>\n\n" +
	"Use /help to see all available commands."

const helpText = "🤖 <b>Meteora Capital Rotation Bot</b>\n\n" +
	"Available Commands:\n\n" +
	"/start CODE - Link your wallet using auth code\n" +
	"/status - Check your monitoring status\n" +
	"/stop - Pause monitoring\n" +
	"/threshold X - Set the improvement multiple for alerts\n" +
	"/unlink - Unlink your wallet and remove its data\n" +
	"/help - Show this help message\n\n" +
	"💡 How it works:\n" +
	"1. Generate an auth code in the web app\n" +
	"2. Link your Telegram using /start CODE\n" +
	"3. Configure monitoring settings in the web app\n" +
	"4. Receive notifications about new opportunities!"
