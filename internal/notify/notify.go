// Package notify tells the operator about booking outcomes and scan reports.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/example/teetime-scheduler/internal/gapscan"
	"github.com/example/teetime-scheduler/internal/reservation"
)

type Notifier interface {
	NotifyOutcome(ctx context.Context, source string, out reservation.Outcome) error
	NotifyReport(ctx context.Context, rep gapscan.Report) error
}

// Log writes notifications to the structured log only.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log { return &Log{log: log.With().Str("component", "notify").Logger()} }

func (l *Log) NotifyOutcome(_ context.Context, source string, out reservation.Outcome) error {
	l.log.Info().Str("source", source).Msg(OutcomeText(source, out))
	return nil
}

func (l *Log) NotifyReport(_ context.Context, rep gapscan.Report) error {
	l.log.Info().Str("run_id", rep.RunID).Msg(ReportText(rep))
	return nil
}

type telegramClient interface {
	Send(tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends notifications to a chat.
type Telegram struct {
	tg     telegramClient
	chatID int64
	log    zerolog.Logger
}

func NewTelegram(token string, chatID int64, log zerolog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return NewTelegramWithClient(api, chatID, log), nil
}

// NewTelegramWithClient allows injecting a mocked Telegram client for tests.
func NewTelegramWithClient(tg telegramClient, chatID int64, log zerolog.Logger) *Telegram {
	return &Telegram{tg: tg, chatID: chatID, log: log.With().Str("component", "notify").Logger()}
}

func (t *Telegram) NotifyOutcome(ctx context.Context, source string, out reservation.Outcome) error {
	return t.send(ctx, OutcomeText(source, out))
}

func (t *Telegram) NotifyReport(ctx context.Context, rep gapscan.Report) error {
	return t.send(ctx, ReportText(rep))
}

func (t *Telegram) send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.tg.Send(msg); err != nil {
		t.log.Warn().Err(err).Msg("telegram send")
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// OutcomeText renders one attempt for a human.
func OutcomeText(source string, out reservation.Outcome) string {
	var b strings.Builder
	switch {
	case out.Succeeded() && out.Slot != nil:
		fmt.Fprintf(&b, "Booked %s at %s (%s tier)", out.Slot.Resource, out.Slot.Start.Format("Mon Jan 2 15:04"), out.Tier)
	case out.Ambiguous():
		fmt.Fprintf(&b, "CHECK MANUALLY: %s attempt for %s ended during confirmation (%s). It may have booked.",
			out.Tier, out.Date.Format("Mon Jan 2"), out.Kind)
	default:
		fmt.Fprintf(&b, "No booking for %s (%s): %s", out.Date.Format("Mon Jan 2"), out.Tier, out.String())
	}
	fmt.Fprintf(&b, "\nsource: %s", source)
	if !out.TriggeredAt.IsZero() {
		fmt.Fprintf(&b, "\ntriggered: %s", out.TriggeredAt.Format("15:04:05.000"))
	}
	if !out.ChallengeResolvedAt.IsZero() {
		fmt.Fprintf(&b, "\nchallenge cleared after %s", out.ChallengeResolvedAt.Sub(out.TriggeredAt).Round(time.Millisecond))
	}
	if out.Evidence != "" {
		fmt.Fprintf(&b, "\nevidence: %s", out.Evidence)
	}
	return b.String()
}

// ReportText renders one gap scan for a human.
func ReportText(rep gapscan.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Gap scan %s: %d day(s) checked, %d satisfied", shortID(rep.RunID), len(rep.DatesChecked), len(rep.Satisfied))
	if !rep.HasGap() {
		b.WriteString(", no gaps")
		return b.String()
	}
	fmt.Fprintf(&b, "\ngap: %s", rep.Target.Format("Mon Jan 2"))
	switch {
	case rep.Booked():
		fmt.Fprintf(&b, "\nbooked via %s tier: %s", rep.BookedTier, rep.Outcome.String())
	case rep.Outcome != nil:
		fmt.Fprintf(&b, "\nnot booked: %s", rep.Outcome.String())
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
