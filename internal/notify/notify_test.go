package notify

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/teetime-scheduler/internal/gapscan"
	"github.com/example/teetime-scheduler/internal/reservation"
)

type fakeTelegram struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, f.err
}

var day = time.Date(2026, 6, 20, 0, 0, 0, 0, time.UTC)

func TestTelegramOutcome(t *testing.T) {
	fake := &fakeTelegram{}
	n := NewTelegramWithClient(fake, 42, zerolog.New(io.Discard))

	slot := reservation.Slot{Start: day.Add(7*time.Hour + 40*time.Minute), Resource: "Diamondback"}
	trig := day.Add(-5*24*time.Hour + 6*time.Hour + 30*time.Minute)
	out := reservation.Outcome{
		Kind: reservation.KindBooked, Step: reservation.StepSucceeded, Date: day, Tier: "primary", Slot: &slot,
		TriggeredAt: trig, ChallengeResolvedAt: trig.Add(420 * time.Millisecond), Evidence: "s3://e/1.png",
	}
	require.NoError(t, n.NotifyOutcome(context.Background(), "daily", out))

	require.Len(t, fake.sent, 1)
	assert.Equal(t, int64(42), fake.sent[0].ChatID)
	assert.Contains(t, fake.sent[0].Text, "Booked Diamondback at Sat Jun 20 07:40 (primary tier)")
	assert.Contains(t, fake.sent[0].Text, "challenge cleared after 420ms")
	assert.Contains(t, fake.sent[0].Text, "evidence: s3://e/1.png")
}

func TestTelegramAmbiguousOutcome(t *testing.T) {
	text := OutcomeText("gapscan", reservation.Outcome{Kind: reservation.KindStepTimeout, Step: reservation.StepConfirming, Date: day, Tier: "backup"})
	assert.Contains(t, text, "CHECK MANUALLY")
	assert.Contains(t, text, "Sat Jun 20")
}

func TestTelegramSendError(t *testing.T) {
	fake := &fakeTelegram{err: errors.New("429 too many requests")}
	n := NewTelegramWithClient(fake, 42, zerolog.New(io.Discard))

	err := n.NotifyReport(context.Background(), gapscan.Report{RunID: "0123456789"})
	assert.ErrorContains(t, err, "telegram")
}

func TestReportText(t *testing.T) {
	assert.Equal(t, "Gap scan 01234567: 2 day(s) checked, 2 satisfied, no gaps",
		ReportText(gapscan.Report{RunID: "0123456789", DatesChecked: []time.Time{day, day}, Satisfied: []time.Time{day, day}}))

	out := reservation.Outcome{Kind: reservation.KindNoQualifyingResult, Tier: "backup"}
	text := ReportText(gapscan.Report{RunID: "r", DatesChecked: []time.Time{day}, Gaps: []time.Time{day}, Target: day, Outcome: &out})
	assert.Contains(t, text, "gap: Sat Jun 20")
	assert.Contains(t, text, "not booked: no_qualifying_result")
}
