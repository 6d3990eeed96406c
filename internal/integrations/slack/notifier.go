package slackbot

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"mailtriage/internal/domain"
	"mailtriage/internal/redact"
)

// Notifier posts user-facing messages to one Slack channel.
type Notifier struct {
	api       *slack.Client
	channelID string
	logger    *zap.Logger
}

// NewNotifier builds a notifier. apiURL is only set in tests.
func NewNotifier(token, channelID string, hc *http.Client, apiURL string, logger *zap.Logger) *Notifier {
	opts := []slack.Option{}
	if hc != nil {
		opts = append(opts, slack.OptionHTTPClient(hc))
	}
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{api: slack.New(token, opts...), channelID: channelID, logger: logger}
}

func (n *Notifier) Notify(ctx context.Context, text string) error {
	text = redact.MaskCredentials(text)
	_, ts, err := n.api.PostMessageContext(ctx, n.channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack post to %s: %w", n.channelID, err)
	}
	n.logger.Debug("slack notified", zap.String("channel", n.channelID), zap.String("ts", ts))
	return nil
}

// FormatSummary renders a run summary as Slack mrkdwn.
func FormatSummary(s domain.RunSummary) string {
	var b strings.Builder
	switch {
	case s.Cancelled:
		b.WriteString("*Mail triage cancelled*\n")
	case s.Suspended:
		b.WriteString("*Mail triage paused, resuming shortly*\n")
	default:
		b.WriteString("*Mail triage finished*\n")
	}
	fmt.Fprintf(&b, "• processed: %d", s.Processed)
	if s.Total > 0 {
		fmt.Fprintf(&b, " of %d", s.Total)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "• ok: %d, errors: %d\n", s.Succeeded, s.Failed)
	if tokens := s.Usage.TotalTokens(); tokens > 0 {
		fmt.Fprintf(&b, "• tokens: %d in / %d out\n", s.Usage.InputTokens, s.Usage.OutputTokens)
	}
	if !s.Started.IsZero() && !s.Finished.IsZero() {
		fmt.Fprintf(&b, "• took: %s\n", s.Finished.Sub(s.Started).Round(100*time.Millisecond))
	}
	return strings.TrimRight(b.String(), "\n")
}
