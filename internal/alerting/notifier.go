package alerting

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Notification channels.
const (
	ChannelLog   = "log"
	ChannelSlack = "slack"
)

// Notification is a rendered alert ready for delivery.
type Notification struct {
	ProjectID   uint
	RuleID      uint
	RuleType    string
	TargetKey   string
	Severity    string
	Title       string
	Body        string
	Fields      map[string]any
	Destination string
}

// Notifier delivers notifications on one channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes alerts to the service log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("alert")}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	fields := []zap.Field{
		zap.Uint("project_id", n.ProjectID),
		zap.String("rule_type", n.RuleType),
		zap.String("target", n.TargetKey),
		zap.String("body", n.Body),
	}
	if n.Severity != "" {
		fields = append(fields, zap.String("severity", n.Severity))
	}
	for _, k := range sortedKeys(n.Fields) {
		fields = append(fields, zap.Any(k, n.Fields[k]))
	}
	l.logger.Warn(n.Title, fields...)
	return nil
}

// SlackNotifier posts alerts to an incoming webhook. A rule's destination
// overrides the default webhook.
type SlackNotifier struct {
	webhookURL string
}

// NewSlackNotifier creates a SlackNotifier with a default webhook, which
// may be empty when every rule carries its own.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL}
}

func (s *SlackNotifier) Notify(ctx context.Context, n Notification) error {
	url := n.Destination
	if url == "" {
		url = s.webhookURL
	}
	if url == "" {
		return errors.New("no slack webhook configured")
	}
	err := slack.PostWebhookContext(ctx, url, SlackMessage(n))
	return errors.Wrap(err, "posting slack webhook")
}

// SlackMessage renders n as a webhook payload.
func SlackMessage(n Notification) *slack.WebhookMessage {
	color := "warning"
	switch n.Severity {
	case "critical":
		color = "danger"
	case "resolved":
		color = "good"
	}
	att := slack.Attachment{
		Color:  color,
		Title:  n.Title,
		Text:   n.Body,
		Footer: fmt.Sprintf("project %d · %s", n.ProjectID, n.RuleType),
	}
	for _, k := range sortedKeys(n.Fields) {
		att.Fields = append(att.Fields, slack.AttachmentField{
			Title: k,
			Value: fmt.Sprint(n.Fields[k]),
			Short: true,
		})
	}
	return &slack.WebhookMessage{
		Text:        n.Title,
		Attachments: []slack.Attachment{att},
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
