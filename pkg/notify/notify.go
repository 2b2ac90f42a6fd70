// Package notify delivers build events to external collaborators.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/argos-ci/argos-pipeline/pkg/config"
)

// Status change types.
const (
	ChangeCompleted = "completed"
	ChangeReviewed  = "reviewed"
	ChangeQueued    = "queued"
	ChangeProgress  = "progress"
)

// Event is one build notification.
type Event struct {
	NotificationID   uint              `json:"notification_id"`
	BuildID          uint              `json:"build_id"`
	ProjectID        string            `json:"project_id"`
	Number           int               `json:"number"`
	Status           string            `json:"status"`
	StatusChangeType string            `json:"status_change_type"`
	Kind             string            `json:"kind"`
	CheckState       string            `json:"check_state"`
	CheckContext     string            `json:"check_context"`
	Description      string            `json:"description"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Notifier delivers events. Delivery is at-least-once; receivers may see
// an event twice and should key on NotificationID.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// New builds the notifier described by cfg.
func New(log logrus.FieldLogger, cfg *config.NotificationsConfig) Notifier {
	var targets []Notifier

	if cfg.Log {
		targets = append(targets, NewLog(log))
	}

	for _, wh := range cfg.Webhooks {
		targets = append(targets, NewWebhook(log, wh.URL, wh.Timeout))
	}

	return Multi(targets...)
}

type logNotifier struct {
	log logrus.FieldLogger
}

// NewLog returns a Notifier writing events to the log.
func NewLog(log logrus.FieldLogger) Notifier {
	return &logNotifier{log: log.WithField("component", "notify")}
}

func (n *logNotifier) Notify(_ context.Context, ev Event) error {
	n.log.WithFields(logrus.Fields{
		"build_id":    ev.BuildID,
		"project_id":  ev.ProjectID,
		"number":      ev.Number,
		"status":      ev.Status,
		"change":      ev.StatusChangeType,
		"kind":        ev.Kind,
		"check_state": ev.CheckState,
	}).Info(ev.Description)

	return nil
}

const defaultWebhookTimeout = 10 * time.Second

type webhookNotifier struct {
	log    logrus.FieldLogger
	url    string
	client *http.Client
}

// NewWebhook returns a Notifier posting events as JSON to url.
func NewWebhook(log logrus.FieldLogger, url string, timeout time.Duration) Notifier {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}

	return &webhookNotifier{
		log:    log.WithField("component", "notify-webhook"),
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (n *webhookNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "argos-pipeline")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", n.url, err)
	}

	defer func() { _ = resp.Body.Close() }()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("posting to %s: unexpected status %d", n.url, resp.StatusCode)
	}

	n.log.WithField("build_id", ev.BuildID).
		WithField("kind", ev.Kind).
		Debug("Webhook delivered")

	return nil
}

type multi []Notifier

// Multi fans an event out to every notifier. All of them are tried; the
// errors are joined.
func Multi(notifiers ...Notifier) Notifier {
	return multi(notifiers)
}

func (m multi) Notify(ctx context.Context, ev Event) error {
	var errs []error

	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
