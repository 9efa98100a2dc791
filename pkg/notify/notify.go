// Package notify delivers operator alerts. Delivery is best effort: Notify
// never returns an error and never blocks the caller past its timeout.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"curator/pkg/clients"
	"curator/pkg/config"
	"curator/pkg/email"
	"curator/pkg/logging"
)

// Priority uses ntfy's named levels.
type Priority string

const (
	PriorityLow     Priority = "low"
	PriorityDefault Priority = "default"
	PriorityHigh    Priority = "high"
)

// Notifier is the sink pipelines report to.
type Notifier interface {
	Notify(ctx context.Context, title, message string, priority Priority)
}

// Channel is one delivery mechanism. Unlike Notifier it reports failure so a
// Dispatcher can fall through to the next channel.
type Channel interface {
	Name() string
	Send(ctx context.Context, title, message string, priority Priority) error
}

// Dispatcher tries each channel in order and stops at the first success.
type Dispatcher struct {
	channels []Channel
	timeout  time.Duration
	logger   logging.Logger
}

func NewDispatcher(logger logging.Logger, timeout time.Duration, channels ...Channel) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{channels: channels, timeout: timeout, logger: logger}
}

func (d *Dispatcher) Notify(ctx context.Context, title, message string, priority Priority) {
	if d == nil || len(d.channels) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	for _, ch := range d.channels {
		err := ch.Send(ctx, title, message, priority)
		if err == nil {
			return
		}
		if d.logger != nil {
			d.logger.WithError(err).WithField("channel", ch.Name()).Warn("Notification delivery failed")
		}
	}
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(context.Context, string, string, Priority) {}

// Ntfy posts to an ntfy.sh-compatible server.
type Ntfy struct {
	server string
	topic  string
	exec   *clients.Executor
}

func NewNtfy(server, topic string, exec *clients.Executor) *Ntfy {
	if exec == nil {
		cfg := clients.DefaultRetryConfig("ntfy")
		cfg.MaxRetries = 1
		exec = clients.NewExecutor(clients.NewHTTPClient(5*time.Second), cfg)
	}
	return &Ntfy{server: strings.TrimRight(server, "/"), topic: topic, exec: exec}
}

func (n *Ntfy) Name() string { return "ntfy" }

func (n *Ntfy) Send(ctx context.Context, title, message string, priority Priority) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.server+"/"+n.topic, strings.NewReader(message))
	if err != nil {
		return err
	}
	tags := "white_check_mark"
	if priority == PriorityHigh {
		tags = "warning"
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", string(priority))
	req.Header.Set("Tags", tags)

	resp, err := n.exec.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("post to ntfy: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned %d", resp.StatusCode)
	}
	return nil
}

// Email sends the notification as a plain-text mail.
type Email struct {
	sender *email.Sender
	to     string
}

func NewEmail(sender *email.Sender, to string) *Email {
	return &Email{sender: sender, to: to}
}

func (e *Email) Name() string { return "email" }

func (e *Email) Send(ctx context.Context, title, message string, priority Priority) error {
	subject := title
	if priority == PriorityHigh {
		subject = "[ALERT] " + title
	}
	return e.sender.SendText(ctx, e.to, subject, message)
}

// FromEnv builds a dispatcher from NTFY_SERVER, NTFY_TOPIC and the SMTP_*
// variables plus NOTIFY_EMAIL_TO. defaultTopic is used when NTFY_TOPIC is unset;
// an empty topic disables ntfy.
func FromEnv(logger logging.Logger, defaultTopic string) *Dispatcher {
	var channels []Channel
	if topic := config.GetEnv("NTFY_TOPIC", defaultTopic); topic != "" {
		channels = append(channels, NewNtfy(config.GetEnv("NTFY_SERVER", "https://ntfy.sh"), topic, nil))
	}
	mailCfg := email.ConfigFromEnv()
	if to := config.GetEnv("NOTIFY_EMAIL_TO", ""); to != "" && mailCfg.Enabled() {
		channels = append(channels, NewEmail(email.NewSender(mailCfg), to))
	}
	return NewDispatcher(logger, config.GetEnvDuration("NOTIFY_TIMEOUT", 10*time.Second), channels...)
}
