// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// Package notifications queues review and mention notifications and delivers
// them by email digest.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/maproulette/maproulette-backend/internal/config"
	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/store"
)

// dailyDigestCeiling bounds one daily run so a backlog cannot produce an
// unbounded claim.
const dailyDigestCeiling = 10000

// sendFunc matches smtp.SendMail, swapped in tests.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Publisher pushes in-app events to connected clients. Email is the durable
// channel; the publish is best-effort on top of it.
type Publisher interface {
	Publish(topic string, event any)
}

// Mailer enqueues notifications and sends the email digests.
type Mailer struct {
	// Publisher, when set, announces each queued notification on the
	// recipient's topic so open sessions update without polling.
	Publisher Publisher

	cfg    config.SMTPConfig
	queue  *store.NotificationRepo
	users  *store.UserRepo
	logger *slog.Logger
	send   sendFunc
}

// NewMailer creates the mailer. An empty SMTP host disables delivery; queued
// notifications then stay queued until one is configured.
func NewMailer(cfg config.SMTPConfig, queue *store.NotificationRepo,
	users *store.UserRepo, logger *slog.Logger) *Mailer {
	return &Mailer{
		cfg:    cfg,
		queue:  queue,
		users:  users,
		logger: logger.With("component", "mailer"),
		send:   smtp.SendMail,
	}
}

// Notify queues a notification for digest delivery and announces it to any
// live session of the recipient.
func (m *Mailer) Notify(ctx context.Context, n *models.Notification) error {
	if err := m.queue.Enqueue(ctx, n); err != nil {
		return err
	}
	if m.Publisher != nil {
		m.Publisher.Publish(fmt.Sprintf("user:%d", n.UserID), map[string]any{
			"type":             "notification-created",
			"userId":           n.UserID,
			"notificationType": n.Type,
			"subject":          n.Subject,
		})
	}
	return nil
}

// SendDigests claims pending notifications and emails them, one message per
// user. Immediate digests take at most batch notifications per run; the
// daily digest drains the queue.
func (m *Mailer) SendDigests(ctx context.Context, immediate bool, batch int) error {
	if m.cfg.Host == "" {
		return nil
	}
	var (
		pending []models.Notification
		err     error
	)
	if immediate {
		pending, err = m.queue.PendingImmediate(ctx, batch)
	} else {
		pending, err = m.queue.PendingDaily(ctx, dailyDigestCeiling)
	}
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	byUser := make(map[int64][]models.Notification)
	for _, n := range pending {
		byUser[n.UserID] = append(byUser[n.UserID], n)
	}
	for userID, batch := range byUser {
		if err := m.deliver(ctx, userID, batch); err != nil {
			m.logger.Warn("failed to deliver digest", "user", userID, "error", err)
		}
	}
	return nil
}

func (m *Mailer) deliver(ctx context.Context, userID int64, batch []models.Notification) error {
	user, err := m.users.ByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Email == "" {
		// The user never opted into email. The claim already marked these
		// sent, which keeps the queue from growing forever.
		m.logger.Debug("skipping digest for user without email", "user", userID)
		return nil
	}

	msg := m.compose(user, batch)
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if err := m.send(addr, auth, m.cfg.From, []string{user.Email}, msg); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	m.logger.Info("sent digest", "user", userID, "notifications", len(batch))
	return nil
}

func (m *Mailer) compose(user *models.User, batch []models.Notification) []byte {
	subject := "MapRoulette notifications"
	if len(batch) == 1 {
		subject = batch[0].Subject
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", user.Email)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "Hi %s,\r\n\r\n", user.Name)
	for _, n := range batch {
		fmt.Fprintf(&b, "* %s\r\n%s\r\n\r\n", n.Subject, n.Body)
	}
	return []byte(b.String())
}
