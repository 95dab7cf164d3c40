// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package notifications

import (
	"context"
	"log/slog"
	"net/smtp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maproulette/maproulette-backend/internal/config"
	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/store"
)

type sentMail struct {
	to  []string
	msg []byte
}

func newTestMailer(t *testing.T) (*Mailer, sqlmock.Sqlmock, *[]sentMail) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	db := store.NewDatabase(sqlx.NewDb(mockDB, "sqlmock"), slog.Default())

	var sent []sentMail
	m := NewMailer(config.SMTPConfig{Host: "mail.test", Port: 25, From: "noreply@test"},
		store.NewNotificationRepo(db), store.NewUserRepo(db, nil), slog.Default())
	m.send = func(_ string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		sent = append(sent, sentMail{to: to, msg: msg})
		return nil
	}
	return m, mock, &sent
}

func pendingRows(userID int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "notification_type", "subject", "body",
		"immediate", "emailed_at", "created"}).
		AddRow(1, userID, "review", "Task approved", "Your fix was approved.",
			true, time.Now(), time.Now())
}

func userRow(id int64, email string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "osm_id", "name", "api_key", "email", "osm_token", "created", "modified"}).
		AddRow(id, id*10, "mapper", "key", email, "", time.Now(), time.Now())
}

func emptyGrants() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "grantee_type", "grantee_id", "role", "object_type", "object_id"})
}

func TestSendDigestsDeliversToOptedInUser(t *testing.T) {
	m, mock, sent := newTestMailer(t)
	mock.ExpectQuery(`UPDATE user_notifications SET emailed_at`).
		WithArgs(10).
		WillReturnRows(pendingRows(7))
	mock.ExpectQuery(`SELECT id, osm_id, name`).
		WithArgs(int64(7)).
		WillReturnRows(userRow(7, "mapper@example.org"))
	mock.ExpectQuery(`SELECT id, name, grantee_type`).
		WithArgs(int64(7)).
		WillReturnRows(emptyGrants())

	require.NoError(t, m.SendDigests(context.Background(), true, 10))
	require.Len(t, *sent, 1)
	assert.Equal(t, []string{"mapper@example.org"}, (*sent)[0].to)
	assert.Contains(t, string((*sent)[0].msg), "Task approved")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendDigestsSkipsUserWithoutEmail(t *testing.T) {
	m, mock, sent := newTestMailer(t)
	mock.ExpectQuery(`UPDATE user_notifications SET emailed_at`).
		WithArgs(10).
		WillReturnRows(pendingRows(7))
	mock.ExpectQuery(`SELECT id, osm_id, name`).
		WithArgs(int64(7)).
		WillReturnRows(userRow(7, ""))
	mock.ExpectQuery(`SELECT id, name, grantee_type`).
		WithArgs(int64(7)).
		WillReturnRows(emptyGrants())

	require.NoError(t, m.SendDigests(context.Background(), true, 10))
	assert.Empty(t, *sent)
}

func TestSendDigestsNoopWithoutSMTPHost(t *testing.T) {
	m, mock, sent := newTestMailer(t)
	m.cfg.Host = ""

	require.NoError(t, m.SendDigests(context.Background(), true, 10))
	assert.Empty(t, *sent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type recordingPublisher struct {
	topics []string
	events []any
}

func (p *recordingPublisher) Publish(topic string, event any) {
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
}

func TestNotifyQueuesAndAnnounces(t *testing.T) {
	m, mock, _ := newTestMailer(t)
	pub := &recordingPublisher{}
	m.Publisher = pub

	mock.ExpectExec(`INSERT INTO user_notifications`).
		WithArgs(int64(7), "review", "Task approved", "Nice work.", true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := m.Notify(context.Background(), &models.Notification{
		UserID:    7,
		Type:      "review",
		Subject:   "Task approved",
		Body:      "Nice work.",
		Immediate: true,
	})
	require.NoError(t, err)
	require.Len(t, pub.topics, 1)
	assert.Equal(t, "user:7", pub.topics[0])
	event, ok := pub.events[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "notification-created", event["type"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifyEnqueueFailureSkipsAnnounce(t *testing.T) {
	m, mock, _ := newTestMailer(t)
	pub := &recordingPublisher{}
	m.Publisher = pub

	mock.ExpectExec(`INSERT INTO user_notifications`).
		WillReturnError(assert.AnError)

	err := m.Notify(context.Background(), &models.Notification{UserID: 7})
	require.Error(t, err)
	assert.Empty(t, pub.topics)
}
