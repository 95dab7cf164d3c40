// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maproulette/maproulette-backend/internal/models"
)

func TestMentions(t *testing.T) {
	cases := []struct {
		comment string
		want    []string
	}{
		{"Fixed the crossing", nil},
		{"@alice fixed it already", []string{"alice"}},
		{"thanks @alice, @bob", []string{"alice", "bob"}},
		{"@[Jane Mapper] please take a look", []string{"Jane Mapper"}},
		{"ping @alice and @ALICE again", []string{"alice"}},
		{"mail me at team@example.org", nil},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Mentions(tc.comment), "comment %q", tc.comment)
	}
}

func mentionedUserRow(id int64, name string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "osm_id", "name", "api_key", "email", "osm_token", "created", "modified"}).
		AddRow(id, id*10, name, "key", "", "", time.Now(), time.Now())
}

func TestNotifyMentionsQueuesForKnownUsers(t *testing.T) {
	m, mock, _ := newTestMailer(t)
	from := &models.User{ID: 7, Name: "eve"}
	comment := "thanks @alice and @nosuch!"

	mock.ExpectQuery(`WHERE LOWER\(name\) = LOWER`).
		WithArgs("alice").
		WillReturnRows(mentionedUserRow(9, "alice"))
	mock.ExpectQuery(`SELECT id, name, grantee_type`).
		WithArgs(int64(9)).
		WillReturnRows(emptyGrants())
	mock.ExpectExec(`INSERT INTO user_notifications`).
		WithArgs(int64(9), "mention", "eve mentioned you on task 42", comment, false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`WHERE LOWER\(name\) = LOWER`).
		WithArgs("nosuch").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "osm_id", "name", "api_key", "email", "osm_token", "created", "modified"}))

	m.NotifyMentions(context.Background(), from, 42, comment)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifyMentionsSkipsSelf(t *testing.T) {
	m, mock, _ := newTestMailer(t)
	from := &models.User{ID: 7, Name: "eve"}

	mock.ExpectQuery(`WHERE LOWER\(name\) = LOWER`).
		WithArgs("eve").
		WillReturnRows(mentionedUserRow(7, "eve"))
	mock.ExpectQuery(`SELECT id, name, grantee_type`).
		WithArgs(int64(7)).
		WillReturnRows(emptyGrants())

	m.NotifyMentions(context.Background(), from, 42, "@eve noted for later")
	require.NoError(t, mock.ExpectationsWereMet())
}
