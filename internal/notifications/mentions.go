// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package notifications

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/maproulette/maproulette-backend/internal/models"
	"github.com/maproulette/maproulette-backend/internal/store"
)

// mentionPattern matches @name tokens. Names containing spaces use the
// bracketed form @[Jane Mapper]. The leading guard keeps email addresses from
// reading as mentions.
var mentionPattern = regexp.MustCompile(
	`(?:^|[^\p{L}\p{N}_@])@(?:\[([^\]]+)\]|([\p{L}\p{N}_][\p{L}\p{N}_-]*))`)

// Mentions extracts the user names referenced in a comment, first occurrence
// order, deduplicated ignoring case.
func Mentions(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, match := range mentionPattern.FindAllStringSubmatch(text, -1) {
		name := match[1]
		if name == "" {
			name = match[2]
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, name)
	}
	return out
}

// NotifyMentions queues a mention notification for every user named in the
// comment. Unknown names and self-mentions are skipped; a comment never fails
// because a notification could not be queued.
func (m *Mailer) NotifyMentions(ctx context.Context, from *models.User, taskID int64, comment string) {
	for _, name := range Mentions(comment) {
		mentioned, err := m.users.ByName(ctx, name)
		if errors.Is(err, store.ErrUserNotFound) {
			continue
		}
		if err != nil {
			m.logger.Warn("failed to resolve mentioned user", "name", name, "error", err)
			continue
		}
		if mentioned.ID == from.ID {
			continue
		}
		err = m.Notify(ctx, &models.Notification{
			UserID:  mentioned.ID,
			Type:    "mention",
			Subject: fmt.Sprintf("%s mentioned you on task %d", from.Name, taskID),
			Body:    comment,
		})
		if err != nil {
			m.logger.Warn("failed to queue mention notification",
				"user", mentioned.ID, "task", taskID, "error", err)
		}
	}
}
