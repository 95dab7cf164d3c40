// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package store

import "errors"

// Common store errors.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrProjectNotFound   = errors.New("project not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrGrantNotFound     = errors.New("grant not found")
	ErrReviewNotFound    = errors.New("task review not found")
	ErrBundleNotFound    = errors.New("task bundle not found")
	ErrBundleConflict    = errors.New("tasks are already bundled or span challenges")
	ErrLockHeld          = errors.New("item is locked by another user")
	ErrLockNotHeld       = errors.New("no lock held on item")
	ErrDuplicateGrant    = errors.New("grant already exists for grantee, role and target")
	ErrTagNotFound       = errors.New("tag not found")
)
