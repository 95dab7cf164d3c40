// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maproulette/maproulette-backend/internal/apierror"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	m := NewManager("0123456789abcdef0123456789abcdef", time.Hour)
	token, err := m.Issue(42)
	require.NoError(t, err)

	userID, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := NewManager("0123456789abcdef0123456789abcdef", time.Hour)
	issued := time.Now()
	m.now = func() time.Time { return issued }
	token, err := m.Issue(42)
	require.NoError(t, err)

	m.now = func() time.Time { return issued.Add(2 * time.Hour) }
	_, err = m.Verify(token)
	require.Error(t, err)
	assert.True(t, apierror.IsKind(err, apierror.KindNotAuthorized))
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	issuerMgr := NewManager("0123456789abcdef0123456789abcdef", time.Hour)
	token, err := issuerMgr.Issue(42)
	require.NoError(t, err)

	other := NewManager("ffffffffffffffffffffffffffffffff", time.Hour)
	_, err = other.Verify(token)
	require.Error(t, err)
	assert.True(t, apierror.IsKind(err, apierror.KindNotAuthorized))
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m := NewManager("0123456789abcdef0123456789abcdef", time.Hour)
	_, err := m.Verify("not.a.token")
	assert.True(t, apierror.IsKind(err, apierror.KindNotAuthorized))
}

func TestNewStateIsUnique(t *testing.T) {
	a, err := NewState()
	require.NoError(t, err)
	b, err := NewState()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
}
