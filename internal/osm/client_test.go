// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package osm

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/cache"
)

const nodeXML = `<osm>
  <node id="5" version="3" lat="51.5" lon="-0.12">
    <tag k="amenity" v="bench"/>
  </node>
</osm>`

func newElementServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(nodeXML))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchElementsUsesCache(t *testing.T) {
	var hits atomic.Int32
	srv := newElementServer(t, &hits)
	elements := cache.NewVersioned[string, Element](time.Minute)
	c := NewClient(context.Background(), ClientConfig{
		BaseURL: srv.URL, Timeout: time.Second, Elements: elements,
	}, "token", slog.Default())

	ref := ElementRef{Type: ElementNode, ID: 5}
	got, err := c.FetchElements(context.Background(), []ElementRef{ref})
	require.NoError(t, err)
	require.Contains(t, got, "node/5")
	assert.Equal(t, 3, got["node/5"].Version)
	assert.EqualValues(t, 1, hits.Load())

	// Second fetch is served from the cache.
	got, err = c.FetchElements(context.Background(), []ElementRef{ref})
	require.NoError(t, err)
	require.Contains(t, got, "node/5")
	assert.EqualValues(t, 1, hits.Load())

	// Mutating a returned element must not leak into the cached snapshot.
	got["node/5"].SetTag("amenity", "fountain")
	again, err := c.FetchElements(context.Background(), []ElementRef{ref})
	require.NoError(t, err)
	v, ok := again["node/5"].TagValue("amenity")
	require.True(t, ok)
	assert.Equal(t, "bench", v)
}

func TestForgetElementsRefetches(t *testing.T) {
	var hits atomic.Int32
	srv := newElementServer(t, &hits)
	elements := cache.NewVersioned[string, Element](time.Minute)
	c := NewClient(context.Background(), ClientConfig{
		BaseURL: srv.URL, Timeout: time.Second, Elements: elements,
	}, "token", slog.Default())

	ref := ElementRef{Type: ElementNode, ID: 5}
	_, err := c.FetchElements(context.Background(), []ElementRef{ref})
	require.NoError(t, err)
	c.ForgetElements([]ElementRef{ref})

	_, err = c.FetchElements(context.Background(), []ElementRef{ref})
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestFetchElementsWithoutCacheAlwaysFetches(t *testing.T) {
	var hits atomic.Int32
	srv := newElementServer(t, &hits)
	c := NewClient(context.Background(), ClientConfig{
		BaseURL: srv.URL, Timeout: time.Second,
	}, "token", slog.Default())

	ref := ElementRef{Type: ElementNode, ID: 5}
	for i := 0; i < 2; i++ {
		_, err := c.FetchElements(context.Background(), []ElementRef{ref})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, hits.Load())
}

func TestClientClassifiesAPIErrors(t *testing.T) {
	cases := []struct {
		status int
		kind   apierror.Kind
	}{
		{http.StatusNotFound, apierror.KindNotFound},
		{http.StatusConflict, apierror.KindConflict},
		{http.StatusUnauthorized, apierror.KindNotAuthorized},
		{http.StatusInternalServerError, apierror.KindFatal},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		c := NewClient(context.Background(), ClientConfig{
			BaseURL: srv.URL, Timeout: time.Second,
		}, "token", slog.Default())

		_, err := c.FetchElements(context.Background(),
			[]ElementRef{{Type: ElementNode, ID: 5}})
		assert.True(t, apierror.IsKind(err, tc.kind), "status %d", tc.status)
		srv.Close()
	}
}
