// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package osm

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/maproulette/maproulette-backend/internal/apierror"
	"github.com/maproulette/maproulette-backend/internal/cache"
)

// Client talks to the OSM 0.6 API on behalf of a user. Calls run through a
// circuit breaker so a struggling OSM API sheds load quickly instead of tying
// up request workers.
type Client struct {
	baseURL  string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	elements *cache.VersionedCache[string, Element]
	logger   *slog.Logger
}

// ClientConfig configures the API endpoint and timeouts. Elements, when set,
// is shared across per-user clients; OSM element bodies are public so one
// cache serves every mapper.
type ClientConfig struct {
	BaseURL  string
	Timeout  time.Duration
	Elements *cache.VersionedCache[string, Element]
}

// NewClient builds a client authenticated with the user's OAuth bearer token.
func NewClient(ctx context.Context, cfg ClientConfig, token string, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openstreetmap.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	httpClient := oauth2.NewClient(ctx, source)
	httpClient.Timeout = cfg.Timeout

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "osm-api",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     httpClient,
		breaker:  breaker,
		elements: cfg.Elements,
		logger:   logger.With("component", "osm"),
	}
}

// classify maps an OSM API status code into the error taxonomy.
func classify(status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apierror.New(apierror.KindNotAuthorized, "osm rejected the credentials: %s", body)
	case status == http.StatusConflict:
		return apierror.New(apierror.KindConflict, "osm reported a conflict: %s", body)
	case status == http.StatusNotFound || status == http.StatusGone:
		return apierror.New(apierror.KindNotFound, "osm element not found: %s", body)
	default:
		return apierror.New(apierror.KindFatal, "osm api returned %d: %s", status, body)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "text/xml; charset=utf-8")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, apierror.Wrap(apierror.KindFatal, err, "osm api unreachable")
		}
		defer resp.Body.Close()
		payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return nil, apierror.Wrap(apierror.KindFatal, err, "failed to read osm response")
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, classify(resp.StatusCode, strings.TrimSpace(string(payload)))
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// FetchElements loads the current versions of the referenced elements. Ways
// and relations are fetched with /full so member nodes come along. Elements
// already in the shared cache are served from it; the rest are fetched and
// cached at the version OSM reports.
func (c *Client) FetchElements(ctx context.Context, refs []ElementRef) (map[string]*Element, error) {
	out := make(map[string]*Element, len(refs))
	for _, ref := range refs {
		key := ref.String()
		if c.elements != nil {
			if el, ok := c.elements.Get(key, 0); ok {
				out[key] = el.Clone()
				continue
			}
		}
		path := fmt.Sprintf("/api/0.6/%s/%d", ref.Type, ref.ID)
		if ref.Type != ElementNode {
			path += "/full"
		}
		payload, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		var resp osmResponse
		if err := xml.Unmarshal(payload, &resp); err != nil {
			return nil, apierror.Wrap(apierror.KindFatal, err, "failed to decode osm element %s", ref)
		}
		for _, el := range resp.elements() {
			el := el
			elKey := ElementRef{Type: el.Type(), ID: el.ID}.String()
			out[elKey] = &el
			if c.elements != nil {
				c.elements.Put(elKey, el.Version, *el.Clone())
			}
		}
		if _, ok := out[key]; !ok {
			return nil, apierror.New(apierror.KindNotFound, "osm element %s missing from response", ref)
		}
	}
	return out, nil
}

// ForgetElements drops the cached snapshots of the refs. Called after a
// successful upload so the next fetch sees the incremented server versions.
func (c *Client) ForgetElements(refs []ElementRef) {
	if c.elements == nil {
		return
	}
	for _, ref := range refs {
		c.elements.Remove(ref.String())
	}
}

// OpenChangeset creates a changeset tagged with the comment and source.
func (c *Client) OpenChangeset(ctx context.Context, comment, source string) (int64, error) {
	var payload changesetPayload
	payload.Changeset.Tags = []Tag{
		{Key: "created_by", Value: "MapRoulette"},
		{Key: "comment", Value: comment},
	}
	if source != "" {
		payload.Changeset.Tags = append(payload.Changeset.Tags, Tag{Key: "source", Value: source})
	}
	body, err := xml.Marshal(payload)
	if err != nil {
		return 0, apierror.Wrap(apierror.KindFatal, err, "failed to encode changeset")
	}
	resp, err := c.do(ctx, http.MethodPut, "/api/0.6/changeset/create", body)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(resp)), 10, 64)
	if err != nil {
		return 0, apierror.Wrap(apierror.KindFatal, err, "osm returned a malformed changeset id")
	}
	return id, nil
}

// UploadChanges posts the osmChange document to the open changeset.
func (c *Client) UploadChanges(ctx context.Context, changesetID int64, change *osmChange) error {
	body, err := xml.Marshal(change)
	if err != nil {
		return apierror.Wrap(apierror.KindFatal, err, "failed to encode osmChange")
	}
	_, err = c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/0.6/changeset/%d/upload", changesetID), body)
	return err
}

// CloseChangeset closes the changeset. Closing is attempted on both the
// success and failure paths of an upload.
func (c *Client) CloseChangeset(ctx context.Context, changesetID int64) error {
	_, err := c.do(ctx, http.MethodPut,
		fmt.Sprintf("/api/0.6/changeset/%d/close", changesetID), nil)
	return err
}
