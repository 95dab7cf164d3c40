// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/maproulette/maproulette-backend/internal/apierror"
)

// osmEndpoint is the OSM OAuth2 authorization server.
var osmEndpoint = oauth2.Endpoint{
	AuthURL:  "https://www.openstreetmap.org/oauth2/authorize",
	TokenURL: "https://www.openstreetmap.org/oauth2/token",
}

// OSMProfile is the subset of the OSM account details a login needs.
type OSMProfile struct {
	ID   int64
	Name string
}

// OSMLogin drives the OAuth2 authorization code flow against OSM.
type OSMLogin struct {
	oauth      oauth2.Config
	apiBaseURL string
}

// NewOSMLogin creates the login helper. redirectURL is the callback this
// server exposes; apiBaseURL is the OSM API used to fetch account details.
func NewOSMLogin(clientID, clientSecret, redirectURL, apiBaseURL string) *OSMLogin {
	return &OSMLogin{
		oauth: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     osmEndpoint,
			RedirectURL:  redirectURL,
			Scopes:       []string{"read_prefs", "write_api"},
		},
		apiBaseURL: apiBaseURL,
	}
}

// NewState returns a random value to bind the authorization request to the
// callback.
func NewState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate oauth state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCodeURL returns the OSM authorization page URL for the given state.
func (l *OSMLogin) AuthCodeURL(state string) string {
	return l.oauth.AuthCodeURL(state)
}

// Exchange trades the authorization code for a bearer token and loads the
// account it belongs to.
func (l *OSMLogin) Exchange(ctx context.Context, code string) (*OSMProfile, string, error) {
	token, err := l.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, "", apierror.Wrap(apierror.KindNotAuthorized, err, "authorization code rejected")
	}
	profile, err := l.fetchProfile(ctx, token)
	if err != nil {
		return nil, "", err
	}
	return profile, token.AccessToken, nil
}

func (l *OSMLogin) fetchProfile(ctx context.Context, token *oauth2.Token) (*OSMProfile, error) {
	client := l.oauth.Client(ctx, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		l.apiBaseURL+"/api/0.6/user/details.json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindFatal, err, "failed to fetch osm account details")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apierror.New(apierror.KindFatal,
			"osm account details returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var details struct {
		User struct {
			ID          int64  `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"user"`
	}
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, apierror.Wrap(apierror.KindFatal, err, "malformed osm account details")
	}
	if details.User.ID == 0 {
		return nil, apierror.New(apierror.KindFatal, "osm account details missing user id")
	}
	return &OSMProfile{ID: details.User.ID, Name: details.User.DisplayName}, nil
}
