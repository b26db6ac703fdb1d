// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package collabsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Session-level errors. Both mean the caller must run the
// disconnect/re-authenticate flow instead of retrying the request.
var (
	ErrUnauthorized   = errors.New("collabsync: unauthorized")
	ErrSessionExpired = errors.New("collabsync: session token expired")
)

// Region is the spatial scope of a feature request: a bounding box, and the
// grid tile it was derived from when the source loads tiled.
type Region struct {
	Extent orb.Bound
	Tile   *maptile.Tile
	CRS    string
}

// TransactionResult is the service's answer to a pushed action batch.
type TransactionResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	// ID is the transaction identifier assigned by the service.
	ID int64 `json:"id,omitempty"`
	// Conflicts carries the conflict payload when Status is "conflicting",
	// for the caller's merge/resubmit flow.
	Conflicts json.RawMessage `json:"conflicts,omitempty"`
}

// ApiClient is the interface the sync core needs from the collaborative
// service. Authentication and wire details live behind it.
type ApiClient interface {
	// GetFeatures fetches the raw payload of features intersecting a region.
	GetFeatures(ctx context.Context, dataset string, region Region, params map[string]string) ([]byte, error)
	// AddTransaction submits an action batch as one transaction.
	AddTransaction(ctx context.Context, dataset string, actions []Action, contentType string) (*TransactionResult, error)
	// AddDocument uploads an attachment and returns its server identifier.
	AddDocument(ctx context.Context, name string, content []byte) (string, error)
}

// HTTPClient talks to the collaborative service over HTTP with a bearer
// session token.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
	// Token returns the current session token. Inspected locally for expiry
	// before each request so an expired session surfaces as
	// ErrSessionExpired without a wasted round trip.
	Token  func(ctx context.Context) (string, error)
	Logger *slog.Logger
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL string, token func(ctx context.Context) (string, error)) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL must be provided")
	}
	if token == nil {
		return nil, fmt.Errorf("token provider must be provided")
	}
	return &HTTPClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
		Token:   token,
		Logger:  slog.Default(),
	}, nil
}

func (c *HTTPClient) bearer(ctx context.Context) (string, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get session token: %w", err)
	}
	if expired, err := tokenExpired(token); err == nil && expired {
		return "", ErrSessionExpired
	}
	return token, nil
}

// tokenExpired inspects a JWT's exp claim without verifying the signature;
// verification is the server's job, this only short-circuits a guaranteed
// 401.
func tokenExpired(token string) (bool, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false, err
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false, err
	}
	return exp.Before(time.Now()), nil
}

func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, string(body))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *HTTPClient) GetFeatures(ctx context.Context, dataset string, region Region, params map[string]string) ([]byte, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("typename", dataset)
	q.Set("bbox", fmt.Sprintf("%g,%g,%g,%g",
		region.Extent.Min[0], region.Extent.Min[1],
		region.Extent.Max[0], region.Extent.Max[1]))
	if region.CRS != "" {
		q.Set("srsname", region.CRS)
	}
	for k, v := range params {
		q.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/gcms/wfs?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return c.do(req)
}

func (c *HTTPClient) AddTransaction(ctx context.Context, dataset string, actions []Action, contentType string) (*TransactionResult, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "application/json"
	}

	payload, err := json.Marshal(map[string]any{
		"typename": dataset,
		"actions":  actions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/gcms/transaction", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var result TransactionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode transaction response: %w", err)
	}
	return &result, nil
}

func (c *HTTPClient) AddDocument(ctx context.Context, name string, content []byte) (string, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/gcms/document?name="+url.QueryEscape(name), bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to decode document response: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("document response missing id")
	}
	return result.ID, nil
}
