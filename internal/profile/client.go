// Package profile fetches user snapshots from the trading platform's user
// service. The segment gate and evaluator consume these read-only.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
	"github.com/tdmboyd-dev/TIME-sub002/internal/pkg/httpretry"
)

// ErrProfileNotFound marks a user id the platform does not know.
var ErrProfileNotFound = errors.New("profile: user not found")

// Client calls the platform's internal profile API.
type Client struct {
	baseURL string
	apiKey  string
	http    httpretry.Doer
}

// NewClient builds a profile client. A nil doer gets the default retrying
// client.
func NewClient(baseURL, apiKey string, doer httpretry.Doer) *Client {
	if doer == nil {
		doer = httpretry.New(nil, 3)
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, http: doer}
}

// GetProfile fetches one user's profile snapshot.
func (c *Client) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	u := fmt.Sprintf("%s/internal/users/%s/profile", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrProfileNotFound
	default:
		return nil, fmt.Errorf("profile request: status %d", resp.StatusCode)
	}

	var p domain.UserProfile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}
