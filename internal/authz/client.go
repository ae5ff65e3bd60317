package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// PermissionSource is the authoritative backend the cache consults on refresh
// and server-side validation. Implementations must treat network and server
// failures as ordinary errors; the cache decides the fallback.
type PermissionSource interface {
	FetchPermissions(ctx context.Context, userID string) ([]Permission, error)
	ValidatePermission(ctx context.Context, userID string, perm Permission) (bool, error)
}

// Client talks to the auth backend's permission endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient constructs a Client for the given base URL. A nil httpClient
// falls back to a client with a 10 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

type permissionsResponse struct {
	Permissions []Permission `json:"permissions"`
}

// FetchPermissions retrieves the authoritative permission list for a user.
func (c *Client) FetchPermissions(ctx context.Context, userID string) ([]Permission, error) {
	url := fmt.Sprintf("%s/auth/permissions/%s/", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authz: fetch permissions for %s: unexpected status %d", userID, res.StatusCode)
	}
	var payload permissionsResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("authz: decode permissions response: %w", err)
	}
	return payload.Permissions, nil
}

type validateRequest struct {
	UserID     string     `json:"user_id"`
	Permission Permission `json:"permission"`
}

type validateResponse struct {
	Valid bool `json:"valid"`
}

// ValidatePermission asks the backend for a single authoritative answer.
func (c *Client) ValidatePermission(ctx context.Context, userID string, perm Permission) (bool, error) {
	body, err := json.Marshal(validateRequest{UserID: userID, Permission: perm})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/validate-permission/", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return false, fmt.Errorf("authz: validate permission %s: unexpected status %d", perm, res.StatusCode)
	}
	var payload validateResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("authz: decode validation response: %w", err)
	}
	return payload.Valid, nil
}
