// Package gitlab is a thin GitLab REST client that authenticates with the
// upstream token of a verified grant.
package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// APIError is returned for any non-2xx GitLab response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gitlab api returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/") + "/api/v4",
		httpClient: httpClient,
		logger:     logger,
	}
}

// Get sends an authenticated GET request and decodes the JSON body into out
func (c *Client) Get(ctx context.Context, accessToken, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling gitlab: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Debug("GitLab request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body, resp.Status)}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func errorMessage(body []byte, fallback string) string {
	var payload struct {
		Message any    `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if s, ok := payload.Message.(string); ok && s != "" {
			return s
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return fallback
}

// User is the subset of /user the tools report
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	State     string `json:"state"`
	WebURL    string `json:"web_url"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Project is the subset of /projects the tools report
type Project struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	Description       string `json:"description,omitempty"`
	WebURL            string `json:"web_url"`
	DefaultBranch     string `json:"default_branch,omitempty"`
	Visibility        string `json:"visibility,omitempty"`
}

func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*User, error) {
	var user User
	if err := c.Get(ctx, accessToken, "/user", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListProjects lists projects the user is a member of, optionally filtered by search
func (c *Client) ListProjects(ctx context.Context, accessToken, search string, perPage int) ([]Project, error) {
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}
	query := url.Values{
		"membership": {"true"},
		"simple":     {"true"},
		"per_page":   {fmt.Sprint(perPage)},
		"order_by":   {"last_activity_at"},
	}
	if search != "" {
		query.Set("search", search)
	}

	var projects []Project
	if err := c.Get(ctx, accessToken, "/projects", query, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}
