// Package mcp serves the GitLab tools over the MCP streamable HTTP transport.
// Every request gets a server bound to the grant the bearer middleware verified.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/manorfm/gitlab-mcp-proxy/internal/domain"
	"github.com/manorfm/gitlab-mcp-proxy/internal/infrastructure/gitlab"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

const serverName = "gitlab-mcp-proxy"

var errNoGrant = errors.New("request carries no verified grant")

// GitLabAPI is the part of the GitLab REST client the tools use
type GitLabAPI interface {
	CurrentUser(ctx context.Context, accessToken string) (*gitlab.User, error)
	ListProjects(ctx context.Context, accessToken, search string, perPage int) ([]gitlab.Project, error)
}

type Server struct {
	api     GitLabAPI
	version string
	logger  *zap.Logger
}

func NewServer(api GitLabAPI, version string, logger *zap.Logger) *Server {
	return &Server{api: api, version: version, logger: logger}
}

// Handler returns the stateless streamable HTTP endpoint. It must sit behind the
// bearer middleware.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		grant, _ := domain.GetGrant(r.Context())
		return s.newServer(grant)
	}, &mcp.StreamableHTTPOptions{Stateless: true})
}

// CurrentUserInput takes no arguments
type CurrentUserInput struct{}

// CurrentUserOutput is the result of gitlab_current_user
type CurrentUserOutput struct {
	ID       int64  `json:"id" jsonschema:"GitLab user id"`
	Username string `json:"username" jsonschema:"GitLab username"`
	Name     string `json:"name" jsonschema:"Display name"`
	Email    string `json:"email,omitempty" jsonschema:"Public email address"`
	State    string `json:"state" jsonschema:"Account state"`
	WebURL   string `json:"web_url" jsonschema:"Profile URL"`
}

// ListProjectsInput filters gitlab_list_projects
type ListProjectsInput struct {
	Search  string `json:"search,omitempty" jsonschema:"Only return projects whose name matches this text"`
	PerPage int    `json:"per_page,omitempty" jsonschema:"Maximum number of projects to return (1 to 100)"`
}

// ProjectItem is one project in a listing
type ProjectItem struct {
	ID                int64  `json:"id" jsonschema:"GitLab project id"`
	Name              string `json:"name" jsonschema:"Project name"`
	PathWithNamespace string `json:"path_with_namespace" jsonschema:"Full project path"`
	Description       string `json:"description,omitempty" jsonschema:"Project description"`
	WebURL            string `json:"web_url" jsonschema:"Project URL"`
	DefaultBranch     string `json:"default_branch,omitempty" jsonschema:"Default branch"`
}

// ListProjectsOutput is the result of gitlab_list_projects
type ListProjectsOutput struct {
	Projects []ProjectItem `json:"projects" jsonschema:"Projects the user is a member of"`
	Count    int           `json:"count" jsonschema:"Number of projects returned"`
}

func (s *Server) newServer(grant *domain.Grant) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: s.version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "gitlab_current_user",
		Description: "Show the GitLab account this session is authorized as",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ CurrentUserInput) (*mcp.CallToolResult, CurrentUserOutput, error) {
		token, err := upstreamToken(grant)
		if err != nil {
			return nil, CurrentUserOutput{}, err
		}
		user, err := s.api.CurrentUser(ctx, token)
		if err != nil {
			s.logToolError("gitlab_current_user", grant, err)
			return nil, CurrentUserOutput{}, fmt.Errorf("failed to load current user: %w", err)
		}
		return nil, CurrentUserOutput{
			ID:       user.ID,
			Username: user.Username,
			Name:     user.Name,
			Email:    user.Email,
			State:    user.State,
			WebURL:   user.WebURL,
		}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "gitlab_list_projects",
		Description: "List GitLab projects the user is a member of, most recently active first",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input ListProjectsInput) (*mcp.CallToolResult, ListProjectsOutput, error) {
		token, err := upstreamToken(grant)
		if err != nil {
			return nil, ListProjectsOutput{}, err
		}
		projects, err := s.api.ListProjects(ctx, token, input.Search, input.PerPage)
		if err != nil {
			s.logToolError("gitlab_list_projects", grant, err)
			return nil, ListProjectsOutput{}, fmt.Errorf("failed to list projects: %w", err)
		}

		out := ListProjectsOutput{Projects: make([]ProjectItem, 0, len(projects))}
		for _, p := range projects {
			out.Projects = append(out.Projects, ProjectItem{
				ID:                p.ID,
				Name:              p.Name,
				PathWithNamespace: p.PathWithNamespace,
				Description:       p.Description,
				WebURL:            p.WebURL,
				DefaultBranch:     p.DefaultBranch,
			})
		}
		out.Count = len(out.Projects)
		return nil, out, nil
	})

	return server
}

func upstreamToken(grant *domain.Grant) (string, error) {
	if grant == nil || grant.Upstream == nil || grant.Upstream.AccessToken == "" {
		return "", errNoGrant
	}
	return grant.Upstream.AccessToken, nil
}

func (s *Server) logToolError(tool string, grant *domain.Grant, err error) {
	var apiErr *gitlab.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
		s.logger.Debug("GitLab rejected tool call",
			zap.String("tool", tool),
			zap.String("client_id", grant.ClientID),
			zap.Int("status", apiErr.StatusCode))
		return
	}
	s.logger.Error("Tool call failed",
		zap.String("tool", tool),
		zap.String("client_id", grant.ClientID),
		zap.Error(err))
}
