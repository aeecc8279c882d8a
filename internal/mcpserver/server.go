// Package mcpserver exposes plan creation, plan execution and dispatcher
// introspection as Model Context Protocol tools over stdio.
package mcpserver

import (
	"context"
	"io"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/harrison/cadpilot/internal/executor"
	"github.com/harrison/cadpilot/internal/knowledge"
	"github.com/harrison/cadpilot/internal/models"
)

// Engine is the subset of the engine the tools drive.
type Engine interface {
	CreatePlan(ctx context.Context, request string, fields map[string]any) *models.TaskPlan
	Plan(id string) (*models.TaskPlan, error)
	Plans() []models.PlanSummary
	RemovePlan(id string) error
	ExecutePlan(ctx context.Context, id string) (executor.RunReport, error)
	Classify(operation string) models.Modality
	Supported(operation string) bool
	Stats() models.Stats
}

// KnowledgeSearcher answers SOP lookups. It is optional.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, topK int) ([]knowledge.Result, error)
}

// ServerConfig names the server in the MCP handshake.
type ServerConfig struct {
	Name    string
	Version string
}

// ServerDeps holds the collaborators behind the tools.
type ServerDeps struct {
	Engine    Engine
	Knowledge KnowledgeSearcher
}

// Server wraps an mcp-go server with the cadpilot tools registered.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
}

// NewServer creates the server and registers every tool.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	if cfg.Name == "" {
		cfg.Name = "cadpilot"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio serves JSON-RPC on the given streams until ctx is cancelled or stdin closes.
func (s *Server) ServeStdio(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	return mcpserver.NewStdioServer(s.mcpServer).Listen(ctx, stdin, stdout)
}
