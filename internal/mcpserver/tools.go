package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/harrison/cadpilot/internal/knowledge"
	"github.com/harrison/cadpilot/internal/models"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.createPlanTool(),
		s.getPlanTool(),
		s.executePlanTool(),
		s.listPlansTool(),
		s.removePlanTool(),
		s.classifyOperationTool(),
		s.dispatcherStatsTool(),
		s.searchKnowledgeTool(),
	)
}

func (s *Server) createPlanTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("create_plan",
		mcplib.WithDescription("Create a task plan for a natural-language CAD modeling request"),
		mcplib.WithString("request",
			mcplib.Required(),
			mcplib.Description("What to model, for example \"create a 200x100x50 box\""),
		),
		mcplib.WithObject("fields",
			mcplib.Description("Structured values such as length, width or height that override values parsed from the request"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCreatePlan}
}

func (s *Server) getPlanTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_plan",
		mcplib.WithDescription("Get an active plan with its steps, statuses and progress"),
		mcplib.WithString("plan_id",
			mcplib.Required(),
			mcplib.Description("The plan ID returned by create_plan"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetPlan}
}

func (s *Server) executePlanTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("execute_plan",
		mcplib.WithDescription("Execute an active plan step by step and report the outcome"),
		mcplib.WithString("plan_id",
			mcplib.Required(),
			mcplib.Description("The plan ID returned by create_plan"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleExecutePlan}
}

func (s *Server) listPlansTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_plans",
		mcplib.WithDescription("List active plans, oldest first"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListPlans}
}

func (s *Server) removePlanTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("remove_plan",
		mcplib.WithDescription("Drop a plan that is no longer needed from the active plans"),
		mcplib.WithString("plan_id",
			mcplib.Required(),
			mcplib.Description("The plan ID returned by create_plan"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleRemovePlan}
}

func (s *Server) classifyOperationTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("classify_operation",
		mcplib.WithDescription("Report whether an operation runs on the API surface, the vision surface or both"),
		mcplib.WithString("operation",
			mcplib.Required(),
			mcplib.Description("Operation name, for example create_pad"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleClassifyOperation}
}

func (s *Server) dispatcherStatsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("dispatcher_stats",
		mcplib.WithDescription("Get call, retry, fallback and failure counters"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleDispatcherStats}
}

func (s *Server) searchKnowledgeTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("search_knowledge",
		mcplib.WithDescription("Search the modeling procedure knowledge base"),
		mcplib.WithString("query",
			mcplib.Required(),
			mcplib.Description("Keywords to look for"),
		),
		mcplib.WithNumber("top_k",
			mcplib.Description("Maximum number of results (default 3)"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleSearchKnowledge}
}

func (s *Server) handleCreatePlan(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Engine == nil {
		return mcplib.NewToolResultError("engine not configured"), nil
	}
	args := req.GetArguments()
	request, ok := args["request"].(string)
	if !ok || strings.TrimSpace(request) == "" {
		return mcplib.NewToolResultError("request is required"), nil
	}
	var fields map[string]any
	if raw, present := args["fields"]; present && raw != nil {
		fields, ok = raw.(map[string]any)
		if !ok {
			return mcplib.NewToolResultError("fields must be an object"), nil
		}
	}

	plan := s.deps.Engine.CreatePlan(ctx, request, fields)
	return jsonResult("plan", plan)
}

func (s *Server) handleGetPlan(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Engine == nil {
		return mcplib.NewToolResultError("engine not configured"), nil
	}
	planID, ok := req.GetArguments()["plan_id"].(string)
	if !ok || planID == "" {
		return mcplib.NewToolResultError("plan_id is required"), nil
	}
	plan, err := s.deps.Engine.Plan(planID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get plan %s", planID), err), nil
	}
	return jsonResult("plan", plan)
}

// executeResponse is the execute_plan payload. A failed run is still a
// successful tool call; success reports the plan outcome.
type executeResponse struct {
	RunID      string           `json:"run_id"`
	PlanID     string           `json:"plan_id"`
	Success    bool             `json:"success"`
	DurationMs int64            `json:"duration_ms"`
	Progress   models.Progress  `json:"progress"`
	Error      string           `json:"error,omitempty"`
	Plan       *models.TaskPlan `json:"plan"`
}

func (s *Server) handleExecutePlan(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Engine == nil {
		return mcplib.NewToolResultError("engine not configured"), nil
	}
	planID, ok := req.GetArguments()["plan_id"].(string)
	if !ok || planID == "" {
		return mcplib.NewToolResultError("plan_id is required"), nil
	}
	plan, err := s.deps.Engine.Plan(planID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get plan %s", planID), err), nil
	}

	report, runErr := s.deps.Engine.ExecutePlan(ctx, planID)
	if after, err := s.deps.Engine.Plan(planID); err == nil {
		plan = after
	}
	resp := executeResponse{
		RunID:      report.RunID,
		PlanID:     planID,
		Success:    report.Success,
		DurationMs: report.Duration.Milliseconds(),
		Progress:   report.Progress,
		Plan:       plan,
	}
	if runErr != nil {
		resp.Error = runErr.Error()
	}
	return jsonResult("run report", resp)
}

func (s *Server) handleListPlans(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Engine == nil {
		return mcplib.NewToolResultError("engine not configured"), nil
	}
	plans := s.deps.Engine.Plans()
	if plans == nil {
		plans = []models.PlanSummary{}
	}
	return jsonResult("plans", plans)
}

func (s *Server) handleRemovePlan(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Engine == nil {
		return mcplib.NewToolResultError("engine not configured"), nil
	}
	planID, ok := req.GetArguments()["plan_id"].(string)
	if !ok || planID == "" {
		return mcplib.NewToolResultError("plan_id is required"), nil
	}
	if err := s.deps.Engine.RemovePlan(planID); err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to remove plan %s", planID), err), nil
	}
	return jsonResult("removal", map[string]any{"plan_id": planID, "removed": true})
}

func (s *Server) handleClassifyOperation(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Engine == nil {
		return mcplib.NewToolResultError("engine not configured"), nil
	}
	operation, ok := req.GetArguments()["operation"].(string)
	if !ok || operation == "" {
		return mcplib.NewToolResultError("operation is required"), nil
	}
	return jsonResult("classification", map[string]any{
		"operation": operation,
		"modality":  s.deps.Engine.Classify(operation),
		"supported": s.deps.Engine.Supported(operation),
	})
}

func (s *Server) handleDispatcherStats(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Engine == nil {
		return mcplib.NewToolResultError("engine not configured"), nil
	}
	return jsonResult("stats", s.deps.Engine.Stats())
}

func (s *Server) handleSearchKnowledge(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.Knowledge == nil {
		return mcplib.NewToolResultError("knowledge base not configured"), nil
	}
	args := req.GetArguments()
	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return mcplib.NewToolResultError("query is required"), nil
	}
	topK := knowledge.DefaultTopK
	if n, ok := args["top_k"].(float64); ok && n > 0 {
		topK = int(n)
	}

	results, err := s.deps.Knowledge.Search(ctx, query, topK)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to search knowledge base", err), nil
	}
	if results == nil {
		results = []knowledge.Result{}
	}
	return jsonResult("results", results)
}

func jsonResult(what string, v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal "+what, err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
