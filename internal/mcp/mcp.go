// Package mcp implements the Model Context Protocol surface of the gateway.
//
// Tool handlers here are deliberately thin: they parse arguments, build the
// backend operation (read operations declare their cache keys, mutations
// declare what they invalidate), and hand off to the dispatcher. The task
// domain itself lives in the downstream REST API.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/nerio-ai/taskgate/internal/backend"
	"github.com/nerio-ai/taskgate/internal/dispatch"
)

// ServiceTasks is the breaker service name for the task-management API.
const ServiceTasks = "taskboard"

// Server wraps the MCP server with the gateway dispatcher.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// New creates and configures the MCP server with all tools registered.
func New(dispatcher *dispatch.Dispatcher, logger *slog.Logger, version string) *Server {
	s := &Server{
		dispatcher: dispatcher,
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"taskgate",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("task_list",
			mcplib.WithDescription("List tasks, optionally filtered by project, sprint, or status"),
			mcplib.WithString("project_id", mcplib.Description("Filter by project ID")),
			mcplib.WithString("sprint_id", mcplib.Description("Filter by sprint ID")),
			mcplib.WithString("status", mcplib.Description("Filter by task status")),
		),
		s.handleTaskList,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("task_get",
			mcplib.WithDescription("Get a single task by ID"),
			mcplib.WithString("task_id", mcplib.Description("Task identifier"), mcplib.Required()),
		),
		s.handleTaskGet,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("task_create",
			mcplib.WithDescription("Create a new task"),
			mcplib.WithString("title", mcplib.Description("Task title"), mcplib.Required()),
			mcplib.WithString("description", mcplib.Description("Task description")),
			mcplib.WithString("project_id", mcplib.Description("Owning project ID")),
			mcplib.WithString("sprint_id", mcplib.Description("Owning sprint ID")),
			mcplib.WithString("status", mcplib.Description("Initial status")),
		),
		s.handleTaskCreate,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("task_update",
			mcplib.WithDescription("Update an existing task"),
			mcplib.WithString("task_id", mcplib.Description("Task identifier"), mcplib.Required()),
			mcplib.WithString("title", mcplib.Description("New title")),
			mcplib.WithString("description", mcplib.Description("New description")),
			mcplib.WithString("status", mcplib.Description("New status")),
			mcplib.WithString("sprint_id", mcplib.Description("New sprint ID")),
		),
		s.handleTaskUpdate,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("task_delete",
			mcplib.WithDescription("Delete a task"),
			mcplib.WithString("task_id", mcplib.Description("Task identifier"), mcplib.Required()),
		),
		s.handleTaskDelete,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("project_list",
			mcplib.WithDescription("List all projects"),
		),
		s.handleProjectList,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("project_get",
			mcplib.WithDescription("Get a single project by ID"),
			mcplib.WithString("project_id", mcplib.Description("Project identifier"), mcplib.Required()),
		),
		s.handleProjectGet,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("sprint_list",
			mcplib.WithDescription("List sprints, optionally filtered by project"),
			mcplib.WithString("project_id", mcplib.Description("Filter by project ID")),
		),
		s.handleSprintList,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("action_list_get",
			mcplib.WithDescription("Get the action list for a task"),
			mcplib.WithString("task_id", mcplib.Description("Task identifier"), mcplib.Required()),
		),
		s.handleActionListGet,
	)
}

func (s *Server) handleTaskList(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	params := url.Values{}
	if v := request.GetString("project_id", ""); v != "" {
		params.Set("project_id", v)
	}
	if v := request.GetString("sprint_id", ""); v != "" {
		params.Set("sprint_id", v)
	}
	if v := request.GetString("status", ""); v != "" {
		params.Set("status", v)
	}
	path := "/api/tasks"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	op := backend.Operation{
		Service:   ServiceTasks,
		Name:      "task_list",
		Method:    "GET",
		Path:      path,
		Cacheable: true,
		CacheKey:  TaskListKey(params.Encode()),
	}
	return s.dispatcher.Dispatch(ctx, op, nil).MCP(), nil
}

func (s *Server) handleTaskGet(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	taskID := request.GetString("task_id", "")
	if taskID == "" {
		return argumentError("task_id is required"), nil
	}

	op := backend.Operation{
		Service:   ServiceTasks,
		Name:      "task_get",
		Method:    "GET",
		Path:      "/api/tasks/" + url.PathEscape(taskID),
		Cacheable: true,
		CacheKey:  TaskKey(taskID),
	}
	return s.dispatcher.Dispatch(ctx, op, nil).MCP(), nil
}

func (s *Server) handleTaskCreate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	title := request.GetString("title", "")
	if title == "" {
		return argumentError("title is required"), nil
	}

	body := map[string]any{"title": title}
	if v := request.GetString("description", ""); v != "" {
		body["description"] = v
	}
	if v := request.GetString("project_id", ""); v != "" {
		body["project_id"] = v
	}
	if v := request.GetString("sprint_id", ""); v != "" {
		body["sprint_id"] = v
	}
	if v := request.GetString("status", ""); v != "" {
		body["status"] = v
	}

	op := backend.Operation{
		Service:            ServiceTasks,
		Name:               "task_create",
		Method:             "POST",
		Path:               "/api/tasks",
		InvalidatePrefixes: []string{taskListPrefix},
	}
	return s.dispatcher.Dispatch(ctx, op, body).MCP(), nil
}

func (s *Server) handleTaskUpdate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	taskID := request.GetString("task_id", "")
	if taskID == "" {
		return argumentError("task_id is required"), nil
	}

	body := map[string]any{}
	for _, field := range []string{"title", "description", "status", "sprint_id"} {
		if v := request.GetString(field, ""); v != "" {
			body[field] = v
		}
	}
	if len(body) == 0 {
		return argumentError("at least one field to update is required"), nil
	}

	op := backend.Operation{
		Service:            ServiceTasks,
		Name:               "task_update",
		Method:             "PATCH",
		Path:               "/api/tasks/" + url.PathEscape(taskID),
		Invalidates:        []string{TaskKey(taskID), ActionListKey(taskID)},
		InvalidatePrefixes: []string{taskListPrefix},
	}
	return s.dispatcher.Dispatch(ctx, op, body).MCP(), nil
}

func (s *Server) handleTaskDelete(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	taskID := request.GetString("task_id", "")
	if taskID == "" {
		return argumentError("task_id is required"), nil
	}

	op := backend.Operation{
		Service:            ServiceTasks,
		Name:               "task_delete",
		Method:             "DELETE",
		Path:               "/api/tasks/" + url.PathEscape(taskID),
		Invalidates:        []string{TaskKey(taskID), ActionListKey(taskID)},
		InvalidatePrefixes: []string{taskListPrefix},
	}
	return s.dispatcher.Dispatch(ctx, op, nil).MCP(), nil
}

func (s *Server) handleProjectList(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	op := backend.Operation{
		Service:   ServiceTasks,
		Name:      "project_list",
		Method:    "GET",
		Path:      "/api/projects",
		Cacheable: true,
		CacheKey:  "project_list",
	}
	return s.dispatcher.Dispatch(ctx, op, nil).MCP(), nil
}

func (s *Server) handleProjectGet(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	projectID := request.GetString("project_id", "")
	if projectID == "" {
		return argumentError("project_id is required"), nil
	}

	op := backend.Operation{
		Service:   ServiceTasks,
		Name:      "project_get",
		Method:    "GET",
		Path:      "/api/projects/" + url.PathEscape(projectID),
		Cacheable: true,
		CacheKey:  "project:" + projectID,
	}
	return s.dispatcher.Dispatch(ctx, op, nil).MCP(), nil
}

func (s *Server) handleSprintList(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	params := url.Values{}
	if v := request.GetString("project_id", ""); v != "" {
		params.Set("project_id", v)
	}
	path := "/api/sprints"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	op := backend.Operation{
		Service:   ServiceTasks,
		Name:      "sprint_list",
		Method:    "GET",
		Path:      path,
		Cacheable: true,
		CacheKey:  "sprint_list:" + params.Encode(),
	}
	return s.dispatcher.Dispatch(ctx, op, nil).MCP(), nil
}

func (s *Server) handleActionListGet(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	taskID := request.GetString("task_id", "")
	if taskID == "" {
		return argumentError("task_id is required"), nil
	}

	op := backend.Operation{
		Service:   ServiceTasks,
		Name:      "action_list_get",
		Method:    "GET",
		Path:      "/api/tasks/" + url.PathEscape(taskID) + "/action-list",
		Cacheable: true,
		CacheKey:  ActionListKey(taskID),
	}
	return s.dispatcher.Dispatch(ctx, op, nil).MCP(), nil
}

const taskListPrefix = "task_list:"

// TaskKey is the cache key for one task's read response.
func TaskKey(taskID string) string { return "task:" + taskID }

// TaskListKey is the cache key for a filtered task list query.
func TaskListKey(encodedFilters string) string { return taskListPrefix + encodedFilters }

// ActionListKey is the cache key for a task's action list.
func ActionListKey(taskID string) string { return "action_list:" + taskID }

// argumentError reports bad tool input without touching the backend or
// the breaker.
func argumentError(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: fmt.Sprintf("invalid arguments: %s", msg)},
		},
		IsError: true,
	}
}
