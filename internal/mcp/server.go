package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/paularlott/mcp"

	"github.com/martinsuchenak/emud/internal/log"
	"github.com/martinsuchenak/emud/internal/node"
)

// Server wraps the MCP server with the node manager
type Server struct {
	mcpServer   *mcp.Server
	nodes       *node.Manager
	bearerToken string
}

// NewServer creates a new MCP server for node management
func NewServer(nodes *node.Manager, bearerToken string) *Server {
	s := &Server{
		mcpServer:   mcp.NewServer("emud", "1.0.0"),
		nodes:       nodes,
		bearerToken: bearerToken,
	}
	s.registerTools()
	return s
}

// registerTools registers all node management tools
func (s *Server) registerTools() {
	s.mcpServer.RegisterTool(
		mcp.NewTool("node_list", "List all nodes in a project with their status",
			mcp.String("project_id", "Project ID", mcp.Required()),
		),
		s.handleNodeList,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("node_get", "Get a node by ID, including its adapter/port bindings",
			mcp.String("project_id", "Project ID", mcp.Required()),
			mcp.String("node_id", "Node ID", mcp.Required()),
		),
		s.handleNodeGet,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("node_start", "Start a stopped node",
			mcp.String("project_id", "Project ID", mcp.Required()),
			mcp.String("node_id", "Node ID", mcp.Required()),
		),
		s.lifecycleHandler("start", (*node.Node).Start),
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("node_stop", "Stop a running or suspended node",
			mcp.String("project_id", "Project ID", mcp.Required()),
			mcp.String("node_id", "Node ID", mcp.Required()),
		),
		s.lifecycleHandler("stop", (*node.Node).Stop),
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("node_suspend", "Suspend a running node, if its kind supports it",
			mcp.String("project_id", "Project ID", mcp.Required()),
			mcp.String("node_id", "Node ID", mcp.Required()),
		),
		s.lifecycleHandler("suspend", (*node.Node).Suspend),
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("node_resume", "Resume a suspended node",
			mcp.String("project_id", "Project ID", mcp.Required()),
			mcp.String("node_id", "Node ID", mcp.Required()),
		),
		s.lifecycleHandler("resume", (*node.Node).Resume),
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("node_reload", "Restart a running node",
			mcp.String("project_id", "Project ID", mcp.Required()),
			mcp.String("node_id", "Node ID", mcp.Required()),
		),
		s.lifecycleHandler("reload", (*node.Node).Reload),
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("node_delete", "Delete a stopped node and its transport endpoints",
			mcp.String("project_id", "Project ID", mcp.Required()),
			mcp.String("node_id", "Node ID", mcp.Required()),
		),
		s.handleNodeDelete,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("node_duplicate", "Duplicate a node's configuration and port bindings into a new stopped node",
			mcp.String("project_id", "Project ID", mcp.Required()),
			mcp.String("node_id", "Source node ID", mcp.Required()),
			mcp.String("name", "Name for the copy (defaults to <source>-copy)"),
		),
		s.handleNodeDuplicate,
	)
}

// HandleRequest handles an MCP request, enforcing the bearer token when
// one is configured.
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	log.Debug("MCP request received", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

	if s.bearerToken != "" {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			log.Warn("MCP request missing Authorization header", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Missing Authorization header", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(auth, "Bearer ") {
			log.Warn("MCP request invalid Authorization format", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Invalid Authorization format", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != s.bearerToken {
			log.Warn("MCP request invalid token", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
			return
		}
	}

	s.mcpServer.HandleRequest(w, r)
}

// Tool handlers

func (s *Server) handleNodeList(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	projectID, err := req.String("project_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("project_id is required: " + err.Error())
	}

	nodes := s.nodes.List(projectID)
	log.Debug("MCP node list request", "project_id", projectID, "count", len(nodes))

	if len(nodes) == 0 {
		return mcp.NewToolResponseText("No nodes found in this project"), nil
	}

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Found %d nodes:\n\n", len(nodes)))
	for _, n := range nodes {
		result.WriteString(fmt.Sprintf("- %s (%s, %s): %s\n", n.Name(), n.ID(), n.Kind(), n.State()))
	}
	return mcp.NewToolResponseText(result.String()), nil
}

func (s *Server) handleNodeGet(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	n, toolErr := s.lookupNode(req)
	if toolErr != nil {
		return nil, toolErr
	}

	data, err := json.MarshalIndent(n.Snapshot(), "", "  ")
	if err != nil {
		return nil, mcp.NewToolErrorInternal("failed to encode node: " + err.Error())
	}
	return mcp.NewToolResponseText(string(data)), nil
}

// lifecycleHandler builds a tool handler for one lifecycle verb.
func (s *Server) lifecycleHandler(verb string, op func(*node.Node, context.Context) error) func(context.Context, *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	return func(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
		n, toolErr := s.lookupNode(req)
		if toolErr != nil {
			return nil, toolErr
		}

		log.Debug("MCP node lifecycle request", "verb", verb, "node_id", n.ID())
		if err := op(n, ctx); err != nil {
			log.Error("MCP node lifecycle failed", "verb", verb, "node_id", n.ID(), "error", err)
			return nil, mcp.NewToolErrorInternal(fmt.Sprintf("failed to %s node: %v", verb, err))
		}
		return mcp.NewToolResponseText(fmt.Sprintf("Node %s is now %s", n.Name(), n.State())), nil
	}
}

func (s *Server) handleNodeDelete(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	n, toolErr := s.lookupNode(req)
	if toolErr != nil {
		return nil, toolErr
	}

	nios, err := s.nodes.Delete(n.ProjectID(), n.ID())
	if err != nil {
		log.Error("MCP node delete failed", "node_id", n.ID(), "error", err)
		return nil, mcp.NewToolErrorInternal("failed to delete node: " + err.Error())
	}
	for _, en := range nios {
		if err := s.nodes.NIOs().Delete(en.ID()); err != nil {
			log.Warn("deleting detached NIO failed", "nio_id", en.ID(), "error", err)
		}
	}
	return mcp.NewToolResponseText("Node deleted successfully"), nil
}

func (s *Server) handleNodeDuplicate(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	n, toolErr := s.lookupNode(req)
	if toolErr != nil {
		return nil, toolErr
	}
	name, _ := req.String("name")

	dup, err := s.nodes.Duplicate(n.ProjectID(), n.ID(), "", name)
	if err != nil {
		log.Error("MCP node duplicate failed", "node_id", n.ID(), "error", err)
		return nil, mcp.NewToolErrorInternal("failed to duplicate node: " + err.Error())
	}
	return mcp.NewToolResponseText(fmt.Sprintf("Node duplicated as %s (%s)", dup.Name(), dup.ID())), nil
}

func (s *Server) lookupNode(req *mcp.ToolRequest) (*node.Node, error) {
	projectID, err := req.String("project_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("project_id is required: " + err.Error())
	}
	nodeID, err := req.String("node_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("node_id is required: " + err.Error())
	}
	n, err := s.nodes.Get(projectID, nodeID)
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("node not found: " + err.Error())
	}
	return n, nil
}

// GetHTTPHandler returns the HTTP handler function for MCP requests
func (s *Server) GetHTTPHandler() http.HandlerFunc {
	return s.HandleRequest
}

// LogStartup logs MCP server startup information
func (s *Server) LogStartup() {
	log.Info("MCP Server initialized", "version", "1.0.0")
	if s.bearerToken != "" {
		log.Info("MCP authentication enabled", "type", "Bearer token")
	} else {
		log.Info("MCP authentication disabled")
	}
	tools := s.mcpServer.ListTools()
	log.Info("MCP tools registered", "count", len(tools))
	for _, tool := range tools {
		log.Debug("MCP tool registered", "name", tool.Name, "description", tool.Description)
	}
}
