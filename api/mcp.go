package api

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pagehook/kit"
	"github.com/hazyhaar/pagehook/model"
)

// RegisterMCP registers the pagehook tools on an MCP server.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	s.registerListRulesTool(srv)
	s.registerToggleRuleTool(srv)
	s.registerDeleteRuleTool(srv)
	s.registerRecentLogsTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (s *Server) endpoint(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(s.logger, name))(ep)
}

// --- list_rules ---

type listRulesRequest struct {
	EnabledOnly bool `json:"enabled_only,omitempty"`
}

func (s *Server) registerListRulesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagehook_list_rules",
		Description: "List webhook rules with their trigger, URL pattern, selector and destination.",
		InputSchema: inputSchema(map[string]any{
			"enabled_only": map[string]any{"type": "boolean", "description": "Only return enabled rules"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*listRulesRequest)
		rules, err := s.store.ListRules(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]model.Rule, 0, len(rules))
		for _, rule := range rules {
			if r.EnabledOnly && !rule.Enabled {
				continue
			}
			out = append(out, rule)
		}
		return out, nil
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeJSON[listRulesRequest]())
}

// --- toggle_rule ---

type toggleRuleRequest struct {
	ID      string `json:"id"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func (s *Server) registerToggleRuleTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagehook_toggle_rule",
		Description: "Enable or disable a rule. Without 'enabled' the current state is flipped.",
		InputSchema: inputSchema(map[string]any{
			"id":      map[string]any{"type": "string", "description": "Rule ID"},
			"enabled": map[string]any{"type": "boolean", "description": "Target state"},
		}, []string{"id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*toggleRuleRequest)
		if r.ID == "" {
			return nil, errors.New("id is required")
		}
		return s.coord.ToggleRule(ctx, r.ID, r.Enabled)
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeJSON[toggleRuleRequest]())
}

// --- delete_rule ---

type deleteRuleRequest struct {
	ID string `json:"id"`
}

func (s *Server) registerDeleteRuleTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagehook_delete_rule",
		Description: "Delete a rule, its content snapshot and its periodic timer.",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Rule ID"},
		}, []string{"id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*deleteRuleRequest)
		if r.ID == "" {
			return nil, errors.New("id is required")
		}
		if err := s.coord.DeleteRule(ctx, r.ID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "deleted", "id": r.ID}, nil
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeJSON[deleteRuleRequest]())
}

// --- recent_logs ---

type recentLogsRequest struct {
	Limit  int    `json:"limit,omitempty"`
	RuleID string `json:"rule_id,omitempty"`
}

func (s *Server) registerRecentLogsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "pagehook_recent_logs",
		Description: "Recent webhook deliveries, newest first.",
		InputSchema: inputSchema(map[string]any{
			"limit":   map[string]any{"type": "integer", "description": "Max entries (default 20)"},
			"rule_id": map[string]any{"type": "string", "description": "Only deliveries of this rule"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*recentLogsRequest)
		limit := r.Limit
		if limit <= 0 {
			limit = 20
		}
		logs, err := s.store.ListLogs(ctx, 0)
		if err != nil {
			return nil, err
		}
		out := make([]model.LogEntry, 0, limit)
		for _, e := range logs {
			if r.RuleID != "" && e.RuleID != r.RuleID {
				continue
			}
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
		return out, nil
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeJSON[recentLogsRequest]())
}
