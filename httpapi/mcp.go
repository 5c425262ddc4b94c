package httpapi

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/leadscout/audit"
	"github.com/hazyhaar/leadscout/batch"
	"github.com/hazyhaar/leadscout/kit"
)

// RegisterMCP registers the leadscout tools on srv.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	str := map[string]any{"type": "string"}
	num := map[string]any{"type": "integer"}
	strs := map[string]any{"type": "array", "items": str}

	s.auditedTool(srv, &mcp.Tool{
		Name:        "leadscout_start_search",
		Description: "Start a batch people search over companies × keywords. Returns the session id; poll leadscout_search_status.",
		InputSchema: kit.InputSchema(map[string]any{
			"companies":       strs,
			"keywords":        strs,
			"limitPerCompany": num,
		}, "companies", "keywords"),
	}, func(ctx context.Context, req any) (any, error) {
		st, err := s.cfg.Batches.StartBatch(ctx, *req.(*batch.Request))
		if err != nil {
			return nil, err
		}
		return startResponse{SessionID: st.Session.ID, Status: st.Session.Status,
			TotalCompanies: st.Session.TotalCompanies, Cached: st.Cached}, nil
	}, kit.DecodeJSON[batch.Request])

	type sessionReq struct {
		SessionID string `json:"sessionId"`
		Page      int    `json:"page"`
		PageSize  int    `json:"pageSize"`
	}
	s.tool(srv, &mcp.Tool{
		Name:        "leadscout_search_status",
		Description: "Progress of a batch search.",
		InputSchema: kit.InputSchema(map[string]any{"sessionId": str}, "sessionId"),
	}, func(ctx context.Context, req any) (any, error) {
		return s.cfg.Batches.Status(ctx, req.(*sessionReq).SessionID)
	}, kit.DecodeJSON[sessionReq])

	s.tool(srv, &mcp.Tool{
		Name:        "leadscout_search_results",
		Description: "One page of a batch search's contacts, in discovery order.",
		InputSchema: kit.InputSchema(map[string]any{"sessionId": str, "page": num, "pageSize": num}, "sessionId"),
	}, func(ctx context.Context, req any) (any, error) {
		r := req.(*sessionReq)
		return s.cfg.Batches.Results(ctx, r.SessionID, r.Page, r.PageSize)
	}, kit.DecodeJSON[sessionReq])

	s.auditedTool(srv, &mcp.Tool{
		Name:        "leadscout_linkedin_search",
		Description: "Run one live people search on the connected session. Counts against the rate limit.",
		InputSchema: kit.InputSchema(map[string]any{"query": str, "limit": num}, "query"),
	}, func(ctx context.Context, req any) (any, error) {
		return s.search(ctx, *req.(*adhocRequest))
	}, kit.DecodeJSON[adhocRequest])

	s.tool(srv, &mcp.Tool{
		Name:        "leadscout_auth_status",
		Description: "State of the automation session and what to do next.",
		InputSchema: kit.InputSchema(map[string]any{}),
	}, func(context.Context, any) (any, error) {
		sess := s.cfg.Auth.Status()
		return authResponse{Session: sess, Message: sess.Status.Hint()}, nil
	}, kit.DecodeJSON[struct{}])

	s.tool(srv, &mcp.Tool{
		Name:        "leadscout_rate_limits",
		Description: "Per-service request quotas, cooldowns and the next allowed delay.",
		InputSchema: kit.InputSchema(map[string]any{}),
	}, func(context.Context, any) (any, error) {
		return map[string]any{"services": s.cfg.Limits.Status()}, nil
	}, kit.DecodeJSON[struct{}])
}

func (s *Server) tool(srv *mcp.Server, t *mcp.Tool, ep kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	kit.RegisterMCPTool(srv, t, kit.Logging(s.cfg.Logger, t.Name)(ep), decode)
}

// auditedTool registers a tool that spends quota or starts work.
func (s *Server) auditedTool(srv *mcp.Server, t *mcp.Tool, ep kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	if s.cfg.Audit != nil {
		ep = audit.Middleware(s.cfg.Audit, t.Name)(ep)
	}
	s.tool(srv, t, ep, decode)
}
