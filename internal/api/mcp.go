package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/avress/interviewd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. The tools are read-only:
// they expose sessions and transcripts for inspection but never write.
type MCPDeps struct {
	Store *storage.Store
}

// NewMCPServer creates an MCP server with the interview inspection tools
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"interviewd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("interviewd — mock interview sessions, transcripts, and evaluations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List a user's interview sessions, newest first."),
			mcp.WithString("user_id", mcp.Description("Owner of the sessions"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of sessions (default 20)")),
		),
		mcpListSessions(deps),
	)

	s.AddTool(
		mcp.NewTool("get_transcript",
			mcp.WithDescription("Return the full transcript of an interview session as labeled turns."),
			mcp.WithString("session_id", mcp.Description("Session to read"), mcp.Required()),
		),
		mcpGetTranscript(deps),
	)

	return s
}

func mcpListSessions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		sessions, err := deps.Store.ListSessions(userID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list sessions: %v", err)), nil
		}
		if len(sessions) == 0 {
			return mcpText("[]"), nil
		}

		type sessionSummary struct {
			ID            string  `json:"id"`
			Title         string  `json:"title,omitempty"`
			InterviewType string  `json:"interview_type"`
			Status        string  `json:"status"`
			CreatedAt     string  `json:"created_at"`
			Score         float64 `json:"score,omitempty"`
		}

		summaries := make([]sessionSummary, len(sessions))
		for i, sess := range sessions {
			summaries[i] = sessionSummary{
				ID:            sess.ID,
				Title:         sess.Title,
				InterviewType: sess.InterviewType,
				Status:        sess.Status,
				CreatedAt:     sess.CreatedAt.Format(time.RFC3339),
			}
			if sess.Evaluation != nil {
				summaries[i].Score = sess.Evaluation.Score
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetTranscript(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		if _, err := deps.Store.GetSession(sessionID); err != nil {
			return mcpError(fmt.Sprintf("session not found: %v", err)), nil
		}

		messages, err := deps.Store.MessagesBySession(sessionID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load transcript: %v", err)), nil
		}
		if len(messages) == 0 {
			return mcpText("(empty session)"), nil
		}

		var b strings.Builder
		for _, m := range messages {
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			label := "Interviewer"
			if m.Role == storage.RoleUser {
				label = "Candidate"
			}
			fmt.Fprintf(&b, "%s: %s\n\n", label, m.Content)
		}
		return mcpText(b.String()), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
