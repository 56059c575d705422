package mcp

import (
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// registerTools registers all MCP tools with the server
func (s *Server) registerTools() {
	mcp_sdk.AddTool(s.mcpServer, &mcp_sdk.Tool{
		Name: "session",
		Description: `Manage assistant sessions — long-running conversations backed by a child process.

Actions:
  message  — Send a prompt to a session and wait for the assistant's reply. Most common action.
  create   — Create a session. Optional name, working_dir, permission_mode.
  list     — List sessions with status and token usage.
  get      — Get session details by session_id, including per-model token counts.
  history  — Get conversation history by session_id. Use limit to cap the result.
  end      — Interrupt a session's running child by session_id.
  delete   — Delete a session and its history. Stops the child first.

Key behaviors:
  - message reuses the live child when one is running, otherwise spawns one.
  - permission_mode accepts default, acceptEdits, plan and their aliases.`,
		InputSchema: toolSchema[SessionParams](),
	}, s.handleSession)

	mcp_sdk.AddTool(s.mcpServer, &mcp_sdk.Tool{
		Name: "schedule",
		Description: `Manage scheduled prompts — cron-based recurring deliveries into sessions.

Actions:
  create   — Create a schedule. Requires name, cron_expr (5-field), and prompt.
  list     — List all schedules. Optionally filter by session_id.
  get      — Get schedule details by schedule_id.
  update   — Update a schedule. Pass only fields to change.
  delete   — Delete a schedule by schedule_id.
  trigger  — Run a schedule immediately without advancing its cadence.
  history  — View execution history for a schedule. Optionally limit results.

Set session_behavior to "resume" to reuse the same session across runs, or "new"
for a fresh session each time. overlap_behavior controls what happens when a run
fires while the previous one is still going: skip, queue, or parallel.`,
		InputSchema: toolSchema[ScheduleParams](),
	}, s.handleSchedule)

	mcp_sdk.AddTool(s.mcpServer, &mcp_sdk.Tool{
		Name: "token",
		Description: `Manage API tokens for MCP authentication. Requires admin scope.

Actions:
  create  — Create a new token. Specify scope: "admin", "admin:ro", "session:<id>", "session:<id>:ro".
  list    — List all tokens with metadata (scope, created date, last used).
  revoke  — Revoke a token by token_id.

Session-scoped tokens restrict access to one session.`,
		InputSchema: toolSchema[TokenParams](),
	}, s.handleToken)
}
