package protocol

// RPC method names, grouped by the resource they act on. The grouping
// convention (dot-prefixed namespace, verb suffix) follows the
// teacher's own method table; the concrete method set is spec §6's
// table.
const (
	MethodHealthCheck = "health.check"
	MethodAgentsList  = "agents.list"

	MethodSessionsCreate = "sessions.create"
	MethodSessionsList   = "sessions.list"
	MethodSessionsGet    = "sessions.get"
	MethodSessionsDelete = "sessions.delete"
	MethodSessionsLabel  = "sessions.label"

	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
	MethodChatAbort   = "chat.abort"

	MethodExecApprove = "exec.approve"
	MethodExecDeny    = "exec.deny"

	MethodMemorySearch = "memory.search"

	MethodSchedulerList   = "scheduler.list"
	MethodSchedulerGet    = "scheduler.get"
	MethodSchedulerCreate = "scheduler.create"
	MethodSchedulerUpdate = "scheduler.update"
	MethodSchedulerDelete = "scheduler.delete"
	MethodSchedulerRun    = "scheduler.run"
	MethodSchedulerRuns   = "scheduler.runs"
)

// Event names pushed to connected clients, correlated by runId.
const (
	EventChatDelta = "chat.delta"
	EventChatFinal = "chat.final"
	EventChatError = "chat.error"

	EventExecApprovalRequest = "exec.approval_request"

	EventToolProgress    = "tool.progress"
	EventToolAttachments = "tool.attachments"

	EventSchedulerRunCompleted = "scheduler.run_completed"
)
