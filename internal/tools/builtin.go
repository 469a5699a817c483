package tools

import (
	"context"
	"time"

	"maestro/internal/fault"
	"maestro/internal/memory"
	"maestro/internal/store"
	"maestro/pkg/models"
)

// Delegate hands a routed message to a worker agent and reports the outcome.
// The orchestrator wires it in; the tool layer knows nothing about the loop.
type Delegate func(ctx context.Context, call Call, toAgentID, message string) (map[string]any, error)

// BuiltinDeps carries what the built-in tool set needs. Nil fields disable
// the tools that depend on them with a clear error instead of a panic.
type BuiltinDeps struct {
	Store    *store.Store
	Memory   *memory.Service
	Exec     *ExecHost
	Delegate Delegate
}

// RegisterBuiltins installs the standard tool set.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) error {
	builtins := []Tool{
		echoTool(),
		execTool(deps.Exec),
		sudoExecTool(deps.Exec),
		memorySearchTool(deps.Memory),
		memoryWriteTool(deps.Memory),
		sessionListTool(deps.Store),
		sessionHistoryTool(deps.Store),
		sessionSendTool(deps.Delegate),
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to echo back unchanged"`
}

func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "Echo the given text back unchanged.",
		Risk:        models.RiskLow,
		Schema:      mustSchema(&echoArgs{}),
		Handler: func(ctx context.Context, call Call) (map[string]any, error) {
			var p echoArgs
			if err := decodeArgs(call.Args, &p); err != nil {
				return nil, err
			}
			return map[string]any{"text": p.Text}, nil
		},
	}
}

type execArgs struct {
	Command        string `json:"command" jsonschema:"description=Shell command to run"`
	Cwd            string `json:"cwd,omitempty" jsonschema:"description=Working directory for the command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=Kill the command after this many seconds; default 120,minimum=0"`
}

func execTool(host *ExecHost) Tool {
	return Tool{
		Name:        "host.exec",
		Description: "Run a shell command on the host. stdout and stderr are capped at 64 KiB each.",
		Risk:        models.RiskHigh,
		Schema:      mustSchema(&execArgs{}),
		Handler:     execHandler(host, false),
	}
}

func sudoExecTool(host *ExecHost) Tool {
	return Tool{
		Name:        "host.exec.sudo",
		Description: "Run a shell command with elevated privileges. Requires a standing approval.",
		Risk:        models.RiskHigh,
		Privileged:  true,
		Schema:      mustSchema(&execArgs{}),
		Handler:     execHandler(host, true),
	}
}

func execHandler(host *ExecHost, elevated bool) Handler {
	return func(ctx context.Context, call Call) (map[string]any, error) {
		if host == nil {
			return nil, fault.Tool("exec host not configured", nil)
		}
		var p execArgs
		if err := decodeArgs(call.Args, &p); err != nil {
			return nil, err
		}
		timeout := time.Duration(p.TimeoutSeconds) * time.Second
		run := host.Run
		if elevated {
			run = host.RunElevated
		}
		res, err := run(ctx, p.Command, p.Cwd, timeout)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"stdout":      res.Stdout,
			"stderr":      res.Stderr,
			"exit_code":   res.ExitCode,
			"timed_out":   res.TimedOut,
			"duration_ms": res.Duration.Milliseconds(),
		}, nil
	}
}

type memorySearchArgs struct {
	Query string `json:"query" jsonschema:"description=Free-text query over stored memories"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum hits to return,minimum=1,maximum=50"`
}

func memorySearchTool(svc *memory.Service) Tool {
	return Tool{
		Name:        "memory_search",
		Description: "Search this thread's long-term memory for relevant notes.",
		Risk:        models.RiskLow,
		Schema:      mustSchema(&memorySearchArgs{}),
		Handler: func(ctx context.Context, call Call) (map[string]any, error) {
			if svc == nil {
				return nil, fault.Tool("memory service not configured", nil)
			}
			var p memorySearchArgs
			if err := decodeArgs(call.Args, &p); err != nil {
				return nil, err
			}
			hits, err := svc.Search(ctx, memory.SearchRequest{
				ThreadID: call.ThreadID,
				Query:    p.Query,
				Limit:    p.Limit,
			})
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(hits))
			for _, h := range hits {
				out = append(out, map[string]any{
					"event_id":   h.EventID,
					"text":       h.Text,
					"score":      h.Score,
					"created_at": h.CreatedAt.Format(time.RFC3339),
				})
			}
			return map[string]any{"hits": out}, nil
		},
	}
}

type memoryWriteArgs struct {
	Text     string         `json:"text" jsonschema:"description=Durable note to store"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"description=Optional annotations stored alongside the note"`
}

func memoryWriteTool(svc *memory.Service) Tool {
	return Tool{
		Name:        "memory_write",
		Description: "Store a durable note in this thread's long-term memory.",
		Risk:        models.RiskLow,
		Schema:      mustSchema(&memoryWriteArgs{}),
		Handler: func(ctx context.Context, call Call) (map[string]any, error) {
			if svc == nil {
				return nil, fault.Tool("memory service not configured", nil)
			}
			var p memoryWriteArgs
			if err := decodeArgs(call.Args, &p); err != nil {
				return nil, err
			}
			id, err := svc.Write(ctx, memory.WriteRequest{
				ThreadID: call.ThreadID,
				Text:     p.Text,
				Metadata: p.Metadata,
				TraceID:  call.TraceID,
				ActorID:  call.Caller,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"event_id": id}, nil
		},
	}
}

type sessionListArgs struct{}

func sessionListTool(st *store.Store) Tool {
	return Tool{
		Name:        "session_list",
		Description: "List the agent-to-agent sessions this principal participates in.",
		Risk:        models.RiskLow,
		Schema:      mustSchema(&sessionListArgs{}),
		Handler: func(ctx context.Context, call Call) (map[string]any, error) {
			if st == nil {
				return nil, fault.Tool("store not configured", nil)
			}
			sessions, err := st.ListSessions(ctx, call.Caller)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(sessions))
			for _, s := range sessions {
				out = append(out, map[string]any{
					"session_id":   s.ID,
					"agent_id":     s.AgentID,
					"initiator_id": s.InitiatorID,
					"status":       string(s.Status),
					"updated_at":   s.UpdatedAt.Format(time.RFC3339),
				})
			}
			return map[string]any{"sessions": out}, nil
		},
	}
}

type sessionHistoryArgs struct {
	SessionID string `json:"session_id" jsonschema:"description=Session to read"`
	Limit     int    `json:"limit,omitempty" jsonschema:"description=Maximum messages to return,minimum=1,maximum=200"`
}

func sessionHistoryTool(st *store.Store) Tool {
	return Tool{
		Name:        "session_history",
		Description: "Read the recent messages of a session in chronological order.",
		Risk:        models.RiskLow,
		Schema:      mustSchema(&sessionHistoryArgs{}),
		Handler: func(ctx context.Context, call Call) (map[string]any, error) {
			if st == nil {
				return nil, fault.Tool("store not configured", nil)
			}
			var p sessionHistoryArgs
			if err := decodeArgs(call.Args, &p); err != nil {
				return nil, err
			}
			ses, err := st.GetSession(ctx, p.SessionID)
			if err != nil {
				return nil, fault.Tool("session not found: "+p.SessionID, err)
			}
			limit := p.Limit
			if limit <= 0 {
				limit = 20
			}
			msgs, err := st.ListRecentMessages(ctx, ses.ThreadID, limit)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(msgs))
			for _, m := range msgs {
				out = append(out, map[string]any{
					"role":       string(m.Role),
					"content":    m.Content,
					"actor_id":   m.ActorID,
					"created_at": m.CreatedAt.Format(time.RFC3339),
				})
			}
			return map[string]any{"session_id": ses.ID, "messages": out}, nil
		},
	}
}

type sessionSendArgs struct {
	ToAgentID string `json:"to_agent_id" jsonschema:"description=Worker agent to delegate to"`
	Message   string `json:"message" jsonschema:"description=Instruction for the worker"`
}

func sessionSendTool(delegate Delegate) Tool {
	return Tool{
		Name:        "session_send",
		Description: "Delegate a task to another agent and queue its step.",
		Risk:        models.RiskMedium,
		Schema:      mustSchema(&sessionSendArgs{}),
		Handler: func(ctx context.Context, call Call) (map[string]any, error) {
			if delegate == nil {
				return nil, fault.Tool("delegation not wired", nil)
			}
			var p sessionSendArgs
			if err := decodeArgs(call.Args, &p); err != nil {
				return nil, err
			}
			return delegate(ctx, call, p.ToAgentID, p.Message)
		},
	}
}
