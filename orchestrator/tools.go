package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskmux/taskmux/rpc"
	"github.com/taskmux/taskmux/task"
)

// RegisterTools installs every orchestrator tool into the registry.
func (o *Orchestrator) RegisterTools(reg *rpc.Registry) {
	for _, t := range o.Tools() {
		reg.Register(t)
	}
}

type workerRefParams struct {
	WorkerID   string `json:"workerId,omitempty"`
	WorkerName string `json:"workerName,omitempty"`
}

func (p workerRefParams) ref() (string, error) {
	if p.WorkerID != "" {
		return p.WorkerID, nil
	}
	if p.WorkerName != "" {
		return p.WorkerName, nil
	}
	return "", fmt.Errorf("workerId or workerName is required")
}

func workerRefSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"workerId":   map[string]any{"type": "string", "description": "Worker id"},
			"workerName": map[string]any{"type": "string", "description": "Worker name or name fragment"},
		},
	}
}

func emptySchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	return json.Unmarshal(args, v)
}

// Tools returns the orchestrator's callable tool set. The RPC hub and the
// MCP bridge both serve these definitions.
func (o *Orchestrator) Tools() []rpc.Tool {
	return []rpc.Tool{
		{
			ToolInfo: rpc.ToolInfo{
				Name:        "submit_task",
				Description: "Submit a task for scheduling and dispatch",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type":        map[string]any{"type": "string", "enum": []string{"research", "code", "test", "analysis", "swarm", "hive-mind"}},
						"description": map[string]any{"type": "string"},
						"priority":    map[string]any{"type": "integer"},
						"deadline":    map[string]any{"type": "string", "description": "RFC 3339 timestamp"},
						"dependencies": map[string]any{
							"type":  "array",
							"items": map[string]any{"type": "string"},
						},
						"parameters": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"files":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
								"ports":    map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
								"services": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
								"extra":    map[string]any{"type": "object"},
							},
						},
					},
					"required": []string{"type", "description"},
				},
			},
			Handler: o.handleSubmitTask,
		},
		{
			ToolInfo: rpc.ToolInfo{
				Name:        "list_tasks",
				Description: "List all tasks with their statuses",
				InputSchema: emptySchema(),
			},
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				return o.ListTasks(), nil
			},
		},
		{
			ToolInfo: rpc.ToolInfo{
				Name:        "get_task",
				Description: "Get one task by id",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"taskId": map[string]any{"type": "string"},
					},
					"required": []string{"taskId"},
				},
			},
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var p struct {
					TaskID string `json:"taskId"`
				}
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				return o.GetTask(p.TaskID)
			},
		},
		{
			ToolInfo: rpc.ToolInfo{
				Name:        "complete_task",
				Description: "Report a running task as completed or failed",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"taskId":  map[string]any{"type": "string"},
						"success": map[string]any{"type": "boolean"},
						"error":   map[string]any{"type": "string"},
					},
					"required": []string{"taskId"},
				},
			},
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				p := struct {
					TaskID  string `json:"taskId"`
					Success *bool  `json:"success"`
					Error   string `json:"error"`
				}{}
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				success := p.Success == nil || *p.Success
				if err := o.CompleteTask(p.TaskID, success, p.Error); err != nil {
					return nil, err
				}
				status := "completed"
				if !success {
					status = "failed"
				}
				return map[string]string{"taskId": p.TaskID, "status": status}, nil
			},
		},
		{
			ToolInfo: rpc.ToolInfo{
				Name:        "spawn_worker",
				Description: "Spawn a new worker of the given type",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type":         map[string]any{"type": "string"},
						"program":      map[string]any{"type": "string"},
						"capabilities": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required": []string{"type"},
				},
			},
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				p := struct {
					Type         string   `json:"type"`
					Program      string   `json:"program"`
					Capabilities []string `json:"capabilities"`
				}{}
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				return o.SpawnWorker(task.Type(p.Type), p.Program, p.Capabilities)
			},
		},
		{
			ToolInfo: rpc.ToolInfo{
				Name:        "list_workers",
				Description: "List all workers with status and resource usage",
				InputSchema: emptySchema(),
			},
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				return o.ListWorkers(), nil
			},
		},
		{
			ToolInfo: rpc.ToolInfo{
				Name:        "connect_worker",
				Description: "Get connection details for attaching to a worker",
				InputSchema: workerRefSchema(),
			},
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var p workerRefParams
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				ref, err := p.ref()
				if err != nil {
					return nil, err
				}
				conn, err := o.ConnectWorker(ref)
				if err != nil {
					return nil, err
				}
				return map[string]any{"connection": conn}, nil
			},
		},
		{
			ToolInfo: rpc.ToolInfo{
				Name:        "pause_worker",
				Description: "Pause a running worker",
				InputSchema: workerRefSchema(),
			},
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var p workerRefParams
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				ref, err := p.ref()
				if err != nil {
					return nil, err
				}
				if _, err := o.PauseWorker(ref); err != nil {
					return nil, err
				}
				return map[string]string{"status": "paused"}, nil
			},
		},
		{
			ToolInfo: rpc.ToolInfo{
				Name:        "resume_worker",
				Description: "Resume a paused worker",
				InputSchema: workerRefSchema(),
			},
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var p workerRefParams
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				ref, err := p.ref()
				if err != nil {
					return nil, err
				}
				if _, err := o.ResumeWorker(ref); err != nil {
					return nil, err
				}
				return map[string]string{"status": "running"}, nil
			},
		},
		{
			ToolInfo: rpc.ToolInfo{
				Name:        "worker_output",
				Description: "Get the recent output lines of a worker",
				InputSchema: workerRefSchema(),
			},
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var p workerRefParams
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				ref, err := p.ref()
				if err != nil {
					return nil, err
				}
				lines, err := o.WorkerOutput(ref)
				if err != nil {
					return nil, err
				}
				return map[string]any{"lines": lines}, nil
			},
		},
		{
			ToolInfo: rpc.ToolInfo{
				Name:        "get_session",
				Description: "Get the full session data: tasks, workers, metadata",
				InputSchema: emptySchema(),
			},
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				return o.GetSessionData(), nil
			},
		},
		{
			ToolInfo: rpc.ToolInfo{
				Name:        "save_session",
				Description: "Merge metadata into the session and persist it",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"data": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"metadata": map[string]any{"type": "object"},
							},
						},
					},
				},
			},
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				p := struct {
					Data struct {
						Metadata map[string]string `json:"metadata"`
					} `json:"data"`
				}{}
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				if err := o.SaveSessionData(p.Data.Metadata); err != nil {
					return nil, err
				}
				return map[string]string{"status": "saved"}, nil
			},
		},
		{
			ToolInfo: rpc.ToolInfo{
				Name:        "create_snapshot",
				Description: "Write a named snapshot of the session",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": map[string]any{"type": "string"},
					},
				},
			},
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				p := struct {
					Name string `json:"name"`
				}{}
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				path, err := o.CreateSnapshot(p.Name)
				if err != nil {
					return nil, err
				}
				return map[string]string{"path": path}, nil
			},
		},
		{
			ToolInfo: rpc.ToolInfo{
				Name:        "restore_snapshot",
				Description: "Replace the session with a previously saved snapshot",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string"},
					},
					"required": []string{"path"},
				},
			},
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				p := struct {
					Path string `json:"path"`
				}{}
				if err := decodeArgs(args, &p); err != nil {
					return nil, err
				}
				if err := o.RestoreSnapshot(p.Path); err != nil {
					return nil, err
				}
				return map[string]string{"status": "restored"}, nil
			},
		},
	}
}

func (o *Orchestrator) handleSubmitTask(ctx context.Context, args json.RawMessage) (any, error) {
	p := struct {
		Type         string   `json:"type"`
		Description  string   `json:"description"`
		Priority     int      `json:"priority"`
		Deadline     string   `json:"deadline"`
		Dependencies []string `json:"dependencies"`
		Parameters   struct {
			Files    []string          `json:"files"`
			Ports    []int             `json:"ports"`
			Services []string          `json:"services"`
			Extra    map[string]string `json:"extra"`
		} `json:"parameters"`
	}{}
	if err := decodeArgs(args, &p); err != nil {
		return nil, err
	}
	if p.Description == "" {
		return nil, fmt.Errorf("description is required")
	}

	t := task.New(task.Type(p.Type), p.Description)
	t.Priority = p.Priority
	t.Dependencies = p.Dependencies
	t.Parameters.Files = p.Parameters.Files
	t.Parameters.Ports = p.Parameters.Ports
	t.Parameters.Services = p.Parameters.Services
	t.Parameters.Extra = p.Parameters.Extra
	if p.Deadline != "" {
		deadline, err := time.Parse(time.RFC3339, p.Deadline)
		if err != nil {
			return nil, fmt.Errorf("invalid deadline: %w", err)
		}
		t.Deadline = &deadline
	}

	added, conflicts, err := o.SubmitTask(t)
	if err != nil {
		return nil, err
	}
	result := map[string]any{"taskId": added.ID, "status": "submitted"}
	if len(conflicts) > 0 {
		result["conflicts"] = conflicts
	}
	return result, nil
}
