package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/tasks"
	"github.com/mbd888/trustgate/internal/traces"
	"github.com/mbd888/trustgate/internal/trust"
	"github.com/mbd888/trustgate/internal/validation"
)

// Operator runs trust operations.
type Operator interface {
	Run(ctx context.Context, op trust.Op, in trust.Input) (any, error)
}

// MessageSendParams are the params of message/send and message/stream.
type MessageSendParams struct {
	Message  *tasks.Message `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskQueryParams are the params of tasks/get.
type TaskQueryParams struct {
	ID            string `json:"id"`
	HistoryLength *int   `json:"historyLength,omitempty"`
}

// TaskIDParams are the params of tasks/cancel.
type TaskIDParams struct {
	ID string `json:"id"`
}

// Runtime executes JSON-RPC methods. Work runs synchronously within the
// request: message/send returns a terminal task.
type Runtime struct {
	store      tasks.Store
	operator   Operator
	chainNames []string
	logger     *slog.Logger
	now        func() time.Time
}

// NewRuntime creates a runtime. chainNames are the selectors recognised in
// free-text messages.
func NewRuntime(store tasks.Store, operator Operator, chainNames []string, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		store:      store,
		operator:   operator,
		chainNames: chainNames,
		logger:     logger.With("component", "a2a"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Handle implements Handler.
func (rt *Runtime) Handle(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != JSONRPCVersion {
		return NewErrorResponse(req.ID, CodeInvalidRequest, "Invalid Request", `jsonrpc must be "2.0"`)
	}
	if req.Method == "" {
		return NewErrorResponse(req.ID, CodeInvalidRequest, "Invalid Request", "method is required")
	}

	ctx, span := traces.StartSpan(ctx, "a2a.Handle", traces.Method(req.Method))
	resp := rt.handle(ctx, req)
	var err error
	if resp.Error != nil {
		err = errors.New(resp.Error.Message)
	}
	traces.End(span, err)
	return resp
}

func (rt *Runtime) handle(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case MethodMessageSend, MethodMessageStream:
		return rt.messageSend(ctx, req)
	case MethodTasksGet:
		return rt.tasksGet(ctx, req)
	case MethodTasksCancel:
		return rt.tasksCancel(ctx, req)
	}
	return NewErrorResponse(req.ID, CodeMethodNotFound, "Method not found", req.Method)
}

func (rt *Runtime) messageSend(ctx context.Context, req *Request) *Response {
	var params MessageSendParams
	if err := decodeParams(req.Params, &params); err != nil || params.Message == nil {
		return invalidParams(req.ID, validation.ValidationErrors{{Field: "message", Message: "is required"}})
	}
	msg := *params.Message
	if len(msg.Parts) == 0 {
		return invalidParams(req.ID, validation.ValidationErrors{{Field: "message.parts", Message: "must not be empty"}})
	}

	sel, err := selectSkill(msg, params.Metadata, rt.chainNames)
	if err != nil {
		return invalidParams(req.ID, validation.ValidationErrors{{Field: "message", Message: err.Error()}})
	}
	if errs := sel.input.Validate(sel.op); len(errs) > 0 {
		return invalidParams(req.ID, errs)
	}

	task := rt.newTask(msg, sel.op)
	if err := rt.store.Create(ctx, task); err != nil {
		rt.logger.Error("task create failed", "task_id", task.ID, "error", err)
		return NewErrorResponse(req.ID, CodeInternalError, "Internal error", nil)
	}

	result, err := rt.operator.Run(ctx, sel.op, sel.input)
	if err != nil {
		e := trust.Describe(err)
		if e.Status >= 500 {
			rt.logger.Warn("task failed", "task_id", task.ID, "skill", string(sel.op), "error", err)
		}
		task.Status = tasks.Status{
			State:     tasks.StateFailed,
			Message:   rt.agentMessage(task, tasks.TextPart(e.Message)),
			Timestamp: rt.now(),
		}
	} else {
		data, err := toMap(result)
		if err != nil {
			rt.logger.Error("encode task result failed", "task_id", task.ID, "error", err)
			return NewErrorResponse(req.ID, CodeInternalError, "Internal error", nil)
		}
		task.Artifacts = []tasks.Artifact{{
			ArtifactID: uuid.NewString(),
			Name:       string(sel.op),
			Parts:      []tasks.Part{tasks.DataPart(data)},
		}}
		task.Status = tasks.Status{State: tasks.StateCompleted, Timestamp: rt.now()}
	}

	// The task outcome is returned even if persisting it fails.
	if err := rt.store.Update(ctx, task); err != nil {
		rt.logger.Error("task update failed", "task_id", task.ID, "error", err)
	}
	metrics.TasksTotal.WithLabelValues(string(sel.op), string(task.Status.State)).Inc()
	return NewResponse(req.ID, task)
}

func (rt *Runtime) newTask(msg tasks.Message, op trust.Op) *tasks.Task {
	contextID := msg.ContextID
	if contextID == "" {
		contextID = uuid.NewString()
	}
	task := &tasks.Task{
		Kind:      "task",
		ID:        uuid.NewString(),
		ContextID: contextID,
		Status:    tasks.Status{State: tasks.StateWorking, Timestamp: rt.now()},
		Metadata:  map[string]any{"skill": string(op)},
	}
	if msg.Kind == "" {
		msg.Kind = "message"
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	msg.TaskID = task.ID
	msg.ContextID = contextID
	task.History = []tasks.Message{msg}
	return task
}

func (rt *Runtime) agentMessage(task *tasks.Task, parts ...tasks.Part) *tasks.Message {
	return &tasks.Message{
		Kind:      "message",
		MessageID: uuid.NewString(),
		Role:      "agent",
		Parts:     parts,
		ContextID: task.ContextID,
		TaskID:    task.ID,
	}
}

func (rt *Runtime) tasksGet(ctx context.Context, req *Request) *Response {
	var params TaskQueryParams
	if err := decodeParams(req.Params, &params); err != nil || params.ID == "" {
		return invalidParams(req.ID, validation.ValidationErrors{{Field: "id", Message: "is required"}})
	}
	task, resp := rt.load(ctx, req, params.ID)
	if resp != nil {
		return resp
	}
	if n := params.HistoryLength; n != nil && *n >= 0 && len(task.History) > *n {
		task.History = task.History[len(task.History)-*n:]
	}
	return NewResponse(req.ID, task)
}

func (rt *Runtime) tasksCancel(ctx context.Context, req *Request) *Response {
	var params TaskIDParams
	if err := decodeParams(req.Params, &params); err != nil || params.ID == "" {
		return invalidParams(req.ID, validation.ValidationErrors{{Field: "id", Message: "is required"}})
	}
	task, resp := rt.load(ctx, req, params.ID)
	if resp != nil {
		return resp
	}
	if task.Status.State.Terminal() {
		return NewErrorResponse(req.ID, CodeTaskNotCancelable, "Task cannot be canceled", string(task.Status.State))
	}

	task.Status = tasks.Status{State: tasks.StateCanceled, Timestamp: rt.now()}
	if err := rt.store.Update(ctx, task); err != nil {
		rt.logger.Error("task cancel failed", "task_id", task.ID, "error", err)
		return NewErrorResponse(req.ID, CodeInternalError, "Internal error", nil)
	}
	return NewResponse(req.ID, task)
}

func (rt *Runtime) load(ctx context.Context, req *Request, id string) (*tasks.Task, *Response) {
	task, err := rt.store.Get(ctx, id)
	if errors.Is(err, tasks.ErrTaskNotFound) {
		return nil, NewErrorResponse(req.ID, CodeTaskNotFound, "Task not found", id)
	}
	if err != nil {
		rt.logger.Error("task load failed", "task_id", id, "error", err)
		return nil, NewErrorResponse(req.ID, CodeInternalError, "Internal error", nil)
	}
	return task, nil
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("params are required")
	}
	return json.Unmarshal(raw, v)
}

func invalidParams(id json.RawMessage, errs validation.ValidationErrors) *Response {
	return NewErrorResponse(id, CodeInvalidParams, "Invalid params", errs)
}

// toMap renders an operation result as a data part payload.
func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
