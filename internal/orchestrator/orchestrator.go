// Package orchestrator is the single source of truth mapping instance ids
// to instances, and the only component allowed to start or tear down a
// query session driver.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hitloop/conductor/internal/domain"
	"github.com/hitloop/conductor/internal/driver"
	"github.com/hitloop/conductor/internal/engine"
	"github.com/hitloop/conductor/internal/hooks"
	"github.com/hitloop/conductor/internal/ledger"
)

// ErrAlreadyRunning is returned by Start when a query is already in flight
// for the instance. The caller must interrupt first; starts do not queue.
var ErrAlreadyRunning = errors.New("a query is already running for this instance")

// Store persists the event log and derived transcript tables. All methods
// are best effort from the orchestrator's point of view: storage failures
// are logged and never block a running query.
type Store interface {
	EnsureInstance(ctx context.Context, instanceID, cwd string) error
	AppendEvent(ctx context.Context, evt *domain.Event) error
	SaveMessage(ctx context.Context, instanceID string, msg *domain.Message) error
	SavePendingToolCall(ctx context.Context, instanceID, toolUseID, toolName string, input json.RawMessage) error
	CompleteToolCall(ctx context.Context, instanceID, toolUseID string, output json.RawMessage, isError bool) error
}

// Orchestrator multiplexes any number of concurrent instances over one
// engine and fans their event streams out to subscribers.
type Orchestrator struct {
	mu        sync.Mutex
	instances map[string]*Instance

	eng     engine.Engine
	store   Store // may be nil
	metrics *Metrics
	log     *zap.Logger

	subMu   sync.Mutex
	subs    map[int]chan domain.Event
	nextSub int

	wg sync.WaitGroup
}

// New creates an orchestrator. store may be nil to run without persistence.
func New(eng engine.Engine, store Store, metrics *Metrics, log *zap.Logger) *Orchestrator {
	if metrics == nil {
		metrics = DefaultMetrics()
	}
	return &Orchestrator{
		instances: make(map[string]*Instance),
		eng:       eng,
		store:     store,
		metrics:   metrics,
		log:       log,
		subs:      make(map[int]chan domain.Event),
	}
}

// Subscribe registers an event consumer. The returned cancel func must be
// called to release the channel. Slow consumers lose events rather than
// blocking an instance's loop.
func (o *Orchestrator) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan domain.Event, buffer)

	o.subMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.subMu.Unlock()

	return ch, func() {
		o.subMu.Lock()
		if _, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(ch)
		}
		o.subMu.Unlock()
	}
}

// Start begins a query for instanceID, creating the instance on first
// reference. It returns immediately; the driver loop runs asynchronously.
func (o *Orchestrator) Start(instanceID string, req domain.StartRequest) error {
	inst := o.getOrCreate(instanceID, req.CWD, req.AdditionalDirectories)

	inst.mu.Lock()
	if inst.running {
		inst.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	inst.running = true
	inst.cancel = cancel
	inst.mu.Unlock()

	if o.store != nil {
		if err := o.store.EnsureInstance(context.Background(), instanceID, req.CWD); err != nil {
			o.log.Error("persist instance", zap.String("instance_id", instanceID), zap.Error(err))
		}
		// The prompt enters the transcript here; the event stream carries
		// assistant output only and consumers render their own submissions.
		userMsg := domain.Message{
			UUID:      "msg_" + uuid.New().String()[:8],
			Role:      "user",
			Content:   []domain.ContentBlock{{Type: domain.BlockTypeText, Text: req.Prompt}},
			CreatedAt: time.Now(),
		}
		if err := o.store.SaveMessage(context.Background(), instanceID, &userMsg); err != nil {
			o.log.Error("save user message", zap.String("instance_id", instanceID), zap.Error(err))
		}
	}

	o.metrics.instancesRunning.Inc()
	o.emit(instanceID, domain.EventTypeStatusChanged, inst.statusPayload())

	emit := o.emitterFor(instanceID)
	pipeline := hooks.New(instanceID, inst.permissions, inst.questions, inst.tools, emit, o.log)
	d := driver.New(instanceID, o.eng, pipeline, inst.tools, emit, inst.setMeta, o.log)

	opts := engine.Options{
		CWD:                   req.CWD,
		AdditionalDirectories: req.AdditionalDirectories,
		AllowedTools:          req.AllowedTools,
		MaxTurns:              req.MaxTurns,
		Resume:                req.Resume,
		Continue:              req.Continue,
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()

		err := d.Run(ctx, req.Prompt, opts)
		if err != nil {
			o.log.Warn("query terminated with error",
				zap.String("instance_id", instanceID), zap.Error(err))
		}
		o.finishQuery(inst, err)
	}()

	o.log.Info("query started",
		zap.String("instance_id", instanceID),
		zap.String("cwd", req.CWD))
	return nil
}

// finishQuery marks the instance idle and emits the terminal status change
// exactly once per query, on every termination path.
func (o *Orchestrator) finishQuery(inst *Instance, runErr error) {
	// Any approval still pending here belongs to a hook that never got to
	// observe cancellation; resolve it so no callback is left unresolved.
	inst.permissions.CancelAll()
	inst.questions.CancelAll()

	inst.mu.Lock()
	inst.running = false
	inst.cancel = nil
	inst.mu.Unlock()

	o.metrics.instancesRunning.Dec()
	status := "ok"
	if runErr != nil {
		status = "error"
	}
	o.metrics.queriesCompleted.WithLabelValues(status).Inc()

	o.emit(inst.id, domain.EventTypeStatusChanged, inst.statusPayload())
}

// Interrupt fires the instance's cancellation token. Idempotent; a no-op
// when the instance is unknown or already idle.
func (o *Orchestrator) Interrupt(instanceID string) {
	o.mu.Lock()
	inst := o.instances[instanceID]
	o.mu.Unlock()
	if inst == nil {
		return
	}

	inst.mu.Lock()
	cancel := inst.cancel
	inst.mu.Unlock()
	if cancel != nil {
		o.log.Info("interrupting instance", zap.String("instance_id", instanceID))
		cancel()
	}
}

// Respond delegates a human decision to the instance's ledgers. An unknown
// requestId is logged and ignored: UI races against cancellation are
// expected, never an error.
func (o *Orchestrator) Respond(instanceID string, req domain.RespondRequest) {
	o.mu.Lock()
	inst := o.instances[instanceID]
	o.mu.Unlock()
	if inst == nil {
		o.log.Warn("respond for unknown instance", zap.String("instance_id", instanceID))
		return
	}

	res := ledger.Resolution{
		Action:        req.Action,
		ModifiedInput: req.ModifiedInput,
		Feedback:      req.Feedback,
		Answers:       req.Answers,
	}

	if inst.permissions.Resolve(req.RequestID, res) || inst.questions.Resolve(req.RequestID, res) {
		o.metrics.approvalsResolved.WithLabelValues(string(res.Outcome())).Inc()
		return
	}
	o.log.Warn("respond for unknown request",
		zap.String("instance_id", instanceID),
		zap.String("request_id", req.RequestID))
}

// Status returns the synchronous view of one instance.
func (o *Orchestrator) Status(instanceID string) (domain.AgentStatus, bool) {
	o.mu.Lock()
	inst := o.instances[instanceID]
	o.mu.Unlock()
	if inst == nil {
		return domain.AgentStatus{}, false
	}

	inst.mu.Lock()
	status := domain.AgentStatus{
		InstanceID:     instanceID,
		IsRunning:      inst.running,
		SessionID:      inst.sessionID,
		Model:          inst.model,
		PermissionMode: inst.permissionMode,
	}
	inst.mu.Unlock()
	status.PendingRequests = inst.pendingRequests()
	if status.PendingRequests == nil {
		status.PendingRequests = []domain.ApprovalRequest{}
	}
	return status, true
}

// Instances lists known instance ids.
func (o *Orchestrator) Instances() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.instances))
	for id := range o.instances {
		ids = append(ids, id)
	}
	return ids
}

// Instance returns the live instance for consumers that need its tool
// execution table.
func (o *Orchestrator) Instance(instanceID string) (*Instance, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.instances[instanceID]
	return inst, ok
}

// Destroy interrupts a running query, cancels all pending approvals with a
// synthetic cancelled resolution, forces unfinished tool executions to a
// terminal state, and removes the instance. Safe on an unknown id.
func (o *Orchestrator) Destroy(instanceID string) {
	o.mu.Lock()
	inst := o.instances[instanceID]
	delete(o.instances, instanceID)
	o.mu.Unlock()
	if inst == nil {
		return
	}

	inst.mu.Lock()
	cancel := inst.cancel
	wasRunning := inst.running
	inst.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	for _, id := range inst.permissions.CancelAll() {
		o.metrics.approvalsResolved.WithLabelValues(string(domain.RequestStatusCancelled)).Inc()
		o.log.Debug("cancelled pending approval on destroy",
			zap.String("instance_id", instanceID), zap.String("request_id", id))
	}
	for range inst.questions.CancelAll() {
		o.metrics.approvalsResolved.WithLabelValues(string(domain.RequestStatusCancelled)).Inc()
	}

	for _, toolUseID := range inst.tools.FinishPending("instance destroyed before a tool result arrived") {
		exec, _ := inst.tools.Lookup(toolUseID)
		o.emit(instanceID, domain.EventTypeToolComplete, domain.ToolCompletePayload{
			ToolName:     exec.ToolName,
			ToolInput:    exec.Input,
			ToolResponse: exec.Output,
			ToolUseID:    toolUseID,
			IsError:      true,
		})
	}

	// A running query emits its own terminal status change when the driver
	// loop unwinds; an idle instance gets one here.
	if !wasRunning {
		o.emit(instanceID, domain.EventTypeStatusChanged, domain.StatusChangedPayload{IsRunning: false})
	}
	o.log.Info("instance destroyed", zap.String("instance_id", instanceID))
}

// Shutdown interrupts every instance and waits for driver loops to drain,
// bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	for _, id := range o.Instances() {
		o.Interrupt(id)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) getOrCreate(instanceID, cwd string, additionalDirs []string) *Instance {
	o.mu.Lock()
	defer o.mu.Unlock()
	if inst, ok := o.instances[instanceID]; ok {
		return inst
	}
	inst := newInstance(instanceID, cwd, additionalDirs)
	o.instances[instanceID] = inst
	return inst
}

func (o *Orchestrator) emitterFor(instanceID string) hooks.Emitter {
	return func(t domain.EventType, payload any) {
		o.emit(instanceID, t, payload)
	}
}

// emit marshals the payload, persists the event, updates gauges, and fans
// the envelope out to subscribers.
func (o *Orchestrator) emit(instanceID string, t domain.EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		o.log.Error("marshal event payload", zap.String("type", string(t)), zap.Error(err))
		return
	}

	evt := domain.Event{
		EventID:    "evt_" + uuid.New().String()[:8],
		InstanceID: instanceID,
		Ts:         time.Now().UnixMilli(),
		Type:       t,
		Payload:    data,
	}

	o.observe(evt)
	o.persist(evt)

	o.subMu.Lock()
	for id, ch := range o.subs {
		select {
		case ch <- evt:
		default:
			o.log.Warn("subscriber buffer full, dropping event",
				zap.Int("subscriber", id), zap.String("type", string(t)))
		}
	}
	o.subMu.Unlock()
}

func (o *Orchestrator) observe(evt domain.Event) {
	switch evt.Type {
	case domain.EventTypeInputRequest:
		o.metrics.approvalsPending.Inc()
	case domain.EventTypeInputResolved:
		o.metrics.approvalsPending.Dec()
	case domain.EventTypeToolComplete:
		var p domain.ToolCompletePayload
		if evt.DecodePayload(&p) == nil {
			status := string(domain.ToolExecutionComplete)
			if p.IsError {
				status = string(domain.ToolExecutionError)
			}
			o.metrics.toolExecutions.WithLabelValues(status).Inc()
		}
	}
}

// persist appends the event and maintains the derived transcript tables.
// Rows are inserted incrementally; a transcript is never rewritten.
func (o *Orchestrator) persist(evt domain.Event) {
	if o.store == nil {
		return
	}
	ctx := context.Background()

	if err := o.store.AppendEvent(ctx, &evt); err != nil {
		o.log.Error("append event", zap.String("instance_id", evt.InstanceID), zap.Error(err))
	}

	switch evt.Type {
	case domain.EventTypeAssistantMessage:
		var p domain.AssistantMessagePayload
		if err := evt.DecodePayload(&p); err != nil {
			return
		}
		msg := domain.Message{
			UUID:      p.UUID,
			Role:      "assistant",
			SessionID: p.SessionID,
			Content:   p.Content,
			CreatedAt: time.UnixMilli(evt.Ts),
		}
		if err := o.store.SaveMessage(ctx, evt.InstanceID, &msg); err != nil {
			o.log.Error("save message", zap.String("instance_id", evt.InstanceID), zap.Error(err))
		}
	case domain.EventTypeToolPending:
		var p domain.ToolPendingPayload
		if err := evt.DecodePayload(&p); err != nil {
			return
		}
		if err := o.store.SavePendingToolCall(ctx, evt.InstanceID, p.ToolUseID, p.ToolName, p.ToolInput); err != nil {
			o.log.Error("save tool call", zap.String("instance_id", evt.InstanceID), zap.Error(err))
		}
	case domain.EventTypeToolComplete:
		var p domain.ToolCompletePayload
		if err := evt.DecodePayload(&p); err != nil {
			return
		}
		if err := o.store.CompleteToolCall(ctx, evt.InstanceID, p.ToolUseID, p.ToolResponse, p.IsError); err != nil {
			o.log.Error("complete tool call", zap.String("instance_id", evt.InstanceID), zap.Error(err))
		}
	}
}
