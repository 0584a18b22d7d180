package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"log/slog"

	"github.com/convoyai/convoy/internal/llm"
	"github.com/convoyai/convoy/pkg/models"
)

var (
	// ErrNotInitialized is returned when events arrive before
	// Initialize has run.
	ErrNotInitialized = errors.New("engine is not initialized")

	// ErrAlreadyInitialized is returned on a second Initialize call.
	ErrAlreadyInitialized = errors.New("engine is already initialized")

	// ErrValidation wraps ingress schema failures.
	ErrValidation = errors.New("event validation failed")
)

// Engine is a per-conversation runtime instance. One engine owns one event
// log; all ingress is serialized through its mutex.
type Engine struct {
	mu          sync.Mutex
	cfg         Config
	hosts       Hosts
	logger      *slog.Logger
	registry    *models.SchemaRegistry
	slices      []Slice
	log         *eventLog
	state       models.State
	initialized bool
}

// New builds an engine from host callbacks, config, and reducer slices.
// The engine is inert until Initialize runs.
func New(hosts Hosts, cfg Config, slices ...Slice) (*Engine, error) {
	if err := validateSlices(slices); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if hosts.Background == nil {
		hosts.Background = DefaultBackground(cfg.Logger)
	}

	registry := models.NewSchemaRegistry()
	for _, s := range slices {
		for eventType, schemaJSON := range s.Schemas {
			if err := registry.Register(eventType, schemaJSON); err != nil {
				return nil, fmt.Errorf("slice %s: %w", s.Name, err)
			}
		}
	}

	en := &Engine{
		cfg:      cfg,
		hosts:    hosts,
		logger:   cfg.Logger,
		registry: registry,
		slices:   slices,
		log:      newEventLog(),
	}
	en.state = en.initialState()
	return en, nil
}

// Initialize replays an existing log (possibly empty) and opens the engine
// for ingress. Replayed events keep their original indices and timestamps.
// If the replayed state shows an unfinished LLM request, the prior host is
// assumed to have crashed mid-stream and the run is relaunched with
// freshly computed parameters.
func (en *Engine) Initialize(ctx context.Context, existing []models.Event) error {
	en.mu.Lock()
	if en.initialized {
		en.mu.Unlock()
		return ErrAlreadyInitialized
	}

	en.log = newEventLog()
	en.state = en.initialState()
	for _, e := range existing {
		restored, err := en.log.restore(e)
		if err != nil {
			en.mu.Unlock()
			return fmt.Errorf("restore events: %w", err)
		}
		next, err := en.reduce(en.state, restored)
		if err != nil {
			en.mu.Unlock()
			return fmt.Errorf("replay event %d (%s): %w", restored.EventIndex, restored.Type, err)
		}
		en.state = next
	}

	marker := models.NewEvent(models.EventInitializedWithEvents,
		models.InitializedWithEventsData{EventCount: len(existing)})
	if _, err := en.appendReduced(marker); err != nil {
		en.mu.Unlock()
		return err
	}
	en.initialized = true

	resume := en.state.LLMRequestStartedAtIndex
	perr := en.persist(ctx)
	en.mu.Unlock()
	if perr != nil {
		return perr
	}

	if resume != nil {
		thisIndex := *resume
		en.logger.Info("relaunching interrupted LLM request", "startIndex", thisIndex)
		req, err := en.requestParams(ctx)
		if err != nil {
			return fmt.Errorf("recover LLM request %d: %w", thisIndex, err)
		}
		en.launchRun(thisIndex, req)
	}
	return nil
}

// AddEvents admits an ordered batch of events: validate, append, reduce,
// notify, then evaluate the trigger flag. It returns the admitted events
// with assigned indices. On any failure the whole batch rolls back, a
// synthetic INTERNAL_ERROR event is appended in its place, and the original
// error is returned. The log is always persisted before returning, on
// success and failure paths alike.
func (en *Engine) AddEvents(ctx context.Context, events ...models.Event) (added []models.Event, err error) {
	en.mu.Lock()
	defer en.mu.Unlock()
	if !en.initialized {
		return nil, ErrNotInitialized
	}

	defer func() {
		if perr := en.persist(ctx); perr != nil {
			en.logger.Error("persist events", "error", perr)
			if err == nil {
				err = perr
			}
		}
	}()

	logSnap := en.log.snapshot()
	stateSnap := en.state

	type recorded struct {
		event models.Event
		state models.State
	}
	var batch []recorded
	var approved []ApprovedToolCall

	err = func() error {
		for _, candidate := range events {
			recognized, verr := en.registry.Validate(candidate)
			if verr != nil {
				return fmt.Errorf("%w: %s", ErrValidation, verr)
			}
			if !recognized {
				en.logger.Warn("no schema registered for event type, keeping as-is", "type", candidate.Type)
			}

			transition := en.approvalTransition(candidate)

			appended, ok := en.log.append(candidate)
			if !ok {
				en.logger.Debug("duplicate idempotency key, event skipped",
					"type", candidate.Type, "key", candidate.IdempotencyKey)
				continue
			}
			next, rerr := en.reduce(en.state, appended)
			if rerr != nil {
				return rerr
			}
			en.state = next

			if en.cfg.Metrics != nil {
				en.cfg.Metrics.EventsAppended.WithLabelValues(appended.Type).Inc()
			}
			batch = append(batch, recorded{event: appended, state: en.state})
			added = append(added, appended)
			if transition != nil {
				transition.State = en.state
				approved = append(approved, *transition)
			}
		}

		if en.hosts.OnEventAdded != nil {
			for _, entry := range batch {
				en.hosts.OnEventAdded(ctx, entry.event, entry.state)
			}
		}
		return nil
	}()
	if err != nil {
		en.log.rollback(logSnap)
		en.state = stateSnap
		en.recordInternalError(ctx, err, events)
		if en.cfg.Metrics != nil {
			en.cfg.Metrics.BatchesIngested.WithLabelValues("rolled_back").Inc()
		}
		return nil, err
	}
	if en.cfg.Metrics != nil {
		en.cfg.Metrics.BatchesIngested.WithLabelValues("ok").Inc()
	}

	en.dispatchApproved(approved)
	en.evaluateTrigger(ctx)
	return added, nil
}

// evaluateTrigger runs under the mutex at the end of a successful batch:
// it decides whether to start (and whether to first cancel) an LLM run.
func (en *Engine) evaluateTrigger(ctx context.Context) {
	if !en.state.TriggerLLMRequest {
		return
	}
	if en.state.Paused {
		en.logger.Info("trigger set but LLM requests are paused, skipping")
		return
	}

	req, err := en.requestParamsLocked(ctx)
	if err != nil {
		en.logger.Error("compute LLM request params", "error", err)
		en.recordInternalError(ctx, err, nil)
		return
	}

	if runawayTurn(req.Input, en.cfg.UserFacingMessageTool, en.cfg.MaxAgentMessagesPerTurn) {
		reason := fmt.Sprintf("failsafe: %d or more %s calls since the last user action",
			en.cfg.MaxAgentMessagesPerTurn, en.cfg.UserFacingMessageTool)
		en.logger.Warn("runaway turn detected, pausing LLM requests", "reason", reason)
		pause := models.NewEvent(models.EventPauseLLMRequests, models.PauseLLMRequestsData{Reason: reason})
		if _, err := en.appendNotify(ctx, pause); err != nil {
			en.logger.Error("append pause event", "error", err)
		}
		return
	}

	if old := en.state.LLMRequestStartedAtIndex; old != nil {
		cancelIndex := en.log.len()
		cancel := models.NewEvent(models.EventLLMRequestCancel, models.LLMRequestCancelData{
			Reason: fmt.Sprintf("#%d superseded by #%d", *old, cancelIndex),
		})
		if _, err := en.appendNotify(ctx, cancel); err != nil {
			en.logger.Error("append cancel event", "error", err)
			return
		}
		if en.cfg.Metrics != nil {
			en.cfg.Metrics.LLMRequestCounter.WithLabelValues(req.Model, "superseded").Inc()
		}
	}

	start := models.NewEvent(models.EventLLMRequestStart, models.LLMRequestStartData{Params: req.ToMap()})
	appended, err := en.appendNotify(ctx, start)
	if err != nil {
		en.logger.Error("append start event", "error", err)
		return
	}
	en.launchRun(appended.EventIndex, req)
}

// appendReduced appends one engine-synthesized event and folds it into
// state. Caller holds the mutex.
func (en *Engine) appendReduced(e models.Event) (models.Event, error) {
	appended, ok := en.log.append(e)
	if !ok {
		return models.Event{}, fmt.Errorf("duplicate idempotency key on synthetic event %s", e.Type)
	}
	next, err := en.reduce(en.state, appended)
	if err != nil {
		return models.Event{}, fmt.Errorf("reduce synthetic event %s: %w", e.Type, err)
	}
	en.state = next
	if en.cfg.Metrics != nil {
		en.cfg.Metrics.EventsAppended.WithLabelValues(appended.Type).Inc()
	}
	return appended, nil
}

// appendNotify is appendReduced plus the OnEventAdded callback.
func (en *Engine) appendNotify(ctx context.Context, e models.Event) (models.Event, error) {
	appended, err := en.appendReduced(e)
	if err != nil {
		return models.Event{}, err
	}
	if en.hosts.OnEventAdded != nil {
		en.hosts.OnEventAdded(ctx, appended, en.state)
	}
	return appended, nil
}

// recordInternalError appends an INTERNAL_ERROR event carrying the failure
// and, when the failure rejected a batch, that batch as JSON. Failures here
// are logged, not propagated: the original error matters more.
func (en *Engine) recordInternalError(ctx context.Context, cause error, rejected []models.Event) {
	data := models.InternalErrorData{
		Error: cause.Error(),
		Stack: string(debug.Stack()),
	}
	if len(rejected) > 0 {
		if raw, err := json.Marshal(rejected); err == nil {
			data.RejectedEvents = raw
		}
	}
	if _, err := en.appendNotify(ctx, models.NewEvent(models.EventInternalError, data)); err != nil {
		en.logger.Error("append internal error event", "error", err, "cause", cause)
	}
}

// approvalTransition captures a pending→approved transition before the
// event is reduced, so the host callback sees the pre-resolution approval.
func (en *Engine) approvalTransition(candidate models.Event) *ApprovedToolCall {
	if candidate.Type != models.EventToolCallApproved || en.hosts.OnToolCallApproved == nil {
		return nil
	}
	data, err := models.Decode[models.ToolCallApprovedData](candidate.Data)
	if err != nil || !data.Approved {
		return nil
	}
	approval, ok := en.state.ToolCallApprovals[data.ApprovalKey]
	if !ok || approval.Status != models.ApprovalPending {
		return nil
	}
	return &ApprovedToolCall{
		Data:           data,
		Approval:       approval,
		ReplayToolCall: en.replayToolCall(approval),
	}
}

// replayToolCall re-invokes an approved tool with an injected call id, so
// the approval wrapper is bypassed, and appends the resulting tool-call
// event plus anything the tool requested.
func (en *Engine) replayToolCall(approval models.Approval) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		call := models.ToolCall{
			CallID:    models.InjectedCallPrefix + approval.ToolCallID,
			Name:      approval.ToolName,
			Arguments: string(models.MustEncode(approval.Args)),
		}
		outcome := en.TryInvokeLocalFunctionTool(ctx, call)

		event := models.NewEvent(models.EventLocalFunctionToolCall, models.LocalFunctionToolCallData{
			Call:   call,
			Result: outcome.Result,
		})
		event.TriggerLLMRequest = true
		if outcome.TriggerLLMRequest != nil {
			event.TriggerLLMRequest = *outcome.TriggerLLMRequest
		}
		_, err := en.AddEvents(ctx, append([]models.Event{event}, outcome.AddEvents...)...)
		return err
	}
}

func (en *Engine) dispatchApproved(approved []ApprovedToolCall) {
	for _, a := range approved {
		a := a
		en.hosts.Background("tool-call-approved", func(ctx context.Context) error {
			en.hosts.OnToolCallApproved(ctx, a)
			return nil
		})
	}
}

// launchRun starts the background LLM run for a start index.
func (en *Engine) launchRun(thisIndex int, req llm.Request) {
	en.hosts.Background(fmt.Sprintf("llm-request-%d", thisIndex), func(ctx context.Context) error {
		return en.runLLMRequest(ctx, thisIndex, req)
	})
}

// State returns the augmented view of the current reduced state. The
// augmentation is recomputed on every call.
func (en *Engine) State(ctx context.Context) (models.AugmentedState, error) {
	en.mu.Lock()
	st := en.state
	en.mu.Unlock()
	return en.augmentState(ctx, st)
}

// ReducedState returns a clone of the current reduced state without
// augmentation.
func (en *Engine) ReducedState() models.State {
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.state.Clone()
}

// Events returns the full log as clones.
func (en *Engine) Events() []models.Event {
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.log.all()
}

// ReducedStateAt replays the log from scratch through the event at index
// and returns the resulting state. Historical inspection only; the live
// state is untouched.
func (en *Engine) ReducedStateAt(index int) (models.State, error) {
	en.mu.Lock()
	events := en.log.uptoClone(index)
	en.mu.Unlock()

	st := en.initialState()
	for _, e := range events {
		next, err := en.reduce(st, e)
		if err != nil {
			return models.State{}, fmt.Errorf("replay event %d (%s): %w", e.EventIndex, e.Type, err)
		}
		st = next
	}
	return st, nil
}

// LLMRequestInProgress reports whether a request is live.
func (en *Engine) LLMRequestInProgress() bool {
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.state.LLMRequestStartedAtIndex != nil
}

// currentStartIndex returns the live request's start index, or nil.
func (en *Engine) currentStartIndex() *int {
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.state.LLMRequestStartedAtIndex == nil {
		return nil
	}
	idx := *en.state.LLMRequestStartedAtIndex
	return &idx
}

// requestParams computes the provider parameter set from a fresh augmented
// read. Callers must not hold the mutex.
func (en *Engine) requestParams(ctx context.Context) (llm.Request, error) {
	aug, err := en.State(ctx)
	if err != nil {
		return llm.Request{}, err
	}
	return buildRequest(aug), nil
}

// requestParamsLocked is requestParams for callers already holding the
// mutex.
func (en *Engine) requestParamsLocked(ctx context.Context) (llm.Request, error) {
	aug, err := en.augmentState(ctx, en.state)
	if err != nil {
		return llm.Request{}, err
	}
	return buildRequest(aug), nil
}

func (en *Engine) persist(ctx context.Context) error {
	if en.hosts.StoreEvents == nil {
		return nil
	}
	return en.hosts.StoreEvents(ctx, en.log.all())
}
