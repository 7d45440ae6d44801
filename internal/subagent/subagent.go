// Package subagent implements the background MCP sub-agent: a single
// cooperative worker that installs, tests and removes tool servers without
// blocking the sensitive loop.
//
// The loop talks to the sub-agent through three pull-only surfaces: the
// request queue (Enqueue/Cancel), the message mailbox (PollMessages) and
// the energy counter (EnergyConsumedSinceLastPoll). The sub-agent never
// touches the energy regulator itself; the loop polls the counter once per
// cycle and debits the regulator with the delta.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cogsched/cogsched/internal/mcpwire"
)

// RequestType enumerates the operations the sub-agent performs.
type RequestType string

const (
	RequestAddServer     RequestType = "add_server"
	RequestRemoveServer  RequestType = "remove_server"
	RequestTestServer    RequestType = "test_server"
	RequestListServers   RequestType = "list_servers"
	RequestSearchServers RequestType = "search_servers"
	RequestModifyServer  RequestType = "modify_server"
)

// Priority orders the queue: high > medium > low, FIFO within a band.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Status is the request lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Request is one queued sub-agent operation.
type Request struct {
	ID       string          `json:"id"`
	Type     RequestType     `json:"type"`
	Params   json.RawMessage `json:"params,omitempty"`
	Priority Priority        `json:"priority"`
	QueuedAt time.Time       `json:"queued_at"`
}

// RequestStatus is the observable state of a request.
type RequestStatus struct {
	ID             string          `json:"id"`
	Type           RequestType     `json:"type"`
	Status         Status          `json:"status"`
	Progress       int             `json:"progress"` // 0..100
	Message        string          `json:"message,omitempty"`
	EnergyConsumed float64         `json:"energy_consumed"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// MessageType tags mailbox entries.
type MessageType string

const (
	MessageStatusUpdate MessageType = "status_update"
	MessageCompletion   MessageType = "completion"
	MessageError        MessageType = "error"
)

// Message is one mailbox entry. The loop drains these with PollMessages and
// never blocks waiting for them.
type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id"`
	Status    Status          `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	At        time.Time       `json:"at"`
}

// Config tunes the sub-agent.
type Config struct {
	// EnergyPerSecond converts processing seconds into energy units.
	EnergyPerSecond float64

	// MaxRetries caps transient-error retries per operation.
	MaxRetries int

	// RetryBaseDelay seeds the exponential backoff.
	RetryBaseDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.EnergyPerSecond <= 0 {
		c.EnergyPerSecond = 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 250 * time.Millisecond
	}
	return c
}

// SubAgent is the background worker. One request is in flight at a time.
type SubAgent struct {
	logger  *slog.Logger
	store   *mcpwire.ConfigStore
	manager *mcpwire.Manager
	cfg     Config

	mu       sync.Mutex
	queues   map[Priority][]*Request
	statuses map[string]*RequestStatus
	mailbox  []Message
	energy   float64 // consumed since last poll
	wake     chan struct{}

	now func() time.Time
}

// New creates a sub-agent over the given config store and MCP manager.
func New(store *mcpwire.ConfigStore, manager *mcpwire.Manager, cfg Config, logger *slog.Logger) *SubAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubAgent{
		logger:   logger.With("component", "subagent"),
		store:    store,
		manager:  manager,
		cfg:      cfg.withDefaults(),
		queues:   make(map[Priority][]*Request),
		statuses: make(map[string]*RequestStatus),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Enqueue adds a request and returns its id immediately.
func (a *SubAgent) Enqueue(reqType RequestType, params json.RawMessage, priority Priority) (string, error) {
	switch reqType {
	case RequestAddServer, RequestRemoveServer, RequestTestServer,
		RequestListServers, RequestSearchServers, RequestModifyServer:
	default:
		return "", fmt.Errorf("unknown request type %q", reqType)
	}
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
	case "":
		priority = PriorityMedium
	default:
		return "", fmt.Errorf("unknown priority %q", priority)
	}

	req := &Request{
		ID:       uuid.NewString(),
		Type:     reqType,
		Params:   params,
		Priority: priority,
		QueuedAt: a.now(),
	}

	a.mu.Lock()
	a.queues[priority] = append(a.queues[priority], req)
	a.statuses[req.ID] = &RequestStatus{ID: req.ID, Type: reqType, Status: StatusQueued}
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return req.ID, nil
}

// Cancel cancels a request that is still queued. In-flight requests are not
// revoked; cancelling one is an error the caller can ignore.
func (a *SubAgent) Cancel(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	status, ok := a.statuses[id]
	if !ok {
		return fmt.Errorf("unknown request %q", id)
	}
	if status.Status != StatusQueued {
		return fmt.Errorf("request %q is %s, only queued requests can be cancelled", id, status.Status)
	}

	for priority, queue := range a.queues {
		for i, req := range queue {
			if req.ID == id {
				a.queues[priority] = append(queue[:i], queue[i+1:]...)
				break
			}
		}
	}
	status.Status = StatusCancelled
	a.appendMessageLocked(Message{
		Type:      MessageStatusUpdate,
		RequestID: id,
		Status:    StatusCancelled,
		Message:   "cancelled while queued",
	})
	return nil
}

// Status returns a copy of the request's observable state.
func (a *SubAgent) Status(id string) (RequestStatus, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	status, ok := a.statuses[id]
	if !ok {
		return RequestStatus{}, false
	}
	return *status, true
}

// QueueDepth returns the number of queued requests across priorities.
func (a *SubAgent) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, q := range a.queues {
		n += len(q)
	}
	return n
}

// Active returns the id of the in-flight request, if any.
func (a *SubAgent) Active() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, s := range a.statuses {
		if s.Status == StatusInProgress {
			return id, true
		}
	}
	return "", false
}

// PollMessages drains the mailbox, returning entries in produced order.
func (a *SubAgent) PollMessages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.mailbox
	a.mailbox = nil
	return out
}

// EnergyConsumedSinceLastPoll returns the accumulated energy and resets the
// counter. The read-and-reset is atomic, so the caller sees each unit of
// work exactly once.
func (a *SubAgent) EnergyConsumedSinceLastPoll() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	delta := a.energy
	a.energy = 0
	return delta
}

// Run processes requests until ctx is cancelled, then drains the in-flight
// request within the grace the caller's context allows.
func (a *SubAgent) Run(ctx context.Context) {
	a.logger.Info("sub-agent started")
	for {
		req := a.pop()
		if req == nil {
			select {
			case <-ctx.Done():
				a.logger.Info("sub-agent stopped")
				return
			case <-a.wake:
				continue
			}
		}
		a.process(ctx, req)
	}
}

// pop removes the next request, highest priority first, FIFO within.
func (a *SubAgent) pop() *Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, priority := range []Priority{PriorityHigh, PriorityMedium, PriorityLow} {
		if queue := a.queues[priority]; len(queue) > 0 {
			req := queue[0]
			a.queues[priority] = queue[1:]
			return req
		}
	}
	return nil
}

func (a *SubAgent) process(ctx context.Context, req *Request) {
	start := a.now()
	a.setStatus(req.ID, StatusInProgress, 10, "started")

	result, err := a.execute(ctx, req)

	elapsed := a.now().Sub(start)
	charge := elapsed.Seconds() * a.cfg.EnergyPerSecond

	a.mu.Lock()
	a.energy += charge
	status := a.statuses[req.ID]
	status.EnergyConsumed += charge
	if err != nil {
		status.Status = StatusFailed
		status.Progress = 100
		status.Error = err.Error()
		a.appendMessageLocked(Message{
			Type:      MessageError,
			RequestID: req.ID,
			Status:    StatusFailed,
			Progress:  100,
			Error:     err.Error(),
		})
	} else {
		status.Status = StatusCompleted
		status.Progress = 100
		status.Result = result
		a.appendMessageLocked(Message{
			Type:      MessageCompletion,
			RequestID: req.ID,
			Status:    StatusCompleted,
			Progress:  100,
			Result:    result,
		})
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Warn("request failed", "request", req.ID, "type", req.Type, "error", err)
	} else {
		a.logger.Info("request completed", "request", req.ID, "type", req.Type, "elapsed", elapsed)
	}
}

func (a *SubAgent) setStatus(id string, s Status, progress int, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	status, ok := a.statuses[id]
	if !ok {
		return
	}
	status.Status = s
	status.Progress = progress
	status.Message = msg
	a.appendMessageLocked(Message{
		Type:      MessageStatusUpdate,
		RequestID: id,
		Status:    s,
		Progress:  progress,
		Message:   msg,
	})
}

func (a *SubAgent) appendMessageLocked(m Message) {
	m.At = a.now()
	a.mailbox = append(a.mailbox, m)
}

// retry runs op with exponential backoff while the error looks transient.
func (a *SubAgent) retry(ctx context.Context, op func() error) error {
	var lastErr error
	delay := a.cfg.RetryBaseDelay
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !transient(lastErr) {
			return lastErr
		}
		if attempt < a.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return lastErr
}
