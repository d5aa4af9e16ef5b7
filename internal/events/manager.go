// Package events is the in-process pub/sub for workflow lifecycle events.
// Each workflow keeps a fixed-capacity ring of recent events so reconnecting
// subscribers can replay what they missed, and an optional Redis mirror
// publishes every event for out-of-process consumers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event types emitted by the executor and orchestrator.
const (
	TypeWorkflowStarted   = "WORKFLOW_STARTED"
	TypeWorkflowCompleted = "WORKFLOW_COMPLETED"
	TypeWorkflowFailed    = "WORKFLOW_FAILED"
	TypeBatchStarted      = "BATCH_STARTED"
	TypeBatchCompleted    = "BATCH_COMPLETED"
	TypeTaskStarted       = "TASK_STARTED"
	TypeTaskCompleted     = "TASK_COMPLETED"
	TypeTaskFailed        = "TASK_FAILED"
	TypeTaskCached        = "TASK_CACHED"
	TypeApprovalRequested = "APPROVAL_REQUESTED"
	TypeApprovalDecided   = "APPROVAL_DECIDED"
)

// redisChannelPrefix namespaces mirrored events; the workflow id is appended.
const redisChannelPrefix = "loom:events:"

// Event is one lifecycle notification. Seq is assigned at publish time and
// increases monotonically per workflow.
type Event struct {
	Seq        uint64    `json:"seq"`
	WorkflowID string    `json:"workflow_id"`
	Type       string    `json:"type"`
	TaskName   string    `json:"task_name,omitempty"`
	Batch      int       `json:"batch,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Marshal renders the event for the wire (WebSocket frames, Redis payloads).
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Config tunes the manager.
type Config struct {
	// BufferSize is the per-workflow replay ring capacity.
	BufferSize int `mapstructure:"buffer_size"`
	// RedisAddr enables the Redis mirror when non-empty.
	RedisAddr string `mapstructure:"redis_addr"`
}

const defaultBufferSize = 256

// Manager fans events out to in-process subscribers. Publishing never
// blocks: slow subscribers lose events (they can ReplaySince to recover) and
// the Redis mirror runs on a background goroutine.
type Manager struct {
	capacity int
	logger   *zap.Logger
	redis    *redis.Client

	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
}

func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	capacity := cfg.BufferSize
	if capacity <= 0 {
		capacity = defaultBufferSize
	}
	m := &Manager{
		capacity:    capacity,
		logger:      logger,
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
	}
	if cfg.RedisAddr != "" {
		m.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	return m
}

// Subscribe registers a buffered channel for one workflow's events. The
// caller must drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(workflowID string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[workflowID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[workflowID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Manager) Unsubscribe(workflowID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.subscribers[workflowID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(m.subscribers, workflowID)
	}
}

// Publish assigns the next sequence number, records the event in the replay
// ring, and delivers it to subscribers without blocking.
func (m *Manager) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	rg := m.history[evt.WorkflowID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.WorkflowID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)

	subs := make([]chan Event, 0, len(m.subscribers[evt.WorkflowID]))
	for ch := range m.subscribers[evt.WorkflowID] {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; it can recover via ReplaySince.
		}
	}

	if m.redis != nil {
		go m.mirror(evt)
	}
}

// ReplaySince returns the retained events with Seq > since, oldest first.
func (m *Manager) ReplaySince(workflowID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[workflowID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history of a finished workflow.
func (m *Manager) Forget(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, workflowID)
}

// Close releases the Redis mirror connection.
func (m *Manager) Close() error {
	if m.redis != nil {
		return m.redis.Close()
	}
	return nil
}

func (m *Manager) mirror(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.redis.Publish(ctx, redisChannelPrefix+evt.WorkflowID, evt.Marshal()).Err(); err != nil {
		m.logger.Warn("redis event mirror failed",
			zap.String("workflow_id", evt.WorkflowID),
			zap.String("type", evt.Type),
			zap.Error(err))
	}
}

// ring is a fixed-capacity buffer that overwrites its oldest entry when full.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
