package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
)

// QueuedOperation is a mutating call captured while the backend was
// unreachable. OpID doubles as the idempotency token on replay. Seq breaks
// QueuedAt ties by insertion order.
type QueuedOperation struct {
	OpID     string          `json:"opId"`
	Kind     OperationKind   `json:"kind"`
	TargetID string          `json:"targetId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	QueuedAt time.Time       `json:"queuedAt"`
	Seq      uint64          `json:"seq"`
}

// FlushOutcome reports what happened to one queued operation during Flush.
type FlushOutcome struct {
	OpID      string `json:"opId"`
	Delivered bool   `json:"delivered"`
	Dropped   bool   `json:"dropped"`
	Skipped   bool   `json:"skipped"`
	Error     string `json:"error,omitempty"`
}

// ReplayBackend delivers an operation to the real backend. A nil return or
// ErrAlreadyApplied counts as success; an error matching ErrReplayRejected
// drops the operation; anything matching ErrNetworkUnavailable keeps it
// queued for the next flush.
type ReplayBackend interface {
	Deliver(ctx context.Context, op QueuedOperation) error
}

type syncQueueState struct {
	Seq   uint64            `json:"seq"`
	Items []QueuedOperation `json:"items"`
}

// SyncCoordinator owns the write queue: it captures mutations attempted
// while offline and replays them in QueuedAt order once connectivity
// returns. The queue is persisted to path via tmp+rename after every
// mutation; an empty path keeps it memory-only.
type SyncCoordinator struct {
	backend    ReplayBackend
	path       string
	capacity   int
	logger     Logger
	onRejected func(op QueuedOperation, err error)

	mu    sync.Mutex
	seq   uint64
	items []QueuedOperation
}

type SyncCoordinatorOptions struct {
	Backend    ReplayBackend
	QueueFile  string
	Capacity   int
	Logger     Logger
	OnRejected func(op QueuedOperation, err error)
}

func NewSyncCoordinator(opts SyncCoordinatorOptions) (*SyncCoordinator, error) {
	if opts.Backend == nil {
		return nil, ErrInvalidInput
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1024
	}
	c := &SyncCoordinator{
		backend:    opts.Backend,
		path:       strings.TrimSpace(opts.QueueFile),
		capacity:   capacity,
		logger:     opts.Logger,
		onRejected: opts.OnRejected,
		items:      []QueuedOperation{},
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// Enqueue captures an operation for later replay. Only connectivity failures
// belong here; server-side rejections are surfaced immediately by the caller
// and never queued.
func (c *SyncCoordinator) Enqueue(op QueuedOperation) error {
	if strings.TrimSpace(op.OpID) == "" {
		return ErrInvalidInput
	}
	if op.Kind != OperationCreate && op.Kind != OperationUpdate {
		return ErrInvalidInput
	}
	if op.QueuedAt.IsZero() {
		op.QueuedAt = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) >= c.capacity {
		return ErrQueueFull
	}
	for _, existing := range c.items {
		if existing.OpID == op.OpID {
			return nil
		}
	}
	c.seq++
	op.Seq = c.seq
	c.items = append(c.items, op)
	c.sortLocked()
	if err := c.saveLocked(); err != nil {
		c.removeLocked(op.OpID)
		return err
	}
	return nil
}

// Flush replays queued operations strictly in QueuedAt order, one at a time.
// A transient failure halts later operations for the same target but leaves
// unrelated targets draining; the halted operations stay queued and the next
// Flush retries from them. Confirmed deliveries (including duplicate acks)
// are removed; rejections are dropped and reported.
func (c *SyncCoordinator) Flush(ctx context.Context) []FlushOutcome {
	c.mu.Lock()
	pending := append([]QueuedOperation(nil), c.items...)
	c.mu.Unlock()

	outcomes := make([]FlushOutcome, 0, len(pending))
	halted := map[string]bool{}
	for _, op := range pending {
		if ctx.Err() != nil {
			break
		}
		if halted[c.haltKey(op)] {
			outcomes = append(outcomes, FlushOutcome{OpID: op.OpID, Skipped: true})
			continue
		}
		err := c.backend.Deliver(ctx, op)
		switch {
		case err == nil || errors.Is(err, ErrAlreadyApplied):
			c.remove(op.OpID)
			outcomes = append(outcomes, FlushOutcome{OpID: op.OpID, Delivered: true})
		case errors.Is(err, ErrReplayRejected):
			c.remove(op.OpID)
			outcomes = append(outcomes, FlushOutcome{OpID: op.OpID, Dropped: true, Error: err.Error()})
			c.logf("replay of %s rejected, dropping: %v", op.OpID, err)
			if c.onRejected != nil {
				c.onRejected(op, err)
			}
		default:
			halted[c.haltKey(op)] = true
			outcomes = append(outcomes, FlushOutcome{OpID: op.OpID, Error: err.Error()})
			c.logf("replay of %s failed, keeping queued: %v", op.OpID, err)
		}
	}
	return outcomes
}

// Backend exposes the replay backend for immediate delivery attempts.
func (c *SyncCoordinator) Backend() ReplayBackend {
	return c.backend
}

// Depth reports how many operations are queued.
func (c *SyncCoordinator) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Snapshot returns the queued operations in replay order.
func (c *SyncCoordinator) Snapshot() []QueuedOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]QueuedOperation(nil), c.items...)
}

// Operations sharing a target replay in order relative to each other;
// targetless creates halt only themselves.
func (c *SyncCoordinator) haltKey(op QueuedOperation) string {
	if strings.TrimSpace(op.TargetID) == "" {
		return "op:" + op.OpID
	}
	return "target:" + op.TargetID
}

func (c *SyncCoordinator) remove(opID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(opID)
	if err := c.saveLocked(); err != nil {
		c.logf("persist queue after removing %s: %v", opID, err)
	}
}

func (c *SyncCoordinator) removeLocked(opID string) {
	for i, op := range c.items {
		if op.OpID == opID {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	}
}

func (c *SyncCoordinator) sortLocked() {
	sort.SliceStable(c.items, func(i, j int) bool {
		if c.items[i].QueuedAt.Equal(c.items[j].QueuedAt) {
			return c.items[i].Seq < c.items[j].Seq
		}
		return c.items[i].QueuedAt.Before(c.items[j].QueuedAt)
	})
}

func (c *SyncCoordinator) load() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot syncQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	c.seq = snapshot.Seq
	c.items = append([]QueuedOperation(nil), snapshot.Items...)
	if len(c.items) > c.capacity {
		c.items = c.items[:c.capacity]
	}
	c.sortLocked()
	return nil
}

func (c *SyncCoordinator) saveLocked() error {
	if c.path == "" {
		return nil
	}
	snapshot := syncQueueState{
		Seq:   c.seq,
		Items: append([]QueuedOperation(nil), c.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

func (c *SyncCoordinator) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
