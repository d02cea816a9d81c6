package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/finsim/finsim/internal/core/iso8583"
)

const pendingShardCount = 16

// stanSource generates correlation ids for callers that did not set one: a
// wrapping 6-digit decimal counter, unique within the outstanding-request
// window.
type stanSource struct {
	counter atomic.Uint64
}

func (s *stanSource) Next() string {
	return fmt.Sprintf("%06d", s.counter.Add(1)%1000000)
}

type pendingResult struct {
	msg *iso8583.Message
	err error
}

// pendingEntry is resolved exactly once: by a matching response, a channel
// error, or the caller's timeout removing it. The result channel is buffered
// so resolvers never block.
type pendingEntry struct {
	connID  string
	created time.Time
	ch      chan pendingResult
	done    bool
}

type pendingShard struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

// pendingTable is the shared map of outstanding requests, sharded by
// correlation id so resolves on different ids rarely contend.
type pendingTable struct {
	shards [pendingShardCount]pendingShard
}

func newPendingTable() *pendingTable {
	t := &pendingTable{}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*pendingEntry)
	}
	return t
}

func (t *pendingTable) shardFor(correlationID string) *pendingShard {
	return &t.shards[xxhash.Sum64String(correlationID)%pendingShardCount]
}

// register creates a pending entry. The correlation id must not already be
// outstanding.
func (t *pendingTable) register(correlationID, connID string) (*pendingEntry, error) {
	shard := t.shardFor(correlationID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, exists := shard.entries[correlationID]; exists {
		return nil, ErrDuplicateCorrelation
	}
	entry := &pendingEntry{
		connID:  connID,
		created: time.Now(),
		ch:      make(chan pendingResult, 1),
	}
	shard.entries[correlationID] = entry
	return entry, nil
}

// resolve completes the pending entry for the correlation id, if any, and
// reports whether one was waiting. Resolving an unknown id is a no-op.
func (t *pendingTable) resolve(correlationID string, msg *iso8583.Message) bool {
	shard := t.shardFor(correlationID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries[correlationID]
	if !ok || entry.done {
		return false
	}
	entry.done = true
	entry.ch <- pendingResult{msg: msg}
	delete(shard.entries, correlationID)
	return true
}

// remove drops the entry without resolving it. The pointer comparison keeps
// a timed-out caller from evicting a newer entry reusing the same id.
func (t *pendingTable) remove(correlationID string, entry *pendingEntry) {
	shard := t.shardFor(correlationID)
	shard.mu.Lock()
	if current, ok := shard.entries[correlationID]; ok && current == entry {
		delete(shard.entries, correlationID)
	}
	shard.mu.Unlock()
}

// failConnection resolves every entry registered against the connection with
// ErrChannelClosed so callers fail fast instead of timing out. Returns the
// number of requests failed.
func (t *pendingTable) failConnection(connID string) int {
	failed := 0
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		for id, entry := range shard.entries {
			if entry.connID != connID || entry.done {
				continue
			}
			entry.done = true
			entry.ch <- pendingResult{err: ErrChannelClosed}
			delete(shard.entries, id)
			failed++
		}
		shard.mu.Unlock()
	}
	return failed
}

// outstanding counts entries across all shards.
func (t *pendingTable) outstanding() int {
	total := 0
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		total += len(shard.entries)
		shard.mu.Unlock()
	}
	return total
}

// await blocks until the entry resolves, the timeout elapses, or ctx is
// cancelled. The entry is removed on every exit path.
func (t *pendingTable) await(ctx context.Context, correlationID string, entry *pendingEntry, timeout time.Duration) (*iso8583.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-entry.ch:
		return result.msg, result.err
	case <-timer.C:
		t.remove(correlationID, entry)
		// A resolve may have won the race with the timeout; prefer it.
		select {
		case result := <-entry.ch:
			return result.msg, result.err
		default:
			return nil, ErrAwaitTimeout
		}
	case <-ctx.Done():
		t.remove(correlationID, entry)
		return nil, ctx.Err()
	}
}
