// Package pending correlates outbound calls with their results. A call is
// registered when it is sent, resolved when the peer answers, and reaped
// once its TTL elapses. State is mirrored to the shared cache so that a
// restarted or different process can still observe it.
package pending

import (
	"context"
	"fmt"
	"log"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/balu-dk/ocpp-csms-engine/internal/cache"
	"github.com/balu-dk/ocpp-csms-engine/internal/logstore"
	"github.com/balu-dk/ocpp-csms-engine/internal/txindex"
)

// DefaultTTL bounds the lifetime of unresolved calls and unconsumed results.
const DefaultTTL = 30 * time.Minute

// Call is the registration of an outbound call.
type Call struct {
	MessageID         string         `json:"message_id"`
	Action            string         `json:"action"`
	ChargerID         string         `json:"charger_id"`
	ConnectorID       string         `json:"connector_id,omitempty"`
	LogKey            string         `json:"log_key,omitempty"`
	RequestedAt       time.Time      `json:"requested_at"`
	TimeoutAt         time.Time      `json:"timeout_at,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	TimeoutNoticeSent bool           `json:"timeout_notice_sent"`
}

// Result is the peer's answer to a call.
type Result struct {
	Success          bool           `json:"success"`
	Payload          map[string]any `json:"payload,omitempty"`
	ErrorCode        string         `json:"error_code,omitempty"`
	ErrorDescription string         `json:"error_description,omitempty"`
	ErrorDetails     map[string]any `json:"error_details,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// TimeoutOptions tunes the notice logged when a call times out.
type TimeoutOptions struct {
	// Action limits the notice to calls of this action.
	Action string

	// LogKey is the identity the notice is logged under. Defaults to the
	// call's LogKey.
	LogKey string

	// Message replaces the default notice text.
	Message string
}

// LogAppender receives timeout notices.
type LogAppender interface {
	Append(identity, text string, logType logstore.LogType)
}

// ClearHook runs after a charger's pending state has been purged.
type ClearHook func(ctx context.Context, serial string)

// Options configures a Registry.
type Options struct {
	Cache *cache.Store

	// Scheduler runs timeouts and expiry. A private one is started when
	// nil and stopped by Close.
	Scheduler *Scheduler

	TTL          time.Duration
	Logs         LogAppender
	Transactions *txindex.Index
	Logger       *log.Logger
}

type entry struct {
	gen     uint64
	charger string
	call    *Call // nil once popped

	result   *Result
	resolved bool
	consumed bool
	done     chan struct{} // closed when resolved or cleared

	expiresAt  time.Time
	timeout    Handle
	timeoutSeq uint64
	expiry     Handle
}

func (e *entry) wake() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

// Registry is safe for concurrent use.
type Registry struct {
	cache     *cache.Store
	scheduler *Scheduler
	ownsSched bool
	ttl       time.Duration
	logs      LogAppender
	txs       *txindex.Index
	logger    *log.Logger

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64

	hookMu sync.RWMutex
	hooks  []ClearHook
}

// NewRegistry creates a registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		cache:     opts.Cache,
		scheduler: opts.Scheduler,
		ttl:       opts.TTL,
		logs:      opts.Logs,
		txs:       opts.Transactions,
		logger:    opts.Logger,
		entries:   make(map[string]*entry),
	}
	if r.scheduler == nil {
		r.scheduler = NewScheduler()
		r.ownsSched = true
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	if r.logger == nil {
		r.logger = log.Default()
	}
	return r
}

// Close stops the registry's private scheduler, if any.
func (r *Registry) Close() {
	if r.ownsSched {
		r.scheduler.Stop()
	}
}

// OnClear registers a hook run by ClearForCharger.
func (r *Registry) OnClear(hook ClearHook) {
	r.hookMu.Lock()
	r.hooks = append(r.hooks, hook)
	r.hookMu.Unlock()
}

func cloneCall(c *Call) *Call {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Metadata = maps.Clone(c.Metadata)
	return &cp
}

// newEntry installs a fresh entry for id, dropping any previous one.
// Callers hold r.mu.
func (r *Registry) newEntry(id, charger string, expiresAt time.Time) *entry {
	if old, ok := r.entries[id]; ok {
		r.discard(old)
	}
	r.gen++
	e := &entry{
		gen:       r.gen,
		charger:   charger,
		done:      make(chan struct{}),
		expiresAt: expiresAt,
	}
	gen := r.gen
	e.expiry = r.scheduler.Schedule(time.Until(expiresAt), func() { r.expire(id, gen) })
	r.entries[id] = e
	return e
}

// discard cancels an entry's timers and releases its waiters. Callers hold
// r.mu.
func (r *Registry) discard(e *entry) {
	e.timeout.Cancel()
	e.expiry.Cancel()
	e.wake()
}

func (r *Registry) remaining(e *entry) time.Duration {
	return time.Until(e.expiresAt)
}

// Register records call as outstanding, replacing any earlier state for
// the same message id.
func (r *Registry) Register(ctx context.Context, call Call) {
	if call.RequestedAt.IsZero() {
		call.RequestedAt = time.Now()
	}
	stored := cloneCall(&call)

	r.mu.Lock()
	e := r.newEntry(call.MessageID, call.ChargerID, time.Now().Add(r.ttl))
	e.call = stored
	r.mu.Unlock()

	r.cache.Delete(ctx, cache.PendingResultKey(call.MessageID))
	r.cache.SetJSON(ctx, cache.PendingMetadataKey(call.MessageID), stored, r.ttl)
	if call.ChargerID != "" {
		r.cache.AddToSet(ctx, cache.PendingChargerKey(call.ChargerID), call.MessageID, r.ttl)
	}
}

// ScheduleTimeout arranges a one-time timeout notice for an unresolved
// call, replacing any earlier timeout of the same call. The call itself
// stays registered so a late result can still be recorded.
func (r *Registry) ScheduleTimeout(messageID string, timeout time.Duration, opts TimeoutOptions) bool {
	r.mu.Lock()
	e, ok := r.entries[messageID]
	if !ok || e.resolved || e.call == nil {
		r.mu.Unlock()
		return false
	}
	e.timeout.Cancel()
	e.timeoutSeq++
	seq, gen := e.timeoutSeq, e.gen
	e.call.TimeoutAt = time.Now().Add(timeout)
	e.timeout = r.scheduler.Schedule(timeout, func() { r.fireTimeout(messageID, gen, seq, opts) })
	call := cloneCall(e.call)
	ttl := r.remaining(e)
	r.mu.Unlock()

	// keeps the deadline visible to Restore
	if ttl > 0 {
		r.cache.SetJSON(context.Background(), cache.PendingMetadataKey(messageID), call, ttl)
	}
	return true
}

func (r *Registry) fireTimeout(id string, gen, seq uint64, opts TimeoutOptions) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.gen != gen || e.timeoutSeq != seq || e.resolved || e.call == nil {
		r.mu.Unlock()
		return
	}
	if e.call.TimeoutNoticeSent || (opts.Action != "" && opts.Action != e.call.Action) {
		r.mu.Unlock()
		return
	}
	e.call.TimeoutNoticeSent = true
	call := cloneCall(e.call)
	ttl := r.remaining(e)
	r.mu.Unlock()

	logKey := opts.LogKey
	if logKey == "" {
		logKey = call.LogKey
	}
	msg := opts.Message
	if msg == "" {
		msg = fmt.Sprintf("%s request %s timed out without a response", call.Action, id)
	}
	r.logger.Printf("Timeout waiting for %s response from %s (message ID %s)", call.Action, call.ChargerID, id)
	if r.logs != nil && logKey != "" {
		r.logs.Append(logKey, msg, logstore.ChargerLog)
	}
	if ttl > 0 {
		r.cache.SetJSON(context.Background(), cache.PendingMetadataKey(id), call, ttl)
	}
}

// RecordResult stores the result of a call and wakes its waiter. Only the
// first result for a message id is recorded; later ones return false.
func (r *Registry) RecordResult(ctx context.Context, messageID string, res Result) bool {
	r.mu.Lock()
	e, ok := r.entries[messageID]
	if ok && (e.resolved || e.consumed) {
		r.mu.Unlock()
		return false
	}
	if !ok {
		r.mu.Unlock()
		// a result recorded elsewhere, before a restart, wins
		var existing Result
		if r.cache.GetJSON(ctx, cache.PendingResultKey(messageID), &existing) {
			return false
		}
		r.mu.Lock()
		if e, ok = r.entries[messageID]; ok && (e.resolved || e.consumed) {
			r.mu.Unlock()
			return false
		}
		if !ok {
			e = r.newEntry(messageID, "", time.Now().Add(r.ttl))
		}
	}
	stored := res
	e.result = &stored
	e.resolved = true
	e.timeout.Cancel()
	e.wake()
	ttl := r.remaining(e)
	r.mu.Unlock()

	r.cache.SetJSON(ctx, cache.PendingResultKey(messageID), res, ttl)
	return true
}

// consume takes the stored result of e. Callers hold r.mu.
func (r *Registry) consume(e *entry) *Result {
	res := e.result
	e.result = nil
	e.consumed = true
	e.timeout.Cancel()
	return res
}

// Await returns the call's result, waiting up to timeout for it to
// arrive. A result is handed to exactly one waiter. When no result shows
// up in memory the shared cache is consulted before giving up with nil.
func (r *Registry) Await(ctx context.Context, messageID string, timeout time.Duration) *Result {
	r.mu.Lock()
	e, ok := r.entries[messageID]
	switch {
	case ok && e.result != nil:
		res := r.consume(e)
		r.mu.Unlock()
		r.cache.Delete(ctx, cache.PendingResultKey(messageID))
		return res
	case ok && e.consumed:
		r.mu.Unlock()
		return nil
	case !ok:
		r.mu.Unlock()
		return r.awaitCache(ctx, messageID)
	}
	done := e.done
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}

	r.mu.Lock()
	if cur, ok := r.entries[messageID]; ok && cur == e && e.result != nil {
		res := r.consume(e)
		r.mu.Unlock()
		r.cache.Delete(context.WithoutCancel(ctx), cache.PendingResultKey(messageID))
		return res
	}
	consumed := e.consumed
	r.mu.Unlock()
	if consumed {
		return nil
	}
	return r.awaitCache(context.WithoutCancel(ctx), messageID)
}

// awaitCache consumes a result recorded by another process.
func (r *Registry) awaitCache(ctx context.Context, messageID string) *Result {
	var res Result
	if !r.cache.GetJSON(ctx, cache.PendingResultKey(messageID), &res) {
		return nil
	}

	r.mu.Lock()
	e, ok := r.entries[messageID]
	if ok && e.consumed {
		r.mu.Unlock()
		return nil
	}
	if ok {
		e.result = nil
		e.resolved = true
		e.consumed = true
		e.timeout.Cancel()
		e.wake()
	}
	r.mu.Unlock()

	r.cache.Delete(ctx, cache.PendingResultKey(messageID))
	return &res
}

// Pop removes and returns the registration of a call, or nil.
func (r *Registry) Pop(ctx context.Context, messageID string) *Call {
	r.mu.Lock()
	var call *Call
	if e, ok := r.entries[messageID]; ok && e.call != nil {
		call = e.call
		e.call = nil
		e.timeout.Cancel()
	}
	r.mu.Unlock()

	if call == nil {
		var cached Call
		if !r.cache.GetJSON(ctx, cache.PendingMetadataKey(messageID), &cached) {
			return nil
		}
		call = &cached
	}
	r.cache.Delete(ctx, cache.PendingMetadataKey(messageID))
	if call.ChargerID != "" {
		r.cache.RemoveFromSet(ctx, cache.PendingChargerKey(call.ChargerID), messageID)
	}
	return call
}

// Forget drops every trace of a call, for calls that never reached the
// peer.
func (r *Registry) Forget(ctx context.Context, messageID string) {
	r.mu.Lock()
	e, ok := r.entries[messageID]
	if ok {
		delete(r.entries, messageID)
		r.discard(e)
	}
	r.mu.Unlock()

	r.cache.Delete(ctx, cache.PendingMetadataKey(messageID), cache.PendingResultKey(messageID))
	if ok && e.charger != "" {
		r.cache.RemoveFromSet(ctx, cache.PendingChargerKey(e.charger), messageID)
	}
}

// Get returns a copy of the registration of a call.
func (r *Registry) Get(ctx context.Context, messageID string) (*Call, bool) {
	r.mu.Lock()
	if e, ok := r.entries[messageID]; ok && e.call != nil {
		call := cloneCall(e.call)
		r.mu.Unlock()
		return call, true
	}
	r.mu.Unlock()

	var cached Call
	if r.cache.GetJSON(ctx, cache.PendingMetadataKey(messageID), &cached) {
		return &cached, true
	}
	return nil, false
}

// Pending lists the registered calls of serial, oldest first.
func (r *Registry) Pending(serial string) []Call {
	r.mu.Lock()
	var calls []Call
	for _, e := range r.entries {
		if e.call != nil && e.call.ChargerID == serial {
			calls = append(calls, *cloneCall(e.call))
		}
	}
	r.mu.Unlock()

	sort.Slice(calls, func(i, j int) bool {
		if !calls[i].RequestedAt.Equal(calls[j].RequestedAt) {
			return calls[i].RequestedAt.Before(calls[j].RequestedAt)
		}
		return calls[i].MessageID < calls[j].MessageID
	})
	return calls
}

// Len returns the number of tracked message ids, tombstones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) expire(id string, gen uint64) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	e.timeout.Cancel()
	e.wake()
	charger := e.charger
	r.mu.Unlock()

	ctx := context.Background()
	r.cache.Delete(ctx, cache.PendingMetadataKey(id), cache.PendingResultKey(id))
	if charger != "" {
		r.cache.RemoveFromSet(ctx, cache.PendingChargerKey(charger), id)
	}
}

// ClearForCharger purges every call of serial, in memory and in the
// cache, along with its transaction requests. Blocked waiters return nil.
// Registered hooks run afterwards.
func (r *Registry) ClearForCharger(ctx context.Context, serial string) int {
	ids := make(map[string]struct{})

	r.mu.Lock()
	for id, e := range r.entries {
		if e.charger == serial {
			delete(r.entries, id)
			r.discard(e)
			ids[id] = struct{}{}
		}
	}
	r.mu.Unlock()
	cleared := len(ids)

	if members, ok := r.cache.Members(ctx, cache.PendingChargerKey(serial)); ok {
		for _, id := range members {
			ids[id] = struct{}{}
		}
	}
	keys := make([]string, 0, 2*len(ids)+1)
	for id := range ids {
		keys = append(keys, cache.PendingMetadataKey(id), cache.PendingResultKey(id))
	}
	keys = append(keys, cache.PendingChargerKey(serial))
	r.cache.Delete(ctx, keys...)

	if r.txs != nil {
		r.txs.ClearForCharger(serial)
	}

	r.hookMu.RLock()
	hooks := append([]ClearHook(nil), r.hooks...)
	r.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, serial)
	}
	return cleared
}

// Restore rehydrates the calls of serial recorded in the cache, typically
// after a restart, and returns the restored message ids. Calls already
// known in memory are left alone.
func (r *Registry) Restore(ctx context.Context, serial string) []string {
	members, ok := r.cache.Members(ctx, cache.PendingChargerKey(serial))
	if !ok {
		return nil
	}
	sort.Strings(members)

	var restored []string
	for _, id := range members {
		r.mu.Lock()
		_, known := r.entries[id]
		r.mu.Unlock()
		if known {
			continue
		}

		var call Call
		if !r.cache.GetJSON(ctx, cache.PendingMetadataKey(id), &call) {
			r.cache.RemoveFromSet(ctx, cache.PendingChargerKey(serial), id)
			continue
		}
		var res Result
		hasResult := r.cache.GetJSON(ctx, cache.PendingResultKey(id), &res)

		expiresAt := call.RequestedAt.Add(r.ttl)
		if !expiresAt.After(time.Now()) {
			r.cache.Delete(ctx, cache.PendingMetadataKey(id), cache.PendingResultKey(id))
			r.cache.RemoveFromSet(ctx, cache.PendingChargerKey(serial), id)
			continue
		}

		r.mu.Lock()
		if _, known := r.entries[id]; known {
			r.mu.Unlock()
			continue
		}
		e := r.newEntry(id, serial, expiresAt)
		e.call = &call
		if hasResult {
			e.result = &res
			e.resolved = true
			e.wake()
		} else if !call.TimeoutAt.IsZero() && !call.TimeoutNoticeSent {
			e.timeoutSeq++
			seq, gen := e.timeoutSeq, e.gen
			e.timeout = r.scheduler.Schedule(time.Until(call.TimeoutAt), func() {
				r.fireTimeout(id, gen, seq, TimeoutOptions{})
			})
		}
		r.mu.Unlock()
		restored = append(restored, id)
	}
	if len(restored) > 0 {
		r.logger.Printf("Restored %d pending calls for %s", len(restored), serial)
	}
	return restored
}
