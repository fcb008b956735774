// Package intent implements the Announce-Wait-Commit lock used to
// serialize conflicting fleet actions against the same subject (spec
// §4.6).
package intent

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightning-goats/cl-hive-sub002/store"
)

// Default timing. DefaultWait is replaced by Lock.Wait when set (cmd/hived
// sets it from config intent_wait_s); MaxRemoteCache is fixed and config
// intent_cache_max is not read here.
const (
	DefaultWait = 10 * time.Second
	MaxRemoteCache = 200
)

const (
	StateAnnounced = "announced"
	StateCommitted = "committed"
	StateAborted   = "aborted"
	StateExpired   = "expired"
)

// Sender broadcasts an already-encoded codec frame to every authenticated
// peer.
type Sender interface {
	Broadcast(ctx context.Context, frame []byte) error
}

// Lock owns the local node's Announce/Wait/Commit state machine and the
// bounded cache of remote intents observed during the wait window.
type Lock struct {
	Store  *store.Store
	Sender Sender
	NowFn  func() time.Time

	Wait time.Duration

	mu      sync.Mutex
	remote  map[string]*list.Element // intent_id -> cache entry
	order   *list.List               // oldest-first eviction order
}

type cacheEntry struct {
	id        string
	kind      string
	subject   string
	owner     string
	announced time.Time
	deadline  time.Time
}

// NewLock builds a Lock with an empty remote-intent cache.
func NewLock(s *store.Store, sender Sender) *Lock {
	return &Lock{
		Store:  s,
		Sender: sender,
		Wait:   DefaultWait,
		remote: make(map[string]*list.Element),
		order:  list.New(),
	}
}

func (l *Lock) now() time.Time {
	if l.NowFn != nil {
		return l.NowFn()
	}
	return time.Now()
}

func (l *Lock) wait() time.Duration {
	if l.Wait <= 0 {
		return DefaultWait
	}
	return l.Wait
}

// Announce persists a new Announced intent owned by owner, with its commit
// deadline one Wait window from now, and returns it. It builds and sends no
// frame: callers encode, sign and broadcast INTENT_ANNOUNCE themselves;
// Lock only owns the lock state machine, not wire signing.
func (l *Lock) Announce(ctx context.Context, owner, kind, subject string) (*store.Intent, error) {
	now := l.now()
	in := &store.Intent{
		IntentID:       uuid.NewString(),
		Owner:          owner,
		Kind:           kind,
		Subject:        subject,
		State:          StateAnnounced,
		AnnouncedAt:    now,
		CommitDeadline: now.Add(l.wait()),
	}
	err := l.Store.Tx(ctx, func(tx *store.Tx) error {
		return tx.CreateIntent(in)
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}

// ObserveRemote records a competing INTENT_ANNOUNCE from another node in the
// bounded remote cache, evicting the oldest entry first once the cache is
// full — mirrors the eviction discipline of identity.LRUReplayGuard but
// keyed purely by insertion order rather than expiry, since remote intents
// have no TTL of their own beyond resolution.
func (l *Lock) ObserveRemote(id, kind, subject, owner string, announcedAt, deadline time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.remote[id]; ok {
		el.Value.(*cacheEntry).deadline = deadline
		return
	}
	entry := &cacheEntry{id: id, kind: kind, subject: subject, owner: owner, announced: announcedAt, deadline: deadline}
	el := l.order.PushBack(entry)
	l.remote[id] = el

	for l.order.Len() > MaxRemoteCache {
		oldest := l.order.Front()
		l.order.Remove(oldest)
		delete(l.remote, oldest.Value.(*cacheEntry).id)
	}
}

// ResolveRemote drops id from the remote cache once its owner has
// broadcast a terminal decision (INTENT_COMMIT or INTENT_ABORT): a resolved
// intent no longer competes with anything still in its announce window.
func (l *Lock) ResolveRemote(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.remote[id]; ok {
		l.order.Remove(el)
		delete(l.remote, id)
	}
}

// competitors returns every cached remote intent whose (kind, subject)
// matches and whose announcement window overlaps the local intent's.
func (l *Lock) competitors(local *store.Intent) []*cacheEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*cacheEntry
	for e := l.order.Front(); e != nil; e = e.Next() {
		c := e.Value.(*cacheEntry)
		if c.kind != local.Kind || c.subject != local.Subject {
			continue
		}
		if c.announced.After(local.CommitDeadline) || local.AnnouncedAt.After(c.deadline) {
			continue // non-overlapping announcement windows
		}
		out = append(out, c)
	}
	return out
}

// Resolve runs the deterministic tie-break for a local intent once its Wait
// window has elapsed: the lexicographically smallest intent_id among
// {self} ∪ competitors wins. The loser transition (StateAborted) is applied
// to the local row when this node lost; the caller is responsible for
// broadcasting INTENT_COMMIT or INTENT_ABORT based on the returned bool.
func (l *Lock) Resolve(ctx context.Context, in *store.Intent) (won bool, err error) {
	candidates := []string{in.IntentID}
	for _, c := range l.competitors(in) {
		candidates = append(candidates, c.id)
	}
	sort.Strings(candidates)
	won = candidates[0] == in.IntentID

	state := StateAborted
	if won {
		state = StateCommitted
	}
	err = l.Store.Tx(ctx, func(tx *store.Tx) error {
		return tx.UpdateIntentState(in.IntentID, state, nil)
	})
	return won, err
}

// Sweep transitions any locally Announced intent past
// commit_deadline + 2*Wait to Expired — the backstop for an owner that
// crashed or lost connectivity before resolving.
func (l *Lock) Sweep(ctx context.Context) error {
	now := l.now()
	grace := 2 * l.wait()
	return l.Store.Tx(ctx, func(tx *store.Tx) error {
		pending, err := tx.IntentsInState(StateAnnounced)
		if err != nil {
			return err
		}
		for _, in := range pending {
			if now.After(in.CommitDeadline.Add(grace)) {
				resolvedAt := now
				if err := tx.UpdateIntentState(in.IntentID, StateExpired, &resolvedAt); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// CacheSize reports the current remote-intent cache occupancy, for metrics.
func (l *Lock) CacheSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}
