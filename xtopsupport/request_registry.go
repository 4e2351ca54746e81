package xtopsupport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// RequestRegistry owns the collection of assistance requests: an in-memory
// cache of live entities in front of the database, lookups by request ID,
// thread ID and user, and quota-checked creation.
//
// The cache is the source of truth for status derivation (it holds the live
// mutable fields); storage is updated write-through on terminal transitions.
// Every mutating operation on a request must run inside WithRequestLock for
// that request's ID, so guard-then-act transitions (accept, cancel, close)
// cannot interleave.
type RequestRegistry struct {
	db     DBI
	logger *slog.Logger

	mu       sync.RWMutex
	byID     map[string]*RequestAssistant
	byThread map[string]string // thread ID -> request ID

	locks   map[string]*sync.Mutex
	locksMu sync.Mutex

	notifier DBNotifier
}

func NewRequestRegistry(db DBI, logger *slog.Logger) *RequestRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestRegistry{
		db:       db,
		logger:   logger.With(loggerNameKey, "requests"),
		byID:     map[string]*RequestAssistant{},
		byThread: map[string]string{},
		locks:    map[string]*sync.Mutex{},
	}
}

// SetNotifier wires the cross-instance notifier. Optional; when set, the
// registry announces request updates after terminal persists.
func (r *RequestRegistry) SetNotifier(n DBNotifier) {
	r.notifier = n
}

// WithRequestLock runs fn while holding the per-request mutex for the given
// ID. All state-changing operations on a request go through here.
func (r *RequestRegistry) WithRequestLock(id string, fn func() error) error {
	r.locksMu.Lock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	r.locksMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

func (r *RequestRegistry) cache(req *RequestAssistant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[req.ID] = req
	if req.ThreadID != "" {
		r.byThread[req.ThreadID] = req.ID
	}
}

func (r *RequestRegistry) cached(idOrThreadID string) *RequestAssistant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if req, ok := r.byID[idOrThreadID]; ok {
		return req
	}
	if id, ok := r.byThread[idOrThreadID]; ok {
		return r.byID[id]
	}
	return nil
}

// Evict drops a request from the in-memory cache. The next Fetch
// rehydrates it from storage.
func (r *RequestRegistry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req, ok := r.byID[id]; ok {
		if req.ThreadID != "" {
			delete(r.byThread, req.ThreadID)
		}
		delete(r.byID, id)
	}
}

// Fetch returns the request with the given ID, or the request associated
// with the given thread ID. Cache-first unless force is set; on a miss the
// row is loaded from storage and cached. Returns nil when nothing matches.
//
// Fetch also performs lazy expiry: a searching request observed after its
// token expiry window is closed on the spot, so its derived status becomes
// expired. There is no active timer; expiry only happens on observation.
func (r *RequestRegistry) Fetch(
	ctx context.Context,
	idOrThreadID string,
	force bool,
) (*RequestAssistant, error) {
	if !force {
		if req := r.cached(idOrThreadID); req != nil {
			r.observeExpiry(ctx, req)
			return req, nil
		}
	}

	var row RequestAssistant
	err := r.db.DB().WithContext(ctx).Where(
		"id = ? OR thread_id = ?", idOrThreadID, idOrThreadID,
	).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	// A forced fetch must not replace a live cached entity: interaction
	// handlers may hold a reference to it. Merge storage state into the
	// cached copy instead, under the request lock so the merge cannot
	// interleave with a guard-then-act transition on the same entity.
	if existing := r.cached(row.ID); existing != nil {
		err := r.WithRequestLock(
			row.ID, func() error {
				// re-read under the lock: the row above may predate a
				// transition that persisted while we waited
				fresh := row
				rerr := r.db.DB().WithContext(ctx).Where(
					"id = ?", row.ID,
				).Take(&fresh).Error
				if rerr != nil && !errors.Is(rerr, gorm.ErrRecordNotFound) {
					return rerr
				}
				*existing = fresh
				r.observeExpiryLocked(ctx, existing)
				return nil
			},
		)
		if err != nil {
			return nil, err
		}
		r.cache(existing)
		return existing, nil
	}

	req := &row
	r.cache(req)
	r.observeExpiry(ctx, req)
	return req, nil
}

// observeExpiry closes a searching request whose token expiry window has
// passed, making its derived status 'expired'.
func (r *RequestRegistry) observeExpiry(ctx context.Context, req *RequestAssistant) {
	if req.Status() != RequestStatusSearching ||
		!req.TokenExpired(time.Now().UTC()) {
		return
	}

	_ = r.WithRequestLock(req.ID, func() error {
		r.observeExpiryLocked(ctx, req)
		return nil
	})
}

// observeExpiryLocked is observeExpiry's body; the caller must hold the
// request lock.
func (r *RequestRegistry) observeExpiryLocked(
	ctx context.Context,
	req *RequestAssistant,
) {
	now := time.Now().UTC()
	// re-check under the lock; another handler may have raced us
	if req.Status() != RequestStatusSearching || !req.TokenExpired(now) {
		return
	}
	req.ClosedAt = now.UnixMilli()
	r.logger.InfoContext(ctx, "request expired on observation", "request", req)
	if err := r.PersistTerminal(ctx, req); err != nil {
		r.logger.ErrorContext(ctx, "error persisting expired request", tint.Err(err))
	}
	if _, err := r.db.Create(ctx, newAuditLog(
		AuditEventRequestExpired, req.ID, req.GuildID, "", "",
	)); err != nil {
		r.logger.ErrorContext(ctx, "error writing audit log", tint.Err(err))
	}
}

// FetchUser returns the user's most recent requests, newest first, bounded
// by limit. Always read-through: the query hits storage and refreshes the
// cache for each row. The optional filter is applied to the derived status.
func (r *RequestRegistry) FetchUser(
	ctx context.Context,
	userID string,
	limit int,
	filter func(*RequestAssistant) bool,
) ([]*RequestAssistant, error) {
	var rows []*RequestAssistant
	q := r.db.DB().WithContext(ctx).Where("user_id = ?", userID).
		Order("requested_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	results := make([]*RequestAssistant, 0, len(rows))
	for _, row := range rows {
		req := row
		if existing := r.cached(row.ID); existing != nil {
			// prefer the live entity; it may hold uncommitted mutations
			req = existing
		} else {
			r.cache(req)
		}
		if filter == nil || filter(req) {
			results = append(results, req)
		}
	}
	return results, nil
}

// Searching returns the user's current searching request, if any. The scan
// is system-wide, not per-guild: a user may only ever have one searching
// request at a time, anywhere.
func (r *RequestRegistry) Searching(
	ctx context.Context,
	userID string,
) (*RequestAssistant, error) {
	matches, err := r.FetchUser(
		ctx, userID, 0, func(req *RequestAssistant) bool {
			r.observeExpiry(ctx, req)
			return req.Status() == RequestStatusSearching
		},
	)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

// Create inserts a new searching request after enforcing the preconditions:
// the requester has a locale, has no searching request anywhere, and is
// under all three daily UTC quotas. The persisted insert happens before the
// cache insert; a failure in between leaves storage authoritative.
func (r *RequestRegistry) Create(
	ctx context.Context,
	userID string,
	guildID string,
	issue string,
	locale string,
	interactionToken string,
	mintedAt time.Time,
) (*RequestAssistant, error) {
	if locale == "" {
		return nil, ErrLocaleNotSet
	}

	existing, err := r.Searching(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyRequested
	}

	now := time.Now().UTC()
	dayStart := startOfUTCDay(now).UnixMilli()
	recent, err := r.FetchUser(
		ctx, userID, 0, func(req *RequestAssistant) bool {
			return req.RequestedAt >= dayStart ||
				(req.ClosedAt != 0 && req.ClosedAt >= dayStart)
		},
	)
	if err != nil {
		return nil, err
	}
	if dailyQuotaExceeded(recent, now) {
		return nil, ErrQuotaExceeded
	}

	req := NewRequestAssistant(userID, guildID, issue, locale, interactionToken, mintedAt)
	if _, err := r.db.Create(ctx, req); err != nil {
		return nil, err
	}
	r.cache(req)

	if _, err := r.db.Create(ctx, newAuditLog(
		AuditEventRequestCreated, req.ID, guildID, userID, truncate(issue, 50),
	)); err != nil {
		r.logger.ErrorContext(ctx, "error writing audit log", tint.Err(err))
	}

	r.logger.InfoContext(ctx, "created assistance request", "request", req)
	return req, nil
}

// IndexThread records the thread ID -> request ID mapping once a thread
// has been created for a request.
func (r *RequestRegistry) IndexThread(req *RequestAssistant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.ThreadID != "" {
		r.byThread[req.ThreadID] = req.ID
	}
}

// PersistTerminal writes the raw lifecycle fields through to storage.
// Status itself is never stored; only the fields it derives from.
func (r *RequestRegistry) PersistTerminal(
	ctx context.Context,
	req *RequestAssistant,
) error {
	_, err := r.db.Updates(
		ctx, req, map[string]any{
			columnRequestThreadID:          req.ThreadID,
			columnRequestThreadCreatedAt:   req.ThreadCreatedAt,
			columnRequestAssistantID:       req.AssistantID,
			columnRequestClosedAt:          req.ClosedAt,
			columnRequestRequesterInactive: req.RequesterInactive,
		},
	)
	if err != nil {
		return err
	}
	if r.notifier != nil {
		ctx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
		defer cancel()
		r.notifier.RequestUpdated(ctx, req.ID)
	}
	return nil
}
