package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/maxpert/mglock/encoding"
	"github.com/maxpert/mglock/lock"
	"github.com/maxpert/mglock/lockctx"
	"github.com/maxpert/mglock/notify"
	"github.com/maxpert/mglock/txn"
	"github.com/rs/zerolog/log"
)

// AdminHandlers serves read-mostly diagnostics over one lock hierarchy.
type AdminHandlers struct {
	hierarchy *lockctx.Hierarchy
	manager   *lock.Manager
	filter    *ResourceFilter
	hub       *notify.Hub
}

// NewAdminHandlers creates a new AdminHandlers instance. hub may be nil, in
// which case the event stream is unavailable.
func NewAdminHandlers(hierarchy *lockctx.Hierarchy, hub *notify.Hub, patternCacheSize int) (*AdminHandlers, error) {
	filter, err := NewResourceFilter(patternCacheSize)
	if err != nil {
		return nil, err
	}
	return &AdminHandlers{
		hierarchy: hierarchy,
		manager:   hierarchy.Manager(),
		filter:    filter,
		hub:       hub,
	}, nil
}

// ResourceView describes one resource from the table and the hierarchy.
type ResourceView struct {
	lock.ResourceState
	Materialized bool `json:"materialized" msgpack:"materialized"`
	ReadOnly     bool `json:"read_only" msgpack:"read_only"`
}

// TxnView is a transaction's locks with the hierarchy's view of each.
type TxnView struct {
	Txn   txn.ID        `json:"txn_id" msgpack:"txn_id"`
	Locks []TxnLockView `json:"locks" msgpack:"locks"`
}

type TxnLockView struct {
	lock.Lock
	Effective  lock.Kind `json:"effective" msgpack:"effective"`
	ChildLocks int       `json:"child_locks" msgpack:"child_locks"`
}

// StatsView is the payload of /stats.
type StatsView struct {
	lock.Stats
	Contexts         int    `json:"contexts" msgpack:"contexts"`
	CachedPatterns   int    `json:"cached_patterns" msgpack:"cached_patterns"`
	EventSubscribers int    `json:"event_subscribers" msgpack:"event_subscribers"`
	DroppedEvents    uint64 `json:"dropped_events" msgpack:"dropped_events"`
}

// handleLocks lists every resource with holders or waiters.
// Query: pattern (glob over "a/b/c" names), format (json|msgpack),
// compress (zstd). Responses carry an ETag so pollers can skip unchanged
// tables with If-None-Match.
func (h *AdminHandlers) handleLocks(w http.ResponseWriter, r *http.Request) {
	states, err := h.filter.Filter(r.URL.Query().Get("pattern"), h.manager.Snapshot())
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	etag := snapshotETag(r, states)
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeEncodedResponse(w, r, states)
}

// handleEvents streams lock table events as newline-delimited JSON until
// the client goes away. Query: resource (subtree filter), txn.
func (h *AdminHandlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeErrorResponse(w, http.StatusNotFound, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var filter notify.Filter
	q := r.URL.Query()
	if raw := q.Get("resource"); raw != "" {
		name, err := lock.ParseResourceName(raw)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Resource = name
	}
	if raw := q.Get("txn"); raw != "" {
		t, err := txn.ParseID(raw)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid transaction ID")
			return
		}
		filter.Txn = t
	}

	events, cancel := h.hub.Subscribe(filter)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(e); err != nil {
				log.Debug().Err(err).Msg("Event stream closed")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *AdminHandlers) handleTxnLocks(w http.ResponseWriter, r *http.Request) {
	t, ok := parseTxnID(w, r)
	if !ok {
		return
	}

	locks := h.manager.Locks(t)
	view := TxnView{Txn: t, Locks: make([]TxnLockView, 0, len(locks))}
	for _, l := range locks {
		entry := TxnLockView{Lock: l, Effective: l.Kind}
		if c, ok := h.hierarchy.Lookup(l.Name); ok {
			entry.Effective = c.EffectiveLockType(t)
			entry.ChildLocks = c.NumChildLocks(t)
		}
		view.Locks = append(view.Locks, entry)
	}
	writeEncodedResponse(w, r, view)
}

// handleReleaseTxn aborts a transaction from the outside, typically a
// deadlock victim picked by an operator.
func (h *AdminHandlers) handleReleaseTxn(w http.ResponseWriter, r *http.Request) {
	t, ok := parseTxnID(w, r)
	if !ok {
		return
	}

	released := h.hierarchy.ReleaseAll(t)
	log.Warn().
		Uint64("txn_id", uint64(t)).
		Int("released", len(released)).
		Msg("Released transaction locks via admin")

	writeJSONResponse(w, map[string]interface{}{
		"txn_id":   t,
		"released": released,
	})
}

func (h *AdminHandlers) handleResource(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("name")
	if raw == "" {
		writeErrorResponse(w, http.StatusBadRequest, "name parameter is required")
		return
	}
	name, err := lock.ParseResourceName(raw)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	view := ResourceView{
		ResourceState: lock.ResourceState{
			Name:    name,
			Holders: h.manager.ResourceLocks(name),
			Waiters: h.manager.Waiting(name),
		},
	}
	if c, ok := h.hierarchy.Lookup(name); ok {
		view.Materialized = true
		view.ReadOnly = c.ReadOnly()
	}
	writeEncodedResponse(w, r, view)
}

func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	view := StatsView{
		Stats:          h.manager.Stats(),
		Contexts:       h.hierarchy.Size(),
		CachedPatterns: h.filter.Cached(),
	}
	if h.hub != nil {
		view.EventSubscribers = h.hub.Subscribers()
		view.DroppedEvents = h.hub.Dropped()
	}
	writeEncodedResponse(w, r, view)
}

// snapshotETag hashes the table contents together with the representation
// options.
func snapshotETag(r *http.Request, states []lock.ResourceState) string {
	d := xxhash.New()
	q := r.URL.Query()
	_, _ = d.WriteString(q.Get("format"))
	_, _ = d.WriteString("|" + q.Get("compress") + "|")
	for _, s := range states {
		_, _ = d.WriteString(s.Name.String())
		for _, group := range [][]lock.Lock{s.Holders, s.Waiters} {
			_, _ = d.WriteString("|")
			for _, l := range group {
				_, _ = d.WriteString(strconv.FormatUint(uint64(l.Txn), 10) + ":" + l.Kind.String() + ",")
			}
		}
		_, _ = d.WriteString("\n")
	}
	return fmt.Sprintf("\"%016x\"", d.Sum64())
}

func parseTxnID(w http.ResponseWriter, r *http.Request) (txn.ID, bool) {
	t, err := txn.ParseID(chi.URLParam(r, "txnID"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid transaction ID")
		return 0, false
	}
	return t, true
}

// writeEncodedResponse honours the format and compress query parameters.
// Plain JSON keeps the {"data": ...} envelope.
func writeEncodedResponse(w http.ResponseWriter, r *http.Request, data interface{}) {
	q := r.URL.Query()
	format, err := encoding.ParseFormat(q.Get("format"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	compress := false
	switch q.Get("compress") {
	case "":
	case "zstd":
		compress = true
	default:
		writeErrorResponse(w, http.StatusBadRequest, "unsupported compression")
		return
	}

	if format == encoding.JSON && !compress {
		writeJSONResponse(w, data)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	if compress {
		w.Header().Set("Content-Encoding", "zstd")
	}
	if err := encoding.Encode(w, data, format, compress); err != nil {
		log.Error().Err(err).Str("format", string(format)).Msg("Failed to encode response")
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
