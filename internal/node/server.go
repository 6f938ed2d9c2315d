package node

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"txstore/internal/clock"
	"txstore/internal/membership"
	"txstore/internal/storage"
	"txstore/internal/termination"
	"txstore/internal/txn"
)

const contentTypeJSON = "application/json"

type api struct {
	r      *Replica
	logger *zap.Logger
}

// NewRouter builds the client-facing HTTP API of r.
func NewRouter(r *Replica) http.Handler {
	a := &api{r: r, logger: r.logger.Named("http")}
	router := chi.NewRouter()

	router.Get("/health", a.handleHealth)
	router.Handle("/metrics", promhttp.Handler())
	router.Route("/v1", func(v1 chi.Router) {
		v1.Get("/keys/{key}", a.handleGet)
		v1.Put("/keys/{key}", a.handlePut)
		v1.Get("/keys/{key}/versions", a.handleVersions)
		v1.Post("/txn", a.handleTxn)
		v1.Get("/partition/{key}", a.handlePartition)
		v1.Get("/stats", a.handleStats)
		v1.Get("/members", a.handleMembers)
	})
	return router
}

func (a *api) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("error encoding response", zap.Error(err))
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotOwned):
		status = http.StatusMisdirectedRequest
	case errors.Is(err, storage.ErrVisibilityRetriesExhausted),
		errors.Is(err, termination.ErrVoteTimeout),
		errors.Is(err, termination.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	a.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "replica": a.r.id})
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	t := a.r.Begin()
	value, found, err := t.Read(r.Context(), key)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if _, err := t.Commit(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	if !found {
		a.writeJSON(w, http.StatusNotFound, errorResponse{Error: "key not found"})
		return
	}
	rec := t.Record()
	a.writeJSON(w, http.StatusOK, ReadJSON{
		Key:     key,
		Found:   true,
		Value:   string(value),
		Version: int64(readVersion(rec, key)),
	})
}

func (a *api) handlePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	t := a.r.Begin()
	if err := t.Write(r.Context(), key, []byte(body.Value)); err != nil {
		a.writeError(w, err)
		return
	}
	a.commit(w, r, t, nil)
}

func (a *api) handleTxn(w http.ResponseWriter, r *http.Request) {
	var req TxnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	typ, ok := parseTxnType(req.Type)
	if !ok {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown transaction type " + req.Type})
		return
	}

	t := a.r.newTxn(typ)
	reads := make([]ReadJSON, 0, len(req.Reads))
	for _, key := range req.Reads {
		value, found, err := t.Read(r.Context(), key)
		if err != nil {
			a.writeError(w, err)
			return
		}
		reads = append(reads, ReadJSON{Key: key, Found: found, Value: string(value)})
	}
	for _, e := range req.Writes {
		if err := t.Write(r.Context(), e.Key, []byte(e.Value)); err != nil {
			a.writeError(w, err)
			return
		}
	}
	for _, e := range req.Creates {
		if err := t.Create(e.Key, []byte(e.Value)); err != nil {
			a.writeError(w, err)
			return
		}
	}
	a.commit(w, r, t, reads)
}

func (a *api) commit(w http.ResponseWriter, r *http.Request, t *Txn, reads []ReadJSON) {
	outcome, err := t.Commit(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	rec := t.Record()
	for i := range reads {
		reads[i].Version = int64(readVersion(rec, reads[i].Key))
	}
	status := http.StatusOK
	if outcome == txn.Aborted {
		status = http.StatusConflict
	}
	a.writeJSON(w, status, TxnResponse{
		Handler:  rec.Handler.String(),
		Outcome:  outcome.String(),
		Snapshot: int64(rec.Snapshot),
		Reads:    reads,
	})
}

func (a *api) handleVersions(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !a.r.part.IsLocal(key) {
		a.writeError(w, &storage.OwnershipError{Key: key})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"key": key, "versions": a.r.store.Versions(key)})
}

func (a *api) handlePartition(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	owner, err := a.r.part.Owner(key)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, PartitionResponse{
		Key:      key,
		Group:    owner.Name,
		Replicas: membership.Replicas(a.r.view, []string{owner.Name}),
		Local:    owner.Contains(a.r.id),
	})
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, StatsResponse{
		Replica:  a.r.id,
		Groups:   a.r.view.MyGroups(),
		Keys:     a.r.store.Len(),
		Last:     lastVersions(a.r.clocks),
		InFlight: a.r.clocks.InFlight(),
		Pending:  a.r.coord.Pending(),
	})
}

func lastVersions(c *clock.Clocks) map[string]int64 {
	out := make(map[string]int64)
	for g, v := range c.Last() {
		out[g] = int64(v)
	}
	return out
}

// handleMembers lists every replica of the roster with its group and
// believed liveness.
func (a *api) handleMembers(w http.ResponseWriter, r *http.Request) {
	view := a.r.view
	out := make([]MemberResponse, 0)
	for _, g := range view.Groups() {
		for _, replica := range g.Replicas {
			out = append(out, MemberResponse{
				ID:    replica,
				Group: g.Name,
				Alive: view.Alive(replica),
				Self:  replica == view.Self(),
			})
		}
	}
	a.writeJSON(w, http.StatusOK, out)
}
