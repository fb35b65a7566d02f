package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"verto/crypto"
	"verto/gateway/store"
	"verto/native/escrow"
	"verto/rpc"
)

func (a *api) nodeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), a.timeout)
}

func parseID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid escrow id %q", raw)
	}
	return id, nil
}

func (a *api) escrowGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := a.nodeContext(r)
	defer cancel()
	view, err := a.node.Escrow(ctx, id)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("escrow %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *api) escrowCount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.nodeContext(r)
	defer cancel()
	count, err := a.node.EscrowCount(ctx)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"count": count})
}

func (a *api) escrowReviewExpired(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := a.nodeContext(r)
	defer cancel()
	expired, err := a.node.EscrowReviewExpired(ctx, id)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "expired": expired})
}

func (a *api) accountEscrows(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid address: %w", err))
		return
	}
	ctx, cancel := a.nodeContext(r)
	defer cancel()
	views, err := a.node.EscrowsFor(ctx, addr)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := views[:0]
		for _, v := range views {
			if strings.EqualFold(v.Status, status) {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}
	if views == nil {
		views = []escrow.View{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": crypto.FormatAddress(addr),
		"escrows": views,
	})
}

func (a *api) treasury(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.nodeContext(r)
	defer cancel()
	treasury, err := a.node.EscrowTreasury(ctx)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	owner, err := a.node.EscrowOwner(ctx)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"treasury": treasury, "storeOwner": owner})
}

// events serves the local mirror rather than the node so that consumers can
// page through history without load on the producer.
func (a *api) events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.EventFilter{Type: q.Get("type"), EscrowID: q.Get("escrow")}
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after cursor %q", raw))
			return
		}
		filter.After = after
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}
	events, err := a.store.ListEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	next := filter.After
	if len(events) > 0 {
		next = events[len(events)-1].Sequence
	}
	if events == nil {
		events = []store.StoredEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "next": next})
}

type errorBody struct {
	Error   string      `json:"error"`
	RPCCode int         `json:"rpcCode,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeNodeError(w http.ResponseWriter, err error) {
	status, body := nodeErrorBody(err)
	writeJSON(w, status, body)
}

func nodeErrorBody(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}
	if rpcErr, ok := err.(*rpc.RPCError); ok {
		body.RPCCode = rpcErr.Code
		body.Data = rpcErr.Data
	}
	return rpc.HTTPStatus(err), body
}
