package routes

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"verto/gateway/middleware"
	"verto/gateway/store"
	"verto/native/escrow"
)

const (
	webhookRequestLimit = 16 << 10
	maxWebhookRateLimit = 6000
)

var webhookEventTypes = map[string]struct{}{
	store.WildcardEventType:                 {},
	escrow.EventTypeEscrowCreated:           {},
	escrow.EventTypeEscrowFunded:            {},
	escrow.EventTypeEscrowCancelled:         {},
	escrow.EventTypeEscrowDelivered:         {},
	escrow.EventTypeEscrowRevisionRequested: {},
	escrow.EventTypeEscrowReleased:          {},
	escrow.EventTypeEscrowDisputed:          {},
	escrow.EventTypeEscrowResolved:          {},
	escrow.EventTypeTreasuryUpdated:         {},
	escrow.EventTypeStoreOwnerUpdated:       {},
}

type webhookRequest struct {
	EventType string `json:"eventType"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
	RateLimit int    `json:"rateLimit"`
}

// webhookCreated echoes the signing secret once; later listings omit it.
type webhookCreated struct {
	store.WebhookSubscription
	Secret string `json:"secret"`
}

func principalOf(r *http.Request) string {
	if p := middleware.Subject(r.Context()); p != "" {
		return p
	}
	return anonymousPrincipal
}

func (a *api) createWebhook(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(io.LimitReader(r.Body, webhookRequestLimit))
	dec.DisallowUnknownFields()
	var req webhookRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode webhook: %w", err))
		return
	}
	sub, err := validateWebhook(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if sub.Secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		sub.Secret = hex.EncodeToString(buf)
	}
	sub.Principal = principalOf(r)
	sub.Active = true
	sub.CreatedAt = a.nowFn().UTC()
	id, err := a.store.InsertWebhook(r.Context(), sub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sub.ID = id
	a.logger.Info("webhook registered", "id", id, "principal", sub.Principal, "eventType", sub.EventType)
	writeJSON(w, http.StatusCreated, webhookCreated{WebhookSubscription: sub, Secret: sub.Secret})
}

func validateWebhook(req webhookRequest) (store.WebhookSubscription, error) {
	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		return store.WebhookSubscription{}, errors.New("eventType is required")
	}
	if _, ok := webhookEventTypes[eventType]; !ok {
		return store.WebhookSubscription{}, fmt.Errorf("unknown eventType %q", eventType)
	}
	target, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return store.WebhookSubscription{}, fmt.Errorf("url must be an absolute http or https URL")
	}
	if req.RateLimit < 0 || req.RateLimit > maxWebhookRateLimit {
		return store.WebhookSubscription{}, fmt.Errorf("rateLimit must be between 0 and %d", maxWebhookRateLimit)
	}
	limit := req.RateLimit
	if limit == 0 {
		limit = store.DefaultWebhookRateLimit
	}
	return store.WebhookSubscription{
		EventType: eventType,
		URL:       target.String(),
		Secret:    strings.TrimSpace(req.Secret),
		RateLimit: limit,
	}, nil
}

func (a *api) listWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := a.store.ListWebhooks(r.Context(), principalOf(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if subs == nil {
		subs = []store.WebhookSubscription{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": subs})
}

func (a *api) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid webhook id %q", raw))
		return
	}
	ok, err := a.store.DeactivateWebhook(r.Context(), principalOf(r), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("webhook %d not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
