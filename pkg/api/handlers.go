package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zoff-tech/go-contactsync/pkg/contact"
	"github.com/zoff-tech/go-contactsync/pkg/failures"
	"github.com/zoff-tech/go-contactsync/pkg/signature"
	"github.com/zoff-tech/go-contactsync/pkg/store"
)

const maxBodyBytes = 1 << 20

type simulateRequest struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	TargetURL string          `json:"targetUrl"`
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, failures.Validation("request body could not be read", map[string]string{"body": err.Error()})
	}
	return body, nil
}

func (h *Handler) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	receipt, err := h.receiver.Receive(r.Context(), body,
		r.Header.Get(signature.HeaderSignature), r.Header.Get(signature.HeaderTimestamp))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *Handler) simulate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req simulateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, failures.Validation("malformed simulate request", map[string]string{"body": err.Error()}))
		return
	}
	res, err := h.deliveries.Simulate(r.Context(), req.Event, req.Data, req.TargetURL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter := store.DeliveryFilter{
		EventID: r.URL.Query().Get("eventId"),
		Limit:   limit,
		Offset:  offset,
	}
	if s := r.URL.Query().Get("status"); s != "" {
		switch st := store.DeliveryStatus(s); st {
		case store.DeliveryPending, store.DeliveryDelivered, store.DeliveryFailed:
			filter.Status = st
		default:
			h.writeError(w, r, failures.Validation("unknown delivery status", map[string]string{"status": s}))
			return
		}
	}
	rows, err := h.deliveries.History(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, failures.Persistence(err, "failed to list deliveries"))
		return
	}
	if rows == nil {
		rows = []store.OutboundDelivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": rows})
}

func (h *Handler) listContacts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	filter := store.ContactFilter{
		Source: r.URL.Query().Get("source"),
		Limit:  limit,
		Offset: offset,
	}
	if s := r.URL.Query().Get("status"); s != "" {
		st, ok := contact.ParseStatus(s)
		if !ok {
			h.writeError(w, r, failures.Validation("unknown contact status", map[string]string{"status": s}))
			return
		}
		filter.Status = st
	}
	contacts, err := h.contacts.ListContacts(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, failures.Persistence(err, "failed to list contacts"))
		return
	}
	if contacts == nil {
		contacts = []contact.Contact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": contacts})
}

func (h *Handler) getContact(w http.ResponseWriter, r *http.Request) {
	c, err := h.contacts.GetContact(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, r, failures.NotFound("contact not found"))
	case err != nil:
		h.writeError(w, r, failures.Persistence(err, "failed to load contact"))
	default:
		writeJSON(w, http.StatusOK, c)
	}
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if limit, err = intParam(q.Get("limit")); err != nil {
		return 0, 0, failures.Validation("invalid limit", map[string]string{"limit": "numeric"})
	}
	if offset, err = intParam(q.Get("offset")); err != nil {
		return 0, 0, failures.Validation("invalid offset", map[string]string{"offset": "numeric"})
	}
	return limit, offset, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("not a non-negative integer")
	}
	return n, nil
}
