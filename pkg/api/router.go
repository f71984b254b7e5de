// Package api exposes the webhook endpoints and the contact read API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/zoff-tech/go-contactsync/pkg/delivery"
	"github.com/zoff-tech/go-contactsync/pkg/ingest"
	"github.com/zoff-tech/go-contactsync/pkg/store"
)

// Receiver accepts inbound webhooks.
type Receiver interface {
	Receive(ctx context.Context, body []byte, signatureHeader, timestampHeader string) (ingest.Receipt, error)
}

// Deliveries triggers and lists outbound deliveries.
type Deliveries interface {
	Simulate(ctx context.Context, eventType string, data json.RawMessage, targetURL string) (delivery.Result, error)
	History(ctx context.Context, filter store.DeliveryFilter) ([]store.OutboundDelivery, error)
}

type Handler struct {
	receiver   Receiver
	deliveries Deliveries
	contacts   store.ContactReader
	logger     *slog.Logger
}

func NewHandler(receiver Receiver, deliveries Deliveries, contacts store.ContactReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		receiver:   receiver,
		deliveries: deliveries,
		contacts:   contacts,
		logger:     logger.With("component", "api"),
	}
}

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(handler.recoverMiddleware)
	r.Use(handler.loggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}) })

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/contacts", handler.receiveWebhook)
		r.Post("/simulate", handler.simulate)
		r.Get("/deliveries", handler.listDeliveries)
	})
	r.Route("/contacts", func(r chi.Router) {
		r.Get("/", handler.listContacts)
		r.Get("/{id}", handler.getContact)
	})

	return otelhttp.NewHandler(r, "contactsync",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
