package api

import (
	"io"
	"net/http"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/middlewares"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"
	"github.com/ledgersync/ledger-connector/internal/webhook"
	"github.com/redhatinsights/platform-go-middlewares/request_id"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxWebhookBodyBytes = 1048576

// WebhookReceiver is the provider-facing ingress.  It authenticates
// batches by HMAC signature instead of the PSK middleware: the provider
// signs the raw body with the shared key agreed at app registration.
type WebhookReceiver struct {
	eventStore webhook.EventStore
	router     *mux.Router
	config     *config.Config
}

func NewWebhookReceiver(eventStore webhook.EventStore, r *mux.Router, cfg *config.Config) *WebhookReceiver {
	return &WebhookReceiver{
		eventStore: eventStore,
		router:     r,
		config:     cfg,
	}
}

func (wr *WebhookReceiver) Routes() {
	mmw := &middlewares.MetricsMiddleware{}

	subRouter := wr.router.PathPrefix("/webhooks").Subrouter()
	subRouter.Use(logger.AccessLoggerMiddleware,
		mmw.RecordHTTPMetrics)

	subRouter.HandleFunc("/accounting", wr.handleWebhook()).Methods(http.MethodPost)
}

type webhookResponse struct {
	Received int `json:"received"`
	Inserted int `json:"inserted"`
}

func (wr *WebhookReceiver) handleWebhook() http.HandlerFunc {

	return func(w http.ResponseWriter, req *http.Request) {

		requestId := request_id.GetReqID(req.Context())
		log := logger.Log.WithFields(logrus.Fields{"request_id": requestId})

		if wr.config.WebhookSharedKey == "" {
			log.Error("Webhook shared key is not configured")
			writeJSONResponse(w, http.StatusInternalServerError, errorResponse{
				Title:  "Webhook ingress is not configured",
				Status: http.StatusInternalServerError,
				Detail: "signature verification key unavailable"})
			return
		}

		rawBody, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBodyBytes))
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, errorResponse{
				Title:  "Unable to read request body",
				Status: http.StatusBadRequest,
				Detail: err.Error()})
			return
		}

		signature := req.Header.Get(wr.config.WebhookSignatureHeader)

		// Verify before parsing.  An unsigned or mis-signed batch gets no
		// further inspection.
		if !webhook.VerifySignature(rawBody, signature, wr.config.WebhookSharedKey) {
			log.Info("Rejected webhook batch with an invalid signature")
			writeJSONResponse(w, http.StatusUnauthorized, errorResponse{
				Title:  "Invalid webhook signature",
				Status: http.StatusUnauthorized,
				Detail: "signature verification failed"})
			return
		}

		payload, err := webhook.ParsePayload(rawBody)
		if err != nil {
			log.WithFields(logrus.Fields{"error": err}).Info("Rejected malformed webhook batch")
			writeJSONResponse(w, http.StatusBadRequest, errorResponse{
				Title:  "Unable to process json input",
				Status: http.StatusBadRequest,
				Detail: err.Error()})
			return
		}

		inserted, err := wr.eventStore.InsertPending(req.Context(), payload.PendingEvents())
		if err != nil {
			log.WithFields(logrus.Fields{"error": err}).Error("Unable to persist webhook batch")
			writeJSONResponse(w, http.StatusInternalServerError, errorResponse{
				Title:  "Unable to persist webhook events",
				Status: http.StatusInternalServerError,
				Detail: "event store failure"})
			return
		}

		log.WithFields(logrus.Fields{
			"received": len(payload.Events),
			"inserted": inserted}).Info("Accepted a webhook batch")

		writeJSONResponse(w, http.StatusOK, webhookResponse{
			Received: len(payload.Events),
			Inserted: inserted})
	}
}
