package api

import (
	"errors"
	"net/http"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/domain"
	"github.com/ledgersync/ledger-connector/internal/middlewares"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"
	"github.com/ledgersync/ledger-connector/internal/syncengine"
	"github.com/ledgersync/ledger-connector/internal/tokens"
	"github.com/redhatinsights/platform-go-middlewares/request_id"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// SyncReceiver triggers an incremental sync on demand.  The sync runs
// synchronously within the request, bounded by the engine's execution
// budget.
type SyncReceiver struct {
	manager *tokens.Manager
	engine  *syncengine.Engine
	router  *mux.Router
	config  *config.Config
}

func NewSyncReceiver(manager *tokens.Manager, engine *syncengine.Engine, r *mux.Router, cfg *config.Config) *SyncReceiver {
	return &SyncReceiver{
		manager: manager,
		engine:  engine,
		router:  r,
		config:  cfg,
	}
}

func (sr *SyncReceiver) Routes() {
	mmw := &middlewares.MetricsMiddleware{}
	amw := &middlewares.AuthMiddleware{Secrets: sr.config.ServiceToServiceCredentials}

	securedSubRouter := sr.router.PathPrefix("/sync").Subrouter()
	securedSubRouter.Use(logger.AccessLoggerMiddleware,
		mmw.RecordHTTPMetrics,
		amw.Authenticate)

	securedSubRouter.HandleFunc("", sr.handleSync()).Methods(http.MethodPost)
}

type syncRequest struct {
	ConnectionID string `json:"connection_id" validate:"required"`
	EntityType   string `json:"entity_type"`
}

type syncResponse struct {
	Success       bool                `json:"success"`
	RecordCount   int                 `json:"record_count"`
	Results       []syncengine.Result `json:"results"`
	Error         string              `json:"error,omitempty"`
	CorrelationID string              `json:"correlation_id"`
}

func (sr *SyncReceiver) handleSync() http.HandlerFunc {

	return func(w http.ResponseWriter, req *http.Request) {

		principal, _ := middlewares.GetPrincipal(req.Context())
		requestId := request_id.GetReqID(req.Context())
		log := logger.Log.WithFields(logrus.Fields{
			"user_id":    principal.GetUser(),
			"request_id": requestId})

		var syncRequest syncRequest

		body := http.MaxBytesReader(w, req.Body, 1048576)

		if err := decodeJSON(body, &syncRequest); err != nil {
			errorResponse := errorResponse{Title: "Unable to process json input",
				Status: http.StatusBadRequest,
				Detail: err.Error()}
			writeJSONResponse(w, errorResponse.Status, errorResponse)
			return
		}

		entityType := domain.EntityType(syncRequest.EntityType)
		if syncRequest.EntityType != "" && !domain.IsKnownEntityType(entityType) {
			errorResponse := errorResponse{Title: "Unknown entity type",
				Status: http.StatusBadRequest,
				Detail: "entity_type is not one of the syncable types"}
			writeJSONResponse(w, errorResponse.Status, errorResponse)
			return
		}

		ac, err := sr.manager.GetDecryptedConnectionByID(req.Context(), domain.ConnectionID(syncRequest.ConnectionID))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				errorResponse := errorResponse{Title: "No such connection",
					Status: http.StatusNotFound,
					Detail: "connection not found"}
				writeJSONResponse(w, errorResponse.Status, errorResponse)
				return
			}
			log.WithFields(logrus.Fields{"error": err}).Error("Unable to resolve connection")
			errorResponse := errorResponse{Title: "Unable to resolve connection",
				Status: http.StatusInternalServerError,
				Detail: "connection store failure"}
			writeJSONResponse(w, errorResponse.Status, errorResponse)
			return
		}

		if err := sr.manager.EnsureFreshToken(req.Context(), ac); err != nil {
			log.WithFields(logrus.Fields{"error": err, "connection_id": ac.ID}).Info("Unable to refresh token for sync")
			status := http.StatusBadGateway
			if errors.Is(err, domain.ErrAuthentication) {
				status = http.StatusUnauthorized
			}
			writeJSONResponse(w, status, syncResponse{
				Success:       false,
				Error:         "unable to obtain a fresh access token",
				CorrelationID: requestId})
			return
		}

		log = log.WithFields(logrus.Fields{"connection_id": ac.ID, "tenant_id": ac.TenantID})
		log.Info("Starting an on-demand sync")

		var results []syncengine.Result
		var syncErr error

		if syncRequest.EntityType != "" {
			var result syncengine.Result
			result, syncErr = sr.engine.Sync(req.Context(), ac, entityType)
			results = []syncengine.Result{result}
		} else {
			results, syncErr = sr.engine.SyncAll(req.Context(), ac)
		}

		sr.manager.TouchLastAPICall(req.Context(), ac.ID)

		recordCount := 0
		for _, result := range results {
			recordCount += result.Records
		}

		if syncErr != nil {
			log.WithFields(logrus.Fields{"error": syncErr}).Info("On-demand sync failed")
			writeJSONResponse(w, http.StatusBadGateway, syncResponse{
				Success:       false,
				RecordCount:   recordCount,
				Results:       results,
				Error:         "sync did not complete",
				CorrelationID: requestId})
			return
		}

		log.WithFields(logrus.Fields{"record_count": recordCount}).Info("On-demand sync finished")

		writeJSONResponse(w, http.StatusOK, syncResponse{
			Success:       true,
			RecordCount:   recordCount,
			Results:       results,
			CorrelationID: requestId})
	}
}
