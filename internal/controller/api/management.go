package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/ledgersync/ledger-connector/internal/config"
	"github.com/ledgersync/ledger-connector/internal/connection_repository"
	"github.com/ledgersync/ledger-connector/internal/domain"
	"github.com/ledgersync/ledger-connector/internal/middlewares"
	"github.com/ledgersync/ledger-connector/internal/platform/logger"
	"github.com/ledgersync/ledger-connector/internal/provider"
	"github.com/ledgersync/ledger-connector/internal/tokens"
	"github.com/redhatinsights/platform-go-middlewares/request_id"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// ManagementServer exposes the connection lifecycle: connect a tenant
// via a credential exchange, list connections, switch the active one and
// disconnect.
type ManagementServer struct {
	manager   *tokens.Manager
	store     connection_repository.ConnectionStore
	providers provider.Registry
	router    *mux.Router
	config    *config.Config
}

func NewManagementServer(manager *tokens.Manager, store connection_repository.ConnectionStore, providers provider.Registry, r *mux.Router, cfg *config.Config) *ManagementServer {
	return &ManagementServer{
		manager:   manager,
		store:     store,
		providers: providers,
		router:    r,
		config:    cfg,
	}
}

func (s *ManagementServer) Routes() {
	mmw := &middlewares.MetricsMiddleware{}
	amw := &middlewares.AuthMiddleware{Secrets: s.config.ServiceToServiceCredentials}

	securedSubRouter := s.router.PathPrefix("/connection").Subrouter()
	securedSubRouter.Use(logger.AccessLoggerMiddleware,
		mmw.RecordHTTPMetrics,
		amw.Authenticate)

	securedSubRouter.HandleFunc("", s.handleConnectionListing()).Methods(http.MethodGet)
	securedSubRouter.HandleFunc("", s.handleConnect()).Methods(http.MethodPost)
	securedSubRouter.HandleFunc("/activate", s.handleActivate()).Methods(http.MethodPost)
	securedSubRouter.HandleFunc("/disconnect", s.handleDisconnect()).Methods(http.MethodPost)
}

type connectRequest struct {
	Code     string `json:"code" validate:"required"`
	Provider string `json:"provider"`
}

type connectionResponse struct {
	ConnectionID string     `json:"connection_id"`
	TenantID     string     `json:"tenant_id"`
	TenantName   string     `json:"tenant_name"`
	Provider     string     `json:"provider"`
	Status       string     `json:"status"`
	IsActive     bool       `json:"is_active"`
	ExpiresAt    time.Time  `json:"expires_at"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastAPICall  *time.Time `json:"last_api_call_at,omitempty"`
}

type connectionActionRequest struct {
	ConnectionID string `json:"connection_id" validate:"required"`
}

func (s *ManagementServer) handleConnect() http.HandlerFunc {

	return func(w http.ResponseWriter, req *http.Request) {

		principal, _ := middlewares.GetPrincipal(req.Context())
		requestId := request_id.GetReqID(req.Context())
		log := logger.Log.WithFields(logrus.Fields{
			"user_id":    principal.GetUser(),
			"request_id": requestId})

		var connectRequest connectRequest

		body := http.MaxBytesReader(w, req.Body, 1048576)

		if err := decodeJSON(body, &connectRequest); err != nil {
			errMsg := "Unable to process json input"
			log.WithFields(logrus.Fields{"error": err}).Debug(errMsg)
			errorResponse := errorResponse{Title: errMsg,
				Status: http.StatusBadRequest,
				Detail: err.Error()}
			writeJSONResponse(w, errorResponse.Status, errorResponse)
			return
		}

		providerTag := connectRequest.Provider
		if providerTag == "" {
			providerTag = provider.DefaultProviderTag
		}

		client, err := s.providers(providerTag)
		if err != nil {
			errorResponse := errorResponse{Title: "Unknown provider",
				Status: http.StatusBadRequest,
				Detail: err.Error()}
			writeJSONResponse(w, errorResponse.Status, errorResponse)
			return
		}

		bundle, err := client.ExchangeCode(req.Context(), connectRequest.Code)
		if err != nil {
			log.WithFields(logrus.Fields{"error": err}).Info("Credential exchange failed")
			errorResponse := errorResponse{Title: "Credential exchange failed",
				Status: http.StatusBadGateway,
				Detail: "unable to exchange the authorization code"}
			if errors.Is(err, domain.ErrAuthentication) {
				errorResponse.Status = http.StatusUnauthorized
			}
			writeJSONResponse(w, errorResponse.Status, errorResponse)
			return
		}

		conn, err := s.manager.CreateConnection(req.Context(), domain.UserID(principal.GetUser()), providerTag, bundle)
		if err != nil {
			log.WithFields(logrus.Fields{"error": err}).Error("Unable to persist connection")
			errorResponse := errorResponse{Title: "Unable to persist connection",
				Status: http.StatusInternalServerError,
				Detail: "connection store failure"}
			writeJSONResponse(w, errorResponse.Status, errorResponse)
			return
		}

		log.WithFields(logrus.Fields{"connection_id": conn.ID, "tenant_id": conn.TenantID}).Info("Connected a tenant")

		writeJSONResponse(w, http.StatusCreated, toConnectionResponse(conn))
	}
}

func (s *ManagementServer) handleConnectionListing() http.HandlerFunc {

	return func(w http.ResponseWriter, req *http.Request) {

		principal, _ := middlewares.GetPrincipal(req.Context())

		connections, err := s.store.ListForUser(req.Context(), domain.UserID(principal.GetUser()))
		if err != nil {
			errorResponse := errorResponse{Title: "Unable to list connections",
				Status: http.StatusInternalServerError,
				Detail: "connection store failure"}
			writeJSONResponse(w, errorResponse.Status, errorResponse)
			return
		}

		response := make([]connectionResponse, 0, len(connections))
		for _, conn := range connections {
			response = append(response, toConnectionResponse(conn))
		}

		writeJSONResponse(w, http.StatusOK, response)
	}
}

func (s *ManagementServer) handleActivate() http.HandlerFunc {

	return func(w http.ResponseWriter, req *http.Request) {

		principal, _ := middlewares.GetPrincipal(req.Context())
		requestId := request_id.GetReqID(req.Context())
		log := logger.Log.WithFields(logrus.Fields{
			"user_id":    principal.GetUser(),
			"request_id": requestId})

		var actionRequest connectionActionRequest

		body := http.MaxBytesReader(w, req.Body, 1048576)

		if err := decodeJSON(body, &actionRequest); err != nil {
			errorResponse := errorResponse{Title: "Unable to process json input",
				Status: http.StatusBadRequest,
				Detail: err.Error()}
			writeJSONResponse(w, errorResponse.Status, errorResponse)
			return
		}

		err := s.manager.ActivateConnection(req.Context(),
			domain.ConnectionID(actionRequest.ConnectionID),
			domain.UserID(principal.GetUser()))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				errorResponse := errorResponse{Title: "No such connection",
					Status: http.StatusNotFound,
					Detail: "connection not found for this user"}
				writeJSONResponse(w, errorResponse.Status, errorResponse)
				return
			}
			log.WithFields(logrus.Fields{"error": err}).Error("Unable to activate connection")
			errorResponse := errorResponse{Title: "Unable to activate connection",
				Status: http.StatusInternalServerError,
				Detail: "connection store failure"}
			writeJSONResponse(w, errorResponse.Status, errorResponse)
			return
		}

		log.WithFields(logrus.Fields{"connection_id": actionRequest.ConnectionID}).Info("Activated a connection")

		writeJSONResponse(w, http.StatusOK, struct{}{})
	}
}

func (s *ManagementServer) handleDisconnect() http.HandlerFunc {

	return func(w http.ResponseWriter, req *http.Request) {

		principal, _ := middlewares.GetPrincipal(req.Context())
		requestId := request_id.GetReqID(req.Context())
		log := logger.Log.WithFields(logrus.Fields{
			"user_id":    principal.GetUser(),
			"request_id": requestId})

		var actionRequest connectionActionRequest

		body := http.MaxBytesReader(w, req.Body, 1048576)

		if err := decodeJSON(body, &actionRequest); err != nil {
			errorResponse := errorResponse{Title: "Unable to process json input",
				Status: http.StatusBadRequest,
				Detail: err.Error()}
			writeJSONResponse(w, errorResponse.Status, errorResponse)
			return
		}

		err := s.manager.Disconnect(req.Context(), domain.ConnectionID(actionRequest.ConnectionID))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				errorResponse := errorResponse{Title: "No such connection",
					Status: http.StatusNotFound,
					Detail: "connection not found"}
				writeJSONResponse(w, errorResponse.Status, errorResponse)
				return
			}
			log.WithFields(logrus.Fields{"error": err}).Error("Unable to disconnect connection")
			errorResponse := errorResponse{Title: "Unable to disconnect connection",
				Status: http.StatusInternalServerError,
				Detail: "connection store failure"}
			writeJSONResponse(w, errorResponse.Status, errorResponse)
			return
		}

		log.WithFields(logrus.Fields{"connection_id": actionRequest.ConnectionID}).Info("Disconnected a connection")

		writeJSONResponse(w, http.StatusOK, struct{}{})
	}
}

func toConnectionResponse(conn domain.Connection) connectionResponse {
	return connectionResponse{
		ConnectionID: conn.ID.String(),
		TenantID:     conn.TenantID.String(),
		TenantName:   conn.TenantName,
		Provider:     conn.Provider,
		Status:       string(conn.Status),
		IsActive:     conn.IsActive,
		ExpiresAt:    conn.ExpiresAt,
		LastError:    conn.LastError,
		CreatedAt:    conn.CreatedAt,
		LastAPICall:  conn.LastAPICallAt,
	}
}
