package payment

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/unicitynetwork/aggregator-proxy/db"
	"github.com/unicitynetwork/aggregator-proxy/keys"
	"github.com/unicitynetwork/aggregator-proxy/network/httputil"
)

// Handler exposes the payment workflow over HTTP under /api/payment.
type Handler struct {
	service *Service
}

// NewHandler creates the payment HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the payment endpoints on the router, wrapped in the
// permissive CORS policy the public payment surface requires.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	c := cors.New(cors.Options{
		AllowOriginFunc: func(string) bool { return true },
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Content-Type", "Authorization", "X-API-Key", "X-Requested-With", "Accept", "Origin",
		},
		MaxAge: 3600,
	})
	sub := router.PathPrefix("/api/payment").Subrouter()
	sub.Use(c.Handler)
	sub.HandleFunc("/plans", h.plans).Methods(http.MethodGet, http.MethodOptions)
	sub.HandleFunc("/initiate", h.initiate).Methods(http.MethodPost, http.MethodOptions)
	sub.HandleFunc("/complete", h.complete).Methods(http.MethodPost, http.MethodOptions)
	sub.HandleFunc("/session/{id}", h.sessionStatus).Methods(http.MethodGet, http.MethodOptions)
	sub.HandleFunc("/key/{apiKey}", h.keyDetails).Methods(http.MethodGet, http.MethodOptions)
}

type planJson struct {
	PlanID            int64  `json:"planId"`
	Name              string `json:"name"`
	RequestsPerSecond int32  `json:"requestsPerSecond"`
	RequestsPerDay    int32  `json:"requestsPerDay"`
	// Price is a decimal string: plan prices may exceed every native
	// integer type.
	Price string `json:"price"`
}

func toPlanJson(p *keys.Plan) *planJson {
	return &planJson{
		PlanID:            p.ID,
		Name:              p.Name,
		RequestsPerSecond: p.RequestsPerSecond,
		RequestsPerDay:    p.RequestsPerDay,
		Price:             p.Price.String(),
	}
}

func (h *Handler) plans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.service.Plans(r.Context())
	if err != nil {
		log.WithError(err).Error("Could not list pricing plans")
		httputil.HandleError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	out := make([]*planJson, 0, len(plans))
	for _, p := range plans {
		out = append(out, toPlanJson(p))
	}
	httputil.WriteJson(w, map[string]interface{}{"availablePlans": out})
}

type initiateJson struct {
	APIKey       string `json:"apiKey"`
	TargetPlanID int64  `json:"targetPlanId"`
	TokenID      string `json:"tokenId"`
	TokenType    string `json:"tokenType"`
}

func (h *Handler) initiate(w http.ResponseWriter, r *http.Request) {
	var body initiateJson
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.HandleError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	tokenID, err := base64.StdEncoding.DecodeString(body.TokenID)
	if err != nil || len(tokenID) == 0 {
		httputil.HandleError(w, "Invalid tokenId", http.StatusBadRequest)
		return
	}
	tokenType, err := base64.StdEncoding.DecodeString(body.TokenType)
	if err != nil || len(tokenType) == 0 {
		httputil.HandleError(w, "Invalid tokenType", http.StatusBadRequest)
		return
	}

	result, err := h.service.Initiate(r.Context(), &InitiateRequest{
		APIKey:       body.APIKey,
		TargetPlanID: body.TargetPlanID,
		TokenID:      tokenID,
		TokenType:    tokenType,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJson(w, map[string]interface{}{
		"sessionId":      result.SessionID.String(),
		"apiKey":         result.APIKey,
		"paymentAddress": result.PaymentAddress,
		"amountRequired": result.AmountRequired.String(),
		"expiresAt":      result.ExpiresAt.Format(time.RFC3339),
	})
}

type completeJson struct {
	SessionID              string          `json:"sessionId"`
	Salt                   string          `json:"salt"`
	TransferCommitmentJson json.RawMessage `json:"transferCommitmentJson"`
	SourceTokenJson        json.RawMessage `json:"sourceTokenJson"`
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	var body completeJson
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.HandleError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	sessionID, err := uuid.Parse(body.SessionID)
	if err != nil {
		httputil.HandleError(w, ErrInvalidSession.Error(), http.StatusBadRequest)
		return
	}
	// Salt is accepted and shape-checked; the finalizer consumes it when the
	// receiver predicate requires one.
	var salt []byte
	if body.Salt != "" {
		salt, err = base64.StdEncoding.DecodeString(body.Salt)
		if err != nil {
			httputil.HandleError(w, "Invalid salt", http.StatusBadRequest)
			return
		}
	}

	result, err := h.service.Complete(r.Context(), &CompleteRequest{
		SessionID:          sessionID,
		Salt:               salt,
		TransferCommitment: unwrapJson(body.TransferCommitmentJson),
		SourceToken:        unwrapJson(body.SourceTokenJson),
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := map[string]interface{}{
		"success": result.Success,
		"message": result.Message,
	}
	if result.Success {
		out["newPlanId"] = result.NewPlanID
		out["apiKey"] = result.APIKey
	}
	httputil.WriteJson(w, out)
}

// unwrapJson accepts either a JSON document or that document wrapped in a
// JSON string, as older clients send.
func unwrapJson(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return json.RawMessage(s)
	}
	return raw
}

func (h *Handler) sessionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		httputil.HandleError(w, ErrInvalidSession.Error(), http.StatusBadRequest)
		return
	}
	status, err := h.service.Status(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := map[string]interface{}{
		"id":             status.ID.String(),
		"status":         string(status.Status),
		"amountRequired": status.AmountRequired.String(),
		"createdAt":      status.CreatedAt.Format(time.RFC3339),
		"expiresAt":      status.ExpiresAt.Format(time.RFC3339),
	}
	if status.CompletedAt != nil {
		out["completedAt"] = status.CompletedAt.Format(time.RFC3339)
	}
	httputil.WriteJson(w, out)
}

func (h *Handler) keyDetails(w http.ResponseWriter, r *http.Request) {
	details, err := h.service.KeyDetails(r.Context(), mux.Vars(r)["apiKey"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := map[string]interface{}{
		"status": string(details.Status),
	}
	if details.ExpiresAt != nil {
		out["expiresAt"] = details.ExpiresAt.Format(time.RFC3339)
	}
	if details.PricingPlan != nil {
		out["pricingPlan"] = toPlanJson(details.PricingPlan)
	} else {
		out["pricingPlan"] = nil
	}
	httputil.WriteJson(w, out)
}

// writeServiceError maps payment service failures to status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidSession),
		errors.Is(err, ErrInvalidKey),
		errors.Is(err, ErrUnknownPlan):
		httputil.HandleError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrSessionNotPending), errors.Is(err, ErrSessionExpired):
		httputil.HandleError(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, ErrKeyNotFound):
		httputil.HandleError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, db.ErrLockConflict):
		httputil.HandleError(w, "Another payment for this API key is in progress", http.StatusConflict)
	default:
		log.WithError(err).Error("Payment request failed")
		httputil.HandleError(w, "Internal server error", http.StatusInternalServerError)
	}
}
