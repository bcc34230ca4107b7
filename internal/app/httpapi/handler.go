package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	app "github.com/R3E-Network/prediction_layer/internal/app"
	"github.com/R3E-Network/prediction_layer/internal/app/metrics"
	"github.com/R3E-Network/prediction_layer/internal/app/services/admission"
	ledgersvc "github.com/R3E-Network/prediction_layer/internal/app/services/ledger"
	"github.com/R3E-Network/prediction_layer/internal/app/storage"
	"github.com/R3E-Network/prediction_layer/internal/httputil"
	"github.com/R3E-Network/prediction_layer/internal/middleware"
	"github.com/R3E-Network/prediction_layer/pkg/logger"
)

const maxBodyBytes = 1 << 20

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
	log *logger.Logger
}

// NewHandler returns a router exposing the prediction and billing API. A nil
// limiter disables submission rate limiting.
func NewHandler(application *app.Application, limiter *middleware.RateLimiter, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{app: application, log: log}

	r := mux.NewRouter()
	r.Use(middleware.Logging(log))
	r.Use(mux.MiddlewareFunc(metrics.InstrumentHandler))

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/models", h.listModels).Methods(http.MethodGet)
	r.HandleFunc("/models/{id}", h.getModel).Methods(http.MethodGet)

	owned := r.NewRoute().Subrouter()
	owned.Use(middleware.RequireOwner)

	var submit http.Handler = http.HandlerFunc(h.submit)
	if limiter != nil {
		submit = limiter.Handler(submit)
	}
	owned.Handle("/predict", submit).Methods(http.MethodPost)
	owned.HandleFunc("/predict/history", h.history).Methods(http.MethodGet)
	owned.HandleFunc("/predict/{id}", h.getPrediction).Methods(http.MethodGet)
	owned.HandleFunc("/billing/balance", h.balance).Methods(http.MethodGet)
	owned.HandleFunc("/billing/top-up", h.topUp).Methods(http.MethodPost)
	owned.HandleFunc("/billing/transactions", h.transactions).Methods(http.MethodGet)

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ModelID   string          `json:"model_id"`
		InputData json.RawMessage `json:"input_data"`
	}
	if err := httputil.DecodeJSON(w, r, &payload, maxBodyBytes); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}

	outcome, err := h.app.Admission.Submit(r.Context(), middleware.GetOwnerID(r.Context()), payload.ModelID, payload.InputData)
	if err != nil {
		h.log.WithError(err).Error("submit prediction")
		httputil.WriteError(w, http.StatusInternalServerError, errors.New("prediction could not be admitted"))
		return
	}
	if !outcome.OK() {
		rej := outcome.Rejected
		body := map[string]any{"error": rej.Message, "reason": rej.Reason}
		if rej.Reason == admission.ReasonInsufficientFunds {
			body["required"] = rej.Required
			body["available"] = rej.Available
		}
		httputil.WriteJSON(w, rejectionStatus(rej.Reason), body)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, outcome.Accepted)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	jobs, err := h.app.Predictions.ListJobs(r.Context(), middleware.GetOwnerID(r.Context()), limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, jobs)
}

func (h *handler) getPrediction(w http.ResponseWriter, r *http.Request) {
	job, err := h.app.Predictions.GetJob(r.Context(), mux.Vars(r)["id"], middleware.GetOwnerID(r.Context()))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwnerID(r.Context())
	balance, err := h.app.Ledger.Balance(r.Context(), owner)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"owner_id": owner, "balance": balance})
}

func (h *handler) topUp(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := httputil.DecodeJSON(w, r, &payload, maxBodyBytes); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := h.app.Ledger.TopUp(r.Context(), middleware.GetOwnerID(r.Context()), payload.Amount)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}

func (h *handler) transactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := h.app.Ledger.History(r.Context(), middleware.GetOwnerID(r.Context()), limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}

func (h *handler) listModels(w http.ResponseWriter, r *http.Request) {
	items, err := h.app.Catalog.List(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, items)
}

func (h *handler) getModel(w http.ResponseWriter, r *http.Request) {
	item, err := h.app.Catalog.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, item)
}

func (h *handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, err)
	case errors.Is(err, ledgersvc.ErrInvalidAmount), errors.Is(err, ledgersvc.ErrOwnerRequired):
		httputil.WriteError(w, http.StatusBadRequest, err)
	default:
		h.log.WithError(err).Error("request failed")
		httputil.WriteError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func rejectionStatus(reason admission.Reason) int {
	switch reason {
	case admission.ReasonInsufficientFunds:
		return http.StatusPaymentRequired
	case admission.ReasonUnknownModel:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return limit, nil
}
