package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/akshatrathore1/Panacea-sub000/internal/logging"
	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
	"github.com/akshatrathore1/Panacea-sub000/internal/service"
)

const defaultMaxBodyBytes = 2 << 20

type Handler struct {
	batches      *service.BatchService
	reconcile    *service.ReconcileService
	transfers    *service.TransferService
	logger       *slog.Logger
	maxBodyBytes int64
}

type HandlerParams struct {
	Batches      *service.BatchService
	Reconcile    *service.ReconcileService
	Transfers    *service.TransferService
	Logger       *slog.Logger
	MaxBodyBytes int64
}

func NewHandler(params HandlerParams) *Handler {
	if params.MaxBodyBytes <= 0 {
		params.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{
		batches:      params.Batches,
		reconcile:    params.Reconcile,
		transfers:    params.Transfers,
		logger:       params.Logger,
		maxBodyBytes: params.MaxBodyBytes,
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /v1/batches", h.handleCreateBatch)
	mux.HandleFunc("GET /v1/batches", h.handleListBatches)
	mux.HandleFunc("GET /v1/batches/{batchId}", h.handleTrace)
	mux.HandleFunc("POST /v1/batches/{batchId}/status", h.handleSetStatus)
	mux.HandleFunc("POST /v1/batches/{batchId}/register", h.handleRegister)
	mux.HandleFunc("POST /v1/batches/{batchId}/transfer/otp", h.handleRequestOTP)
	mux.HandleFunc("POST /v1/batches/{batchId}/transfer/confirm", h.handleConfirmTransfer)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := h.batches.Health(r.Context())
	logging.AddField(r.Context(), "op", "health")
	logging.AddField(r.Context(), "health_status", resp.Status)
	status := http.StatusOK
	if resp.Store != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateBatchRequest
	if err := decodeJSON(r, h.maxBodyBytes, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.batches.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "create_batch")
	logging.AddField(r.Context(), "batch_id", resp.Metadata.BatchID)
	logging.AddField(r.Context(), "metadata_hash", resp.MetadataHash)
	if resp.Warning != "" {
		logging.AddField(r.Context(), "warning", resp.Warning)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, r, service.NewAppError(http.StatusBadRequest, service.CodeValidation, "limit must be a non-negative integer", false, err))
			return
		}
		limit = n
	}
	resp, err := h.batches.ListByOwner(r.Context(), q.Get("owner"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "list_batches")
	logging.AddField(r.Context(), "batch_count", len(resp.Batches))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleTrace(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batchId")
	view, err := h.reconcile.Trace(r.Context(), batchID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "trace_batch")
	logging.AddField(r.Context(), "batch_id", batchID)
	logging.AddField(r.Context(), "found", view.Found)
	logging.AddField(r.Context(), "metadata_valid", view.MetadataValid)
	logging.AddField(r.Context(), "pending_sync", view.PendingSync)
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batchId")
	var req protocol.UpdateStatusRequest
	if err := decodeJSON(r, h.maxBodyBytes, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	m, err := h.batches.SetStatus(r.Context(), batchID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "set_status")
	logging.AddField(r.Context(), "batch_id", batchID)
	logging.AddField(r.Context(), "status", m.Status)
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batchId")
	resp, err := h.batches.Register(r.Context(), batchID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "register_batch")
	logging.AddField(r.Context(), "batch_id", batchID)
	logging.AddField(r.Context(), "tx_hash", resp.TransactionHash)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRequestOTP(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batchId")
	var req protocol.RequestOTPRequest
	if err := decodeJSON(r, h.maxBodyBytes, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.transfers.RequestOTP(r.Context(), batchID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "request_otp")
	logging.AddField(r.Context(), "batch_id", batchID)
	logging.AddField(r.Context(), "attempt_id", resp.AttemptID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleConfirmTransfer(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batchId")
	var req protocol.ConfirmTransferRequest
	if err := decodeJSON(r, h.maxBodyBytes, &req); err != nil {
		h.writeError(w, r, badRequest(err))
		return
	}
	resp, err := h.transfers.ConfirmTransfer(r.Context(), batchID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "confirm_transfer")
	logging.AddField(r.Context(), "batch_id", batchID)
	logging.AddField(r.Context(), "tx_hash", resp.TransactionHash)
	logging.AddField(r.Context(), "projection_updated", resp.ProjectionUpdated)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if !errors.As(err, &appErr) && h.logger != nil {
		h.logger.Error("unhandled request error", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
	writeAppError(w, r, err)
}

func badRequest(err error) *service.AppError {
	return service.NewAppError(http.StatusBadRequest, service.CodeValidation, err.Error(), false, err)
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *service.AppError
	if errors.As(err, &appErr) {
		logging.AddField(r.Context(), "error_code", appErr.Code)
		logging.AddField(r.Context(), "error_message", appErr.Message)
		writeJSON(w, appErr.HTTPStatus, protocol.ErrorResponse{Error: protocol.ErrorBody{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Retryable: appErr.Retryable,
		}})
		return
	}
	logging.AddField(r.Context(), "error_code", service.CodeInternal)
	logging.AddField(r.Context(), "error_message", err.Error())
	writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      service.CodeInternal,
		Message:   "internal server error",
		Retryable: true,
	}})
}

func decodeJSON(r *http.Request, maxBodyBytes int64, out any) error {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxBodyBytes)
	dec := json.NewDecoder(limited)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
