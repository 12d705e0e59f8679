package api

import (
	"net/http"

	"github.com/akshatrathore1/Panacea-sub000/internal/ledger"
	"github.com/akshatrathore1/Panacea-sub000/internal/logging"
	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
	"github.com/akshatrathore1/Panacea-sub000/internal/service"
)

type LedgerNodeHandler struct {
	service      *service.LedgerNodeService
	maxBodyBytes int64
}

func NewLedgerNodeHandler(svc *service.LedgerNodeService, maxBodyBytes int64) *LedgerNodeHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &LedgerNodeHandler{service: svc, maxBodyBytes: maxBodyBytes}
}

func (h *LedgerNodeHandler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /v1/ledger/batches", h.handleRegister)
	mux.HandleFunc("POST /v1/ledger/transfers", h.handleTransfer)
	mux.HandleFunc("GET /v1/ledger/batches/{batchId}", h.handleGetBatch)
	mux.HandleFunc("GET /v1/ledger/batches/{batchId}/history", h.handleHistory)
	return mux
}

func (h *LedgerNodeHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Health(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "health")
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerNodeHandler) authorized(w http.ResponseWriter, r *http.Request) bool {
	if h.service.VerifyWriteToken(r.Header.Get(ledger.WriteTokenHeader)) {
		return true
	}
	logging.AddField(r.Context(), "error_code", "UNAUTHORIZED")
	writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      "UNAUTHORIZED",
		Message:   "invalid write token",
		Retryable: false,
	}})
	return false
}

func (h *LedgerNodeHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	var req protocol.LedgerRegisterRequest
	if err := decodeJSON(r, h.maxBodyBytes, &req); err != nil {
		writeAppError(w, r, service.NewAppError(http.StatusBadRequest, service.CodeLedgerBadRequest, err.Error(), false, err))
		return
	}
	resp, err := h.service.Register(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "ledger_register")
	logging.AddField(r.Context(), "request_id", req.RequestID)
	logging.AddField(r.Context(), "batch_id", req.BatchID)
	logging.AddField(r.Context(), "entry_index", resp.EntryIndex)
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerNodeHandler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	var req protocol.LedgerTransferRequest
	if err := decodeJSON(r, h.maxBodyBytes, &req); err != nil {
		writeAppError(w, r, service.NewAppError(http.StatusBadRequest, service.CodeLedgerBadRequest, err.Error(), false, err))
		return
	}
	resp, err := h.service.Transfer(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "ledger_transfer")
	logging.AddField(r.Context(), "request_id", req.RequestID)
	logging.AddField(r.Context(), "batch_id", req.BatchID)
	logging.AddField(r.Context(), "entry_index", resp.EntryIndex)
	writeJSON(w, http.StatusOK, resp)
}

func (h *LedgerNodeHandler) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batchId")
	state, found, err := h.service.GetBatch(r.Context(), batchID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "ledger_get_batch")
	logging.AddField(r.Context(), "batch_id", batchID)
	if !found {
		writeNotFound(w, r, "batch not registered")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *LedgerNodeHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batchId")
	history, found, err := h.service.History(r.Context(), batchID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	logging.AddField(r.Context(), "op", "ledger_history")
	logging.AddField(r.Context(), "batch_id", batchID)
	if !found {
		writeNotFound(w, r, "batch not registered")
		return
	}
	logging.AddField(r.Context(), "event_count", len(history.Events))
	writeJSON(w, http.StatusOK, history)
}

func writeNotFound(w http.ResponseWriter, r *http.Request, msg string) {
	logging.AddField(r.Context(), "error_code", service.CodeLedgerBatchUnknown)
	writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:      service.CodeLedgerBatchUnknown,
		Message:   msg,
		Retryable: false,
	}})
}
