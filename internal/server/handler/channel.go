package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/streamchannel/sequencer/internal/domain"
	"github.com/streamchannel/sequencer/internal/voucher"
)

// VoucherEngine is the subset of voucher.Engine the channel handlers drive.
// Defined as an interface here so tests can supply a stub engine.
type VoucherEngine interface {
	Seed(ctx context.Context, req voucher.SeedRequest) (domain.ChannelView, error)
	Validate(ctx context.Context, req voucher.PayInChannelRequest) (domain.ChannelView, error)
	Settle(ctx context.Context, req voucher.PayInChannelRequest) (domain.ChannelView, error)
	Finalize(ctx context.Context, req voucher.FinalizeRequest) (string, error)
}

// ChannelIndex serves the direct-by-id read path without going through the
// voucher engine (spec §6 GET /channel/{id}).
type ChannelIndex interface {
	Get(id string) (domain.ChannelState, bool)
}

// ChainReader answers the on-chain by-owner lookup (spec §6 GET
// /channels/by-owner/{owner} — "queries chain").
type ChainReader interface {
	UserChannelIDs(ctx context.Context, owner domain.Address) ([]string, error)
}

// ChannelHandler implements the voucher HTTP surface of spec §6.
type ChannelHandler struct {
	engine VoucherEngine
	index  ChannelIndex
	chain  ChainReader
}

// NewChannelHandler builds a ChannelHandler.
func NewChannelHandler(engine VoucherEngine, index ChannelIndex, chain ChainReader) *ChannelHandler {
	return &ChannelHandler{engine: engine, index: index, chain: chain}
}

// Seed handles POST /channel/seed.
func (h *ChannelHandler) Seed(w http.ResponseWriter, r *http.Request) {
	var req voucher.SeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	view, err := h.engine.Seed(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Get handles GET /channel/{id}, reading directly from the in-memory index
// rather than through the engine (spec §6).
func (h *ChannelHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	ch, ok := h.index.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrChannelNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, ch.ToView())
}

// ByOwner handles GET /channels/by-owner/{owner}, querying the chain rather
// than the in-memory index (spec §6).
func (h *ChannelHandler) ByOwner(w http.ResponseWriter, r *http.Request) {
	ownerParam := pathParam(r, "owner")
	owner, err := domain.ParseAddress(ownerParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed owner address")
		return
	}

	ids, err := h.chain.UserChannelIDs(r.Context(), owner)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"owner":      owner.String(),
		"channelIds": ids,
	})
}

// Validate handles POST /validate.
func (h *ChannelHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req voucher.PayInChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	view, err := h.engine.Validate(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": view})
}

// Settle handles POST /settle.
func (h *ChannelHandler) Settle(w http.ResponseWriter, r *http.Request) {
	var req voucher.PayInChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	view, err := h.engine.Settle(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": view})
}

// Finalize handles POST /channel/finalize.
func (h *ChannelHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req voucher.FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	txHash, err := h.engine.Finalize(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactionHash": txHash})
}

// writeEngineError maps a voucher engine error to the HTTP status table of
// spec §7.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrChannelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrChannelExpired),
		errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrMalformedSignature),
		errors.Is(err, domain.ErrBalanceOverflow),
		domain.IsInvalidSignature(err),
		domain.IsInvalidSequenceNumber(err):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrDatabase), errors.Is(err, domain.ErrContractCall), errors.Is(err, domain.ErrInternal):
		status = http.StatusInternalServerError
	}
	writeError(w, status, err.Error())
}
