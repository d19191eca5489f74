package handlers

import (
	"github.com/gin-gonic/gin"

	"consecutive/internal/domain/sequence"
	"consecutive/internal/infrastructure/http/v1/dto"
)

// LedgerHandler serves block and single-value reservations.
type LedgerHandler struct {
	*BaseHandler
	service *sequence.Service
}

// NewLedgerHandler creates a new ledger handler.
func NewLedgerHandler(base *BaseHandler, service *sequence.Service) *LedgerHandler {
	return &LedgerHandler{BaseHandler: base, service: service}
}

// ReserveBlock handles POST /sequences/:id/blocks.
func (h *LedgerHandler) ReserveBlock(c *gin.Context) {
	seqID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.ReserveBlockRequest
	if !h.BindJSON(c, &req) {
		return
	}

	block, err := h.service.ReserveBlock(c.Request.Context(), seqID, req.Quantity, sequence.BlockOptions{
		SegmentKey: req.SegmentKey,
		EntityID:   req.EntityID,
		TTL:        req.TTL(),
	}, h.Actor(c))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, block)
}

// ListBlocks handles GET /sequences/:id/blocks.
func (h *LedgerHandler) ListBlocks(c *gin.Context) {
	seqID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	blocks, err := h.service.ListBlocks(c.Request.Context(), seqID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(blocks))
}

// GetBlock handles GET /blocks/:blockId.
func (h *LedgerHandler) GetBlock(c *gin.Context) {
	blockID, ok := h.ParamID(c, "blockId")
	if !ok {
		return
	}
	block, err := h.service.GetBlock(c.Request.Context(), blockID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, block)
}

// Use handles POST /blocks/:blockId/use.
func (h *LedgerHandler) Use(c *gin.Context) {
	blockID, ok := h.ParamID(c, "blockId")
	if !ok {
		return
	}
	res, err := h.service.UseFromBlock(c.Request.Context(), blockID, h.Actor(c))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, res)
}

// CommitBlock handles POST /blocks/:blockId/commit.
func (h *LedgerHandler) CommitBlock(c *gin.Context) {
	h.commit(c, "blockId")
}

// CancelBlock handles POST /blocks/:blockId/cancel.
func (h *LedgerHandler) CancelBlock(c *gin.Context) {
	blockID, ok := h.ParamID(c, "blockId")
	if !ok {
		return
	}
	if err := h.service.CancelReservation(c.Request.Context(), blockID, h.Actor(c)); err != nil {
		h.Error(c, err)
		return
	}
	h.Success(c, "block cancelled")
}

// ReserveSingle handles POST /sequences/:id/reservations.
func (h *LedgerHandler) ReserveSingle(c *gin.Context) {
	seqID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.ReserveSingleRequest
	if !h.BindOptionalJSON(c, &req) {
		return
	}

	r, err := h.service.ReserveSingle(c.Request.Context(), seqID, sequence.SingleOptions{
		SegmentKey: req.SegmentKey,
		EntityID:   req.EntityID,
		TTL:        req.TTL(),
	}, h.Actor(c))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, r)
}

// GetReservation handles GET /reservations/:id.
func (h *LedgerHandler) GetReservation(c *gin.Context) {
	resID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	r, err := h.service.GetReservation(c.Request.Context(), resID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, r)
}

// CommitReservation handles POST /reservations/:id/commit.
func (h *LedgerHandler) CommitReservation(c *gin.Context) {
	h.commit(c, "id")
}

// ReleaseReservation handles POST /reservations/:id/release.
func (h *LedgerHandler) ReleaseReservation(c *gin.Context) {
	resID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	if err := h.service.ReleaseReservation(c.Request.Context(), resID, h.Actor(c)); err != nil {
		h.Error(c, err)
		return
	}
	h.Success(c, "reservation released")
}

func (h *LedgerHandler) commit(c *gin.Context, param string) {
	ref, ok := h.ParamID(c, param)
	if !ok {
		return
	}
	if err := h.service.CommitReservation(c.Request.Context(), ref, h.Actor(c)); err != nil {
		h.Error(c, err)
		return
	}
	h.Success(c, "committed")
}

// Cleanup handles POST /maintenance/cleanup.
func (h *LedgerHandler) Cleanup(c *gin.Context) {
	res, err := h.service.CleanupExpiredReservations(c.Request.Context())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, res)
}
