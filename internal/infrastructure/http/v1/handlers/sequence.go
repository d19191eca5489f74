package handlers

import (
	"github.com/gin-gonic/gin"

	"consecutive/internal/domain/sequence"
	"consecutive/internal/infrastructure/http/v1/dto"
)

// SequenceHandler serves sequence definitions and allocation.
type SequenceHandler struct {
	*BaseHandler
	service *sequence.Service
}

// NewSequenceHandler creates a new sequence handler.
func NewSequenceHandler(base *BaseHandler, service *sequence.Service) *SequenceHandler {
	return &SequenceHandler{BaseHandler: base, service: service}
}

// Create handles POST /sequences.
func (h *SequenceHandler) Create(c *gin.Context) {
	var req dto.CreateSequenceRequest
	if !h.BindJSON(c, &req) {
		return
	}

	def, err := h.service.CreateSequence(c.Request.Context(), req.ToDefinition(), h.Actor(c))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, def)
}

// List handles GET /sequences.
func (h *SequenceHandler) List(c *gin.Context) {
	defs, err := h.service.ListSequences(c.Request.Context())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(defs))
}

// Get handles GET /sequences/:id.
func (h *SequenceHandler) Get(c *gin.Context) {
	seqID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	def, err := h.service.GetSequence(c.Request.Context(), seqID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, def)
}

// Update handles PATCH /sequences/:id.
func (h *SequenceHandler) Update(c *gin.Context) {
	seqID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.UpdateSequenceRequest
	if !h.BindJSON(c, &req) {
		return
	}

	def, err := h.service.UpdateSequence(c.Request.Context(), seqID, req.ToPatch(), h.Actor(c))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, def)
}

// Delete handles DELETE /sequences/:id. The sequence is deactivated, not removed.
func (h *SequenceHandler) Delete(c *gin.Context) {
	seqID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteSequence(c.Request.Context(), seqID, h.Actor(c)); err != nil {
		h.Error(c, err)
		return
	}
	h.NoContent(c)
}

// Allocate handles POST /sequences/:id/allocate.
func (h *SequenceHandler) Allocate(c *gin.Context) {
	seqID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.AllocateRequest
	if !h.BindOptionalJSON(c, &req) {
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	r, err := h.service.Allocate(c.Request.Context(), seqID, req.Quantity, sequence.AllocateOptions{
		SegmentKey: req.SegmentKey,
		EntityID:   req.EntityID,
	}, h.Actor(c))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, r)
}

// Reset handles POST /sequences/:id/reset.
func (h *SequenceHandler) Reset(c *gin.Context) {
	seqID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.ResetRequest
	if !h.BindJSON(c, &req) {
		return
	}

	def, err := h.service.Reset(c.Request.Context(), seqID, *req.Value, req.SegmentKey, h.Actor(c))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, def)
}

// History handles GET /sequences/:id/history.
func (h *SequenceHandler) History(c *gin.Context) {
	seqID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var q dto.HistoryQuery
	if !h.BindQuery(c, &q) {
		return
	}

	entries, err := h.service.History(c.Request.Context(), seqID, q.Limit)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(entries))
}

// Stats handles GET /sequences/:id/stats.
func (h *SequenceHandler) Stats(c *gin.Context) {
	seqID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	st, err := h.service.Stats(c.Request.Context(), seqID, c.Query("segment"))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, st)
}

// Format handles GET /sequences/:id/format?value=&segment=.
func (h *SequenceHandler) Format(c *gin.Context) {
	seqID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var q dto.FormatQuery
	if !h.BindQuery(c, &q) {
		return
	}

	formatted, err := h.service.FormatValue(c.Request.Context(), seqID, *q.Value, q.Segment)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FormatResponse{Value: *q.Value, SegmentKey: q.Segment, Formatted: formatted})
}
