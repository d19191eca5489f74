package handlers

import (
	"github.com/gin-gonic/gin"

	"consecutive/internal/domain/sequence"
	"consecutive/internal/infrastructure/http/v1/dto"
)

// RegistryHandler serves the assignment registry.
type RegistryHandler struct {
	*BaseHandler
	service *sequence.Service
}

// NewRegistryHandler creates a new registry handler.
func NewRegistryHandler(base *BaseHandler, service *sequence.Service) *RegistryHandler {
	return &RegistryHandler{BaseHandler: base, service: service}
}

// Assign handles POST /sequences/:id/assignments.
func (h *RegistryHandler) Assign(c *gin.Context) {
	seqID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.AssignRequest
	if !h.BindJSON(c, &req) {
		return
	}

	a, err := h.service.AssignToEntity(c.Request.Context(), seqID, req.EntityType, req.EntityID, req.Permissions, req.Limits, h.Actor(c))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, a)
}

// Revoke handles DELETE /sequences/:id/assignments/:type/:entity.
func (h *RegistryHandler) Revoke(c *gin.Context) {
	seqID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	if err := h.service.RevokeAssignment(c.Request.Context(), seqID, c.Param("type"), c.Param("entity"), h.Actor(c)); err != nil {
		h.Error(c, err)
		return
	}
	h.NoContent(c)
}

// ListSequences handles GET /entities/:type/:id/sequences.
func (h *RegistryHandler) ListSequences(c *gin.Context) {
	defs, err := h.service.ListByEntity(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(defs))
}

// ListAssignments handles GET /entities/:type/:id/assignments.
func (h *RegistryHandler) ListAssignments(c *gin.Context) {
	assignments, err := h.service.ListAssignments(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(assignments))
}
