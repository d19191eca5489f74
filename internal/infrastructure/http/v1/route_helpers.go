package v1

import (
	"github.com/gin-gonic/gin"

	"consecutive/internal/infrastructure/http/v1/handlers"
	"consecutive/internal/infrastructure/http/v1/middleware"
)

// RegisterSequenceRoutes registers definition, allocation and registry routes
// under /sequences.
func RegisterSequenceRoutes(group *gin.RouterGroup, seq *handlers.SequenceHandler, ledger *handlers.LedgerHandler, registry *handlers.RegistryHandler) {
	group.POST("", seq.Create)
	group.GET("", seq.List)
	group.GET("/:id", seq.Get)
	group.PATCH("/:id", seq.Update)
	group.DELETE("/:id", seq.Delete)

	group.POST("/:id/allocate", seq.Allocate)
	group.POST("/:id/reset", seq.Reset)
	group.GET("/:id/history", seq.History)
	group.GET("/:id/stats", seq.Stats)
	group.GET("/:id/format", seq.Format)

	group.POST("/:id/blocks", ledger.ReserveBlock)
	group.GET("/:id/blocks", ledger.ListBlocks)
	group.POST("/:id/reservations", ledger.ReserveSingle)

	group.POST("/:id/assignments", registry.Assign)
	group.DELETE("/:id/assignments/:type/:entity", registry.Revoke)
}

// RegisterLedgerRoutes registers routes addressed by block or reservation ID.
func RegisterLedgerRoutes(rg *gin.RouterGroup, ledger *handlers.LedgerHandler) {
	blocks := rg.Group("/blocks")
	blocks.GET("/:blockId", ledger.GetBlock)
	blocks.POST("/:blockId/use", ledger.Use)
	blocks.POST("/:blockId/commit", ledger.CommitBlock)
	blocks.POST("/:blockId/cancel", ledger.CancelBlock)

	reservations := rg.Group("/reservations")
	reservations.GET("/:id", ledger.GetReservation)
	reservations.POST("/:id/commit", ledger.CommitReservation)
	reservations.POST("/:id/release", ledger.ReleaseReservation)

	rg.POST("/maintenance/cleanup", middleware.RequireAdmin(), ledger.Cleanup)
}

// RegisterEntityRoutes registers the entity-centric registry views.
func RegisterEntityRoutes(group *gin.RouterGroup, registry *handlers.RegistryHandler) {
	group.GET("/:type/:id/sequences", registry.ListSequences)
	group.GET("/:type/:id/assignments", registry.ListAssignments)
}
