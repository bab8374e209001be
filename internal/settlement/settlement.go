package settlement

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/curvex/internal/types"
	"github.com/ksred/curvex/pkg/response"
)

// GinHandlers exposes the coordinator to external schedulers.
type GinHandlers struct {
	coordinator *Coordinator
	processor   *Processor
}

func NewGinHandlers(coordinator *Coordinator, processor *Processor) *GinHandlers {
	return &GinHandlers{
		coordinator: coordinator,
		processor:   processor,
	}
}

// ProcessNextHandler settles a single order. Responds 204 when the queue
// is empty.
func (h *GinHandlers) ProcessNextHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.coordinator.ProcessNextOrder(c.Request.Context())
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if result == nil {
			c.Status(http.StatusNoContent)
			return
		}
		response.Success(c, result)
	}
}

// DrainHandler settles every pending order in submission order.
func (h *GinHandlers) DrainHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		results, err := h.coordinator.ProcessAllPendingOrders(c.Request.Context())
		if err != nil && len(results) == 0 {
			response.InternalError(c, err.Error())
			return
		}

		drain := &types.DrainResponse{Processed: len(results), Results: results}
		if drain.Results == nil {
			drain.Results = []*types.SettlementResult{}
		}
		for _, r := range results {
			if r.Success {
				drain.Completed++
			} else {
				drain.Failed++
			}
		}
		response.Success(c, drain)
	}
}

func (h *GinHandlers) PendingCountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := h.coordinator.PendingOrderCount(c.Request.Context())
		response.Handle(c, &types.PendingResponse{Pending: count}, err)
	}
}

// TriggerHandler wakes the background processor without waiting for it.
func (h *GinHandlers) TriggerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.processor == nil {
			response.BadRequest(c, "background processor is not running")
			return
		}
		h.processor.Trigger()
		response.Accepted(c, gin.H{"message": "settlement triggered"})
	}
}
