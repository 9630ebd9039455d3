package rest

import (
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenMachineBridge/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxEventLimit = 500

// GET /api/v1/events?limit=n
func (s *Server) listEvents(c *gin.Context) {
	events := s.lm.Events()
	if events == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.CodeUnavailable, "Event log is disabled", nil))
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEventLimit {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "limit must be between 1 and 500", raw))
			return
		}
		limit = n
	}

	list, err := events.RecentBridgeEvents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeInternal, "Failed to load events", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": list, "count": len(list)})
}

// GET /api/v1/runs/:id/products
func (s *Server) listRunProducts(c *gin.Context) {
	events := s.lm.Events()
	if events == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.CodeUnavailable, "Event log is disabled", nil))
		return
	}

	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid run ID", err.Error()))
		return
	}

	products, err := events.ProductsForRun(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeInternal, "Failed to load products", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "products": products, "count": len(products)})
}
