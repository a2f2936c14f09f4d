package api

import (
	"net/http"

	"procurement-service/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) updateDelivery(c *gin.Context) {
	var req service.DeliveryUpdateRequest
	if !bindJSON(c, &req) {
		return
	}
	order, err := h.delivery.UpdateDeliveryStatus(c.Request.Context(), actorFrom(c), c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) correctDelivery(c *gin.Context) {
	var req service.DeliveryCorrectionRequest
	if !bindJSON(c, &req) {
		return
	}
	order, err := h.delivery.CorrectDeliveryStage(c.Request.Context(), actorFrom(c), c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}
