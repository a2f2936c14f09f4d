package api

import (
	"net/http"
	"time"

	"procurement-service/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type messageRequest struct {
	Text string `json:"text" binding:"required"`
}

type quotationRequest struct {
	Amount       decimal.Decimal        `json:"amount"`
	Currency     string                 `json:"currency"`
	Items        []models.QuotationItem `json:"items"`
	Note         string                 `json:"note"`
	ValidUntil   *time.Time             `json:"validUntil"`
	InResponseTo string                 `json:"inResponseTo"`
}

func (h *Handler) listMessages(c *gin.Context) {
	msgs, err := h.negotiation.ListMessages(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req messageRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := h.negotiation.SendMessage(c.Request.Context(), actorFrom(c), c.Param("id"), req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) markRead(c *gin.Context) {
	n, err := h.negotiation.MarkRead(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func (h *Handler) submitQuotation(c *gin.Context) {
	var req quotationRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := h.negotiation.SubmitQuotation(c.Request.Context(), actorFrom(c), c.Param("id"), models.Quotation{
		Amount:       req.Amount,
		Currency:     req.Currency,
		Items:        req.Items,
		Note:         req.Note,
		ValidUntil:   req.ValidUntil,
		InResponseTo: req.InResponseTo,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) acceptQuotation(c *gin.Context) {
	res, err := h.negotiation.AcceptQuotation(c.Request.Context(), actorFrom(c), c.Param("id"), c.Param("messageId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) rejectQuotation(c *gin.Context) {
	var req reasonRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	msg, err := h.negotiation.RejectQuotation(c.Request.Context(), actorFrom(c), c.Param("id"), c.Param("messageId"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}
