package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"procurement-service/internal/apperr"
	"procurement-service/internal/models"
	"procurement-service/internal/negotiation"
	"procurement-service/internal/store"
	"procurement-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// NegotiationService handles quotations and chat messages
type NegotiationService struct {
	*core
}

// AcceptResult is the outcome of a successful acceptQuotation
type AcceptResult struct {
	Order     *models.Order     `json:"order"`
	Quotation *models.Message   `json:"quotation"`
	Invoice   *models.Invoice   `json:"invoice"`
	Messages  []*models.Message `json:"messages"`
}

func (s *NegotiationService) loadQuotation(ctx context.Context, tx store.Tx, messageID string) (*models.Message, error) {
	m, err := tx.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("quotation", messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quotation: %w", err)
	}
	return m, nil
}

// SubmitQuotation appends a pending quotation. A prior pending quotation is marked
// negotiated and points at its replacement.
func (s *NegotiationService) SubmitQuotation(ctx context.Context, actor models.Actor, orderID string, q models.Quotation) (*models.Message, error) {
	ctx, span := util.StartSpan(ctx, "NegotiationService.SubmitQuotation", util.OrderAttr(orderID))
	defer span.End()

	if err := negotiation.PrepareQuotation(&q, s.defaultCurrency, s.now()); err != nil {
		return nil, err
	}

	var (
		msg        *models.Message
		supersedes string
		from       models.OrderStatus
		result     *models.Order
	)
	err := s.locked(ctx, negotiation.ActionSubmitQuotation, orderID, func(tx store.Tx, order *models.Order) error {
		if err := negotiation.CheckSubmitQuotation(order, actor); err != nil {
			return err
		}
		if q.InResponseTo != "" {
			prior, err := tx.GetMessage(ctx, q.InResponseTo)
			if errors.Is(err, store.ErrNotFound) || (err == nil && (prior.OrderID != order.ID || prior.Payload.Quotation == nil)) {
				return apperr.Validation("inResponseTo %s is not a quotation of order %s", q.InResponseTo, order.ID)
			}
			if err != nil {
				return fmt.Errorf("failed to get revised quotation: %w", err)
			}
		}

		msg = s.newMessage(order, actor, models.MessageTypeQuotation, "", models.MessagePayload{Quotation: &q})

		pending, err := tx.LatestPendingQuotation(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("failed to load pending quotation: %w", err)
		}
		if pending != nil {
			stale := *pending.Payload.Quotation
			stale.Status = models.QuotationNegotiated
			stale.SupersededBy = msg.ID
			if err := tx.UpdateQuotation(ctx, pending.ID, models.QuotationPending, &stale); err != nil {
				return err
			}
			supersedes = pending.ID
		}

		from = order.Status
		order.Status = negotiation.StatusAfterQuotation(from)
		if err := s.commit(ctx, tx, order, from, msg); err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.QuotationsSubmittedTotal.Inc()
	countMessages(msg)
	s.logger.Info("Quotation submitted",
		zap.String("order_id", orderID),
		zap.String("message_id", msg.ID),
		zap.String("actor_id", actor.ID),
		zap.String("amount", q.Amount.String()),
		zap.String("supersedes", supersedes))

	box := newOutbox(result)
	box.add(models.EventQuotationSubmitted, actor.ID, models.QuotationSubmittedPayload{
		Message:    *msg,
		Supersedes: supersedes,
		Order:      models.DeltaOf(result),
	})
	if result.Status != from {
		box.orderUpdated(actor.ID)
	}
	s.flush(ctx, box)
	return msg, nil
}

// expireInTx persists the expiry of a pending quotation found past validUntil.
func (c *core) expireInTx(ctx context.Context, tx store.Tx, order *models.Order, m *models.Message) (*models.Message, error) {
	q := *m.Payload.Quotation
	now := c.now().UTC()
	q.Status = models.QuotationExpired
	q.DecidedAt = &now
	if err := tx.UpdateQuotation(ctx, m.ID, models.QuotationPending, &q); err != nil {
		return nil, err
	}
	note := c.systemMessage(order, models.SystemQuotationExpired, m.ID, "")
	if err := c.commit(ctx, tx, order, order.Status, note); err != nil {
		return nil, err
	}
	return note, nil
}

func (c *core) publishExpiry(ctx context.Context, order *models.Order, note *models.Message) {
	util.QuotationDecisionsTotal.WithLabelValues(string(models.QuotationExpired)).Inc()
	countMessages(note)
	box := newOutbox(order)
	box.messages(models.SystemActor.ID, note)
	box.orderUpdated(models.SystemActor.ID)
	c.flush(ctx, box)
}

// decide loads the quotation, runs guard and, when the guard reports a pending
// quotation past its deadline, commits the expiry before returning the error.
func (s *NegotiationService) decide(ctx context.Context, tx store.Tx, order *models.Order, messageID string,
	guard func(*models.Message) error, expired **models.Message) (*models.Message, error) {
	m, err := s.loadQuotation(ctx, tx, messageID)
	if err != nil {
		return nil, err
	}
	if err := guard(m); err != nil {
		if errors.Is(err, apperr.ErrQuotationExpired) && m.Payload.Quotation.Status == models.QuotationPending {
			note, xerr := s.expireInTx(ctx, tx, order, m)
			if xerr != nil {
				return nil, xerr
			}
			*expired = note
			return nil, store.CommitWith(err)
		}
		return nil, err
	}
	return m, nil
}

// AcceptQuotation atomically accepts a pending quotation, fixes the final amount,
// closes the chat, generates the invoice and records both in the log.
func (s *NegotiationService) AcceptQuotation(ctx context.Context, actor models.Actor, orderID, messageID string) (*AcceptResult, error) {
	ctx, span := util.StartSpan(ctx, "NegotiationService.AcceptQuotation", util.OrderAttr(orderID))
	defer span.End()

	var (
		res     AcceptResult
		expired *models.Message
		order   *models.Order
	)
	err := s.locked(ctx, negotiation.ActionAcceptQuotation, orderID, func(tx store.Tx, o *models.Order) error {
		order = o
		now := s.now()
		m, err := s.decide(ctx, tx, o, messageID, func(m *models.Message) error {
			return negotiation.CheckAccept(o, m, actor, now)
		}, &expired)
		if err != nil {
			return err
		}

		q := *m.Payload.Quotation
		decided := now.UTC()
		q.Status = models.QuotationAccepted
		q.DecidedAt = &decided
		if err := tx.UpdateQuotation(ctx, m.ID, models.QuotationPending, &q); err != nil {
			return err
		}

		from := o.Status
		o.Status = models.OrderStatusAccepted
		o.FinalAmount = decimal.NullDecimal{Decimal: q.Amount, Valid: true}
		o.ChatClosed = true
		o.AcceptedAt = &decided
		o.Delivery = &models.DeliveryTracking{Stage: models.StageNotStarted, UpdatedAt: decided}

		inv, err := s.invoices.Generate(ctx, tx, o, m.ID, &q)
		if err != nil {
			return err
		}
		if err := tx.CreateInvoice(ctx, inv); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.DuplicateInvoice(o.ID)
			}
			return fmt.Errorf("failed to create invoice: %w", err)
		}

		accepted := s.systemMessage(o, models.SystemQuotationAccepted, m.ID, "")
		invoiceMsg := s.newMessage(o, models.SystemActor, models.MessageTypeInvoice, "", models.MessagePayload{Invoice: inv.Ref()})
		if err := s.commit(ctx, tx, o, from, accepted, invoiceMsg); err != nil {
			return err
		}

		m.Payload.Quotation = &q
		res = AcceptResult{Order: o, Quotation: m, Invoice: inv, Messages: []*models.Message{accepted, invoiceMsg}}
		return nil
	})
	if expired != nil {
		s.publishExpiry(ctx, order, expired)
	}
	if err != nil {
		return nil, err
	}

	util.QuotationDecisionsTotal.WithLabelValues(string(models.QuotationAccepted)).Inc()
	util.OrderTransitionsTotal.WithLabelValues(negotiation.ActionAcceptQuotation, string(res.Order.Status)).Inc()
	util.InvoicesGeneratedTotal.Inc()
	countMessages(res.Messages...)
	s.logger.Info("Quotation accepted",
		zap.String("order_id", orderID),
		zap.String("message_id", messageID),
		zap.String("actor_id", actor.ID),
		zap.String("invoice_number", res.Invoice.Number),
		zap.String("final_amount", res.Order.FinalAmount.Decimal.String()))

	box := newOutbox(res.Order)
	box.add(models.EventQuotationAccepted, actor.ID, models.QuotationAcceptedPayload{
		MessageID: messageID,
		Order:     models.DeltaOf(res.Order),
		Invoice:   res.Invoice,
	})
	box.messages(actor.ID, res.Messages...)
	box.orderUpdated(actor.ID)
	s.flush(ctx, box)
	return &res, nil
}

// RejectQuotation rejects a pending quotation. The order stays in negotiation.
func (s *NegotiationService) RejectQuotation(ctx context.Context, actor models.Actor, orderID, messageID, reason string) (*models.Message, error) {
	ctx, span := util.StartSpan(ctx, "NegotiationService.RejectQuotation", util.OrderAttr(orderID))
	defer span.End()

	var (
		quotation *models.Message
		note      *models.Message
		expired   *models.Message
		order     *models.Order
	)
	reason = strings.TrimSpace(reason)
	err := s.locked(ctx, negotiation.ActionRejectQuotation, orderID, func(tx store.Tx, o *models.Order) error {
		order = o
		now := s.now()
		m, err := s.decide(ctx, tx, o, messageID, func(m *models.Message) error {
			return negotiation.CheckReject(o, m, actor, now)
		}, &expired)
		if err != nil {
			return err
		}

		q := *m.Payload.Quotation
		decided := now.UTC()
		q.Status = models.QuotationRejected
		q.Reason = reason
		q.DecidedAt = &decided
		if err := tx.UpdateQuotation(ctx, m.ID, models.QuotationPending, &q); err != nil {
			return err
		}

		note = s.systemMessage(o, models.SystemQuotationRejected, m.ID, reason)
		if err := s.commit(ctx, tx, o, o.Status, note); err != nil {
			return err
		}
		m.Payload.Quotation = &q
		quotation = m
		return nil
	})
	if expired != nil {
		s.publishExpiry(ctx, order, expired)
	}
	if err != nil {
		return nil, err
	}

	util.QuotationDecisionsTotal.WithLabelValues(string(models.QuotationRejected)).Inc()
	countMessages(note)
	s.logger.Info("Quotation rejected",
		zap.String("order_id", orderID),
		zap.String("message_id", messageID),
		zap.String("actor_id", actor.ID))

	box := newOutbox(order)
	box.add(models.EventQuotationRejected, actor.ID, models.QuotationRejectedPayload{MessageID: messageID, Reason: reason})
	box.messages(actor.ID, note)
	s.flush(ctx, box)
	return quotation, nil
}

// SendMessage appends a plain text message
func (s *NegotiationService) SendMessage(ctx context.Context, actor models.Actor, orderID, text string) (*models.Message, error) {
	ctx, span := util.StartSpan(ctx, "NegotiationService.SendMessage", util.OrderAttr(orderID))
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.Validation("text is required")
	}

	var (
		msg   *models.Message
		order *models.Order
	)
	err := s.locked(ctx, negotiation.ActionSendMessage, orderID, func(tx store.Tx, o *models.Order) error {
		if err := negotiation.CheckSendMessage(o, actor); err != nil {
			return err
		}
		msg = s.newMessage(o, actor, models.MessageTypeText, text, models.MessagePayload{})
		if err := s.commit(ctx, tx, o, o.Status, msg); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	countMessages(msg)
	box := newOutbox(order)
	box.messages(actor.ID, msg)
	s.flush(ctx, box)
	return msg, nil
}

// ListMessages returns the order's log in creation order
func (s *NegotiationService) ListMessages(ctx context.Context, actor models.Actor, orderID string) ([]models.Message, error) {
	ctx, span := util.StartSpan(ctx, "NegotiationService.ListMessages", util.OrderAttr(orderID))
	defer span.End()

	if _, err := s.loadForActor(ctx, actor, orderID); err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// MarkRead flags the other party's messages as read for the actor
func (s *NegotiationService) MarkRead(ctx context.Context, actor models.Actor, orderID string) (int64, error) {
	ctx, span := util.StartSpan(ctx, "NegotiationService.MarkRead", util.OrderAttr(orderID))
	defer span.End()

	if _, err := s.loadForActor(ctx, actor, orderID); err != nil {
		return 0, err
	}
	n, err := s.repo.MarkMessagesRead(ctx, orderID, actor.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return n, nil
}

// Typing relays a typing indicator. Nothing is persisted.
func (s *NegotiationService) Typing(ctx context.Context, actor models.Actor, orderID string, isTyping bool) error {
	order, err := s.loadForActor(ctx, actor, orderID)
	if err != nil {
		return err
	}
	box := newOutbox(order)
	box.add(models.EventUserTyping, actor.ID, models.TypingPayload{UserID: actor.ID, IsTyping: isTyping})
	s.flush(ctx, box)
	return nil
}
