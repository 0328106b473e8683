package dispatch

import (
	"context"

	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/apperr"
	"chat-dispatch/pkg/classifier"
	"chat-dispatch/pkg/models"
)

func (d *Dispatcher) handleHandoff(ctx context.Context, senderID, text string, sess models.Session, decision classifier.Decision) models.Reply {
	if decision.Cancel {
		return d.cancelTransfer(ctx, senderID)
	}
	if !sess.InHandoff() {
		return d.escalate(ctx, senderID, text)
	}

	ticket, position, err := d.deps.Handoff.AddSenderMessage(ctx, senderID, text)
	switch {
	case err == nil:
		status := models.StatusQueued
		if position == 0 {
			status = models.StatusForwarded
		}
		return models.Reply{
			Text:     queueStatusReply(position),
			Status:   status,
			Intent:   models.IntentHumanHandoff,
			TicketID: ticket.ID,
			Position: position,
		}
	case apperr.Is(err, apperr.TicketNotFound):
		// the ticket ended after the session snapshot was taken
		d.releaseSession(senderID)
		return d.route(ctx, senderID, text, d.deps.Sessions.Get(senderID))
	default:
		d.logger.WithError(err).WithField("sender_id", senderID).Error("Failed to attach sender message")
		return models.Reply{Text: replyHandoffUnavailable, Status: models.StatusFallback, Intent: models.IntentHumanHandoff}
	}
}

// escalate opens a ticket, or returns the sender's live one
func (d *Dispatcher) escalate(ctx context.Context, senderID, text string) models.Reply {
	res, err := d.deps.Handoff.Enqueue(ctx, senderID, text)
	switch {
	case err == nil:
		status := models.StatusEscalated
		if res.Existing {
			status = models.StatusQueued
		}
		d.logger.WithFields(logrus.Fields{
			"sender_id": senderID,
			"ticket_id": res.Ticket.ID,
			"position":  res.Position,
			"existing":  res.Existing,
		}).Info("Sender escalated to human")
		return models.Reply{
			Text:     transferReply(res.Position),
			Status:   status,
			Intent:   models.IntentHumanHandoff,
			TicketID: res.Ticket.ID,
			Position: res.Position,
		}
	case apperr.Is(err, apperr.QueueFull):
		d.logger.WithError(err).WithField("sender_id", senderID).Warn("Handoff queue full")
		return models.Reply{Text: replyQueueFull, Status: models.StatusQueueFull, Intent: models.IntentHumanHandoff}
	default:
		d.logger.WithError(err).WithField("sender_id", senderID).Error("Failed to enqueue handoff ticket")
		return models.Reply{Text: replyHandoffUnavailable, Status: models.StatusFallback, Intent: models.IntentHumanHandoff}
	}
}

func (d *Dispatcher) cancelTransfer(ctx context.Context, senderID string) models.Reply {
	ticket, err := d.deps.Handoff.Cancel(ctx, senderID)
	switch {
	case err == nil:
		return models.Reply{
			Text:     replyCancelled,
			Status:   models.StatusCancelled,
			Intent:   models.IntentHumanHandoff,
			TicketID: ticket.ID,
		}
	case apperr.Is(err, apperr.TicketNotFound):
		d.releaseSession(senderID)
		return models.Reply{Text: replyNoTransfer, Status: models.StatusCancelled, Intent: models.IntentHumanHandoff}
	default:
		d.logger.WithError(err).WithField("sender_id", senderID).Error("Failed to cancel handoff ticket")
		return models.Reply{Text: replyHandoffUnavailable, Status: models.StatusFallback, Intent: models.IntentHumanHandoff}
	}
}

func (d *Dispatcher) releaseSession(senderID string) {
	if err := d.deps.Sessions.MarkAutomated(senderID); err != nil {
		d.logger.WithError(err).WithField("sender_id", senderID).Warn("Failed to release session")
	}
}
