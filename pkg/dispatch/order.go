package dispatch

import (
	"context"

	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/apperr"
	"chat-dispatch/pkg/classifier"
	"chat-dispatch/pkg/models"
	"chat-dispatch/pkg/orders"
)

// handleOrder looks the order up. Any lookup failure, a missing order
// included, escalates the sender to a human.
func (d *Dispatcher) handleOrder(ctx context.Context, senderID, text string, decision classifier.Decision) models.Reply {
	if decision.OrderID == "" {
		return models.Reply{
			Text:   orders.HelpText(text),
			Status: models.StatusAnswered,
			Intent: models.IntentOrderQuery,
		}
	}

	order, err := d.deps.Orders.GetOrderStatus(ctx, decision.OrderID)
	if err == nil {
		d.deps.Sessions.ResetFallbacks(senderID)
		return models.Reply{
			Text:   orders.Format(order),
			Status: models.StatusAnswered,
			Intent: models.IntentOrderQuery,
		}
	}

	d.logger.WithError(err).WithFields(logrus.Fields{
		"sender_id": senderID,
		"order_id":  decision.OrderID,
		"kind":      apperr.KindOf(err),
	}).Warn("Order lookup failed, escalating to human")

	reply := d.escalate(ctx, senderID, text)
	reply.Text = orderUnavailableReply(decision.OrderID) + "\n\n" + reply.Text
	reply.Intent = models.IntentOrderQuery
	return reply
}
