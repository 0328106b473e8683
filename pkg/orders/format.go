package orders

import (
	"fmt"
	"strings"

	"chat-dispatch/pkg/models"
)

// Format renders an order record as a chat reply
func Format(o models.OrderStatus) string {
	var b strings.Builder
	b.WriteString("📦 Order details\n")
	fmt.Fprintf(&b, "Order number: %s\n", o.OrderNumber)
	fmt.Fprintf(&b, "Status: %s\n", o.Status)
	if len(o.Items) > 0 {
		fmt.Fprintf(&b, "Items: %s\n", strings.Join(o.Items, ", "))
	}
	fmt.Fprintf(&b, "Total: ¥%.2f\n", o.TotalAmount)
	if o.TrackingNumber != "" {
		fmt.Fprintf(&b, "Tracking number: %s\n", o.TrackingNumber)
	}
	if o.EstimatedDelivery != "" {
		if o.Delivered {
			fmt.Fprintf(&b, "Delivered on: %s\n", o.EstimatedDelivery)
		} else {
			fmt.Fprintf(&b, "Estimated delivery: %s\n", o.EstimatedDelivery)
		}
	}
	b.WriteString("\nType 'human' if you need more help.")
	return b.String()
}

const (
	shippingHelp = "📮 Shipping:\n\n1. Orders ship within 24 hours of confirmation\n" +
		"2. We ship with SF Express, YTO and STO\n3. Delivery usually takes 3-5 business days\n" +
		"4. Track progress with your tracking number\n\nSend your order number to check a parcel, or type 'human' for an agent."
	returnsHelp = "🔄 Returns and exchanges:\n\n1. Returns are accepted within 7 days, no reason needed\n" +
		"2. Items must be in their original packaging\n3. Refunds arrive within 3-5 business days\n" +
		"4. Exchanges require a new order\n\nSend your order number to start a return, or type 'human' for an agent."
	invoiceHelp = "🧾 Invoices:\n\n1. Electronic and paper invoices are available\n" +
		"2. Choose the invoice type when ordering\n3. Electronic invoices are sent by email\n" +
		"4. Paper invoices ship with the goods\n\nSend your order number to request an invoice, or type 'human' for an agent."
	generalHelp = "📋 Order services:\n\n• Order status: send your order number\n" +
		"• Shipping: send your tracking number\n• Returns: describe the problem\n" +
		"• Invoices: send your order details\n\nYou can also type 'human' to talk to an agent."
)

var helpTopics = []struct {
	keywords []string
	text     string
}{
	{[]string{"快递", "物流", "发货", "shipping", "delivery", "tracking"}, shippingHelp},
	{[]string{"退货", "退款", "换货", "return", "refund", "exchange"}, returnsHelp},
	{[]string{"发票", "开票", "invoice", "receipt"}, invoiceHelp},
}

// HelpText answers an order question that carries no order number
func HelpText(query string) string {
	q := strings.ToLower(query)
	for _, topic := range helpTopics {
		for _, k := range topic.keywords {
			if strings.Contains(q, k) {
				return topic.text
			}
		}
	}
	return generalHelp
}
