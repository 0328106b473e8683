package orders

import (
	"context"
	"fmt"
	"strings"

	"chat-dispatch/pkg/apperr"
	"chat-dispatch/pkg/models"
)

// StaticStore serves a fixed set of orders, used when no order system is configured
type StaticStore struct {
	orders map[string]models.OrderStatus
}

func NewStaticStore(orders []models.OrderStatus) *StaticStore {
	m := make(map[string]models.OrderStatus, len(orders))
	for _, o := range orders {
		m[strings.ToUpper(o.OrderNumber)] = o
	}
	return &StaticStore{orders: m}
}

func (s *StaticStore) GetOrderStatus(_ context.Context, orderID string) (models.OrderStatus, error) {
	o, ok := s.orders[strings.ToUpper(strings.TrimSpace(orderID))]
	if !ok {
		return models.OrderStatus{}, apperr.New(apperr.NotFound, "order_not_found", fmt.Errorf("order %s", orderID))
	}
	o.Items = append([]string(nil), o.Items...)
	return o, nil
}

// DefaultOrders is the built-in demo order set
func DefaultOrders() []models.OrderStatus {
	return []models.OrderStatus{
		{
			OrderNumber:       "ORD2024080501",
			Status:            "shipped",
			Items:             []string{"iPhone 15 Pro", "Phone case"},
			TotalAmount:       8999.00,
			TrackingNumber:    "SF1234567890",
			EstimatedDelivery: "2024-08-07",
		},
		{
			OrderNumber:       "ORD2024080502",
			Status:            "completed",
			Items:             []string{"MacBook Air M3"},
			TotalAmount:       12999.00,
			EstimatedDelivery: "2024-08-04",
			Delivered:         true,
		},
	}
}
