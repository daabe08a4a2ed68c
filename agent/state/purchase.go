package state

import (
	"strings"
	"time"
)

// Order and return statuses as stored in customer_data.
const (
	OrderStatusDelivered  = "Delivered"
	ReturnStatusRequested = "Requested"
)

// PurchaseRecord is one order/return row of the caller's purchase history.
type PurchaseRecord struct {
	OrderID             string     `json:"order_id"`
	ProductName         string     `json:"product_name"`
	ProductDescription  string     `json:"product_description,omitempty"`
	OrderDate           time.Time  `json:"order_date"`
	Quantity            int        `json:"quantity,omitempty"`
	OrderAmount         float64    `json:"order_amount,omitempty"`
	OrderStatus         string     `json:"order_status"`
	ReturnStatus        string     `json:"return_status,omitempty"`
	ReturnStartDate     *time.Time `json:"return_start_date,omitempty"`
	ReturnReceivedDate  *time.Time `json:"return_received_date,omitempty"`
	ReturnCompletedDate *time.Time `json:"return_completed_date,omitempty"`
	ReturnReason        string     `json:"return_reason,omitempty"`
	Notes               string     `json:"notes,omitempty"`
}

// HasReturn reports whether a return already exists for the order.
func (r PurchaseRecord) HasReturn() bool {
	status := strings.TrimSpace(r.ReturnStatus)
	return status != "" && !strings.EqualFold(status, "none")
}

// IsDelivered reports whether the order reached the customer.
func (r PurchaseRecord) IsDelivered() bool {
	return strings.EqualFold(strings.TrimSpace(r.OrderStatus), OrderStatusDelivered)
}
