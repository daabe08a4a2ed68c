// Package purchase holds the order store backends read by fetch_purchase_history
// and written by execute_return.
package purchase

import (
	"errors"
	"time"

	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
)

var ErrOrderNotFound = errors.New("order not found")

// SampleRecords is a small catalogue used by the console when no database is configured.
func SampleRecords(userID string, now time.Time) map[string][]statex.PurchaseRecord {
	day := 24 * time.Hour
	received := now.Add(-20 * day)
	return map[string][]statex.PurchaseRecord{
		userID: {
			{OrderID: "1001", ProductName: "NVIDIA Jetson Nano Developer Kit", ProductDescription: "AI computer with 4GB LPDDR4 RAM", OrderDate: now.Add(-2 * day), Quantity: 1, OrderAmount: 149, OrderStatus: "Shipped"},
			{OrderID: "1002", ProductName: "NVIDIA GeForce RTX 4090", ProductDescription: "24GB GDDR6X graphics card", OrderDate: now.Add(-25 * day), Quantity: 1, OrderAmount: 1599, OrderStatus: "Delivered", ReturnStatus: "Received", ReturnStartDate: &received, ReturnReceivedDate: &received, ReturnReason: "Defective fan"},
			{OrderID: "1003", ProductName: "Raspberry Pi 5", ProductDescription: "Single board computer, 8GB", OrderDate: now.Add(-5 * day), Quantity: 2, OrderAmount: 160, OrderStatus: "Delivered"},
			{OrderID: "1004", ProductName: "Logitech MX Master 3S", ProductDescription: "Wireless mouse", OrderDate: now.Add(-10 * day), Quantity: 1, OrderAmount: 99, OrderStatus: "Delivered"},
			{OrderID: "1005", ProductName: "Logitech MX Keys S", ProductDescription: "Wireless keyboard", OrderDate: now.Add(-10 * day), Quantity: 1, OrderAmount: 109, OrderStatus: "Delivered"},
		},
	}
}
