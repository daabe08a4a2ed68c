package tool

import (
	"time"

	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
)

const DefaultReturnWindowDays = 15

// ReturnVerdict is the policy outcome of a return window check.
type ReturnVerdict string

const (
	VerdictEligible       ReturnVerdict = "eligible"
	VerdictExistingReturn ReturnVerdict = "existing_return"
	VerdictNotDelivered   ReturnVerdict = "not_delivered"
	VerdictWindowExpired  ReturnVerdict = "window_expired"
)

type ReturnWindowOutput struct {
	OrderID      string        `json:"order_id"`
	ProductName  string        `json:"product_name"`
	Verdict      ReturnVerdict `json:"verdict"`
	ReturnStatus string        `json:"return_status,omitempty"`
	OrderStatus  string        `json:"order_status"`
	Deadline     time.Time     `json:"deadline"`
	DaysElapsed  int           `json:"days_elapsed"`
}

// CheckReturnWindow applies the return policy to one order. An existing return
// takes precedence over delivery state, which takes precedence over the window.
func CheckReturnWindow(rec statex.PurchaseRecord, now time.Time, windowDays int) ReturnWindowOutput {
	if windowDays <= 0 {
		windowDays = DefaultReturnWindowDays
	}
	orderDay := rec.OrderDate.UTC().Truncate(24 * time.Hour)
	deadline := orderDay.AddDate(0, 0, windowDays)
	out := ReturnWindowOutput{
		OrderID:      rec.OrderID,
		ProductName:  rec.ProductName,
		ReturnStatus: rec.ReturnStatus,
		OrderStatus:  rec.OrderStatus,
		Deadline:     deadline,
		DaysElapsed:  int(now.UTC().Truncate(24*time.Hour).Sub(orderDay).Hours() / 24),
	}

	switch {
	case rec.HasReturn():
		out.Verdict = VerdictExistingReturn
	case !rec.IsDelivered():
		out.Verdict = VerdictNotDelivered
	case out.DaysElapsed > windowDays:
		out.Verdict = VerdictWindowExpired
	default:
		out.Verdict = VerdictEligible
	}
	return out
}

func executeReturnWindow(deps Deps, st *statex.ConversationState, args map[string]any) (Result, error) {
	orderID, err := stringArg(args, "order_id")
	if err != nil {
		return Result{Tool: ToolReturnWindowValidation, Error: err.Error()}, nil
	}
	rec, ok := st.FindOrder(orderID)
	if !ok {
		return Result{Tool: ToolReturnWindowValidation, Error: "order " + orderID + " not found in purchase history"}, nil
	}
	now := st.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	return Result{
		Tool:   ToolReturnWindowValidation,
		Result: CheckReturnWindow(rec, now, deps.ReturnWindowDays),
	}, nil
}
