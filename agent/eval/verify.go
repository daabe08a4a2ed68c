package eval

import (
	"context"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
)

// Check is the outcome of one verification.
type Check struct {
	Name   string   `json:"name"`
	Passed bool     `json:"passed"`
	Found  []string `json:"found,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// ResponseContains passes when every value appears in the response, ignoring case.
func ResponseContains(response string, values []string) Check {
	lower := strings.ToLower(response)
	var found, missing []string
	for _, v := range values {
		if strings.Contains(lower, strings.ToLower(v)) {
			found = append(found, v)
		} else {
			missing = append(missing, v)
		}
	}
	c := Check{Name: "response_contains", Passed: len(missing) == 0, Found: found}
	if !c.Passed {
		c.Error = fmt.Sprintf("missing expected values: %q", missing)
	}
	return c
}

// ResponseNotContains passes when none of the values appear in the response, ignoring case.
func ResponseNotContains(response string, values []string) Check {
	lower := strings.ToLower(response)
	var forbidden []string
	for _, v := range values {
		if strings.Contains(lower, strings.ToLower(v)) {
			forbidden = append(forbidden, v)
		}
	}
	c := Check{Name: "response_not_contains", Passed: len(forbidden) == 0, Found: forbidden}
	if !c.Passed {
		c.Error = fmt.Sprintf("found forbidden values: %q", forbidden)
	}
	return c
}

func ToolsCalled(called, required []string) Check {
	seen := toolSet(called)
	var missing []string
	for _, name := range required {
		if _, ok := seen[name]; !ok {
			missing = append(missing, name)
		}
	}
	c := Check{Name: "tools_called", Passed: len(missing) == 0, Found: called}
	if !c.Passed {
		c.Error = fmt.Sprintf("missing required tools: %q", missing)
	}
	return c
}

func ToolsNotCalled(called, forbidden []string) Check {
	seen := toolSet(called)
	var hit []string
	for _, name := range forbidden {
		if _, ok := seen[name]; ok {
			hit = append(hit, name)
		}
	}
	c := Check{Name: "tools_not_called", Passed: len(hit) == 0, Found: hit}
	if !c.Passed {
		c.Error = fmt.Sprintf("forbidden tools were called: %q", hit)
	}
	return c
}

func toolSet(called []string) map[string]struct{} {
	set := make(map[string]struct{}, len(called))
	for _, name := range called {
		set[name] = struct{}{}
	}
	return set
}

// OrderState reads the order back from the store and compares the expected
// fields case-insensitively.
func OrderState(ctx context.Context, store contractx.PurchaseStore, userID, orderID string, expected map[string]string) Check {
	c := Check{Name: "order_state"}
	records, err := store.ListPurchases(ctx, userID)
	if err != nil {
		c.Error = fmt.Sprintf("list purchases: %v", err)
		return c
	}

	var rec *statex.PurchaseRecord
	for i := range records {
		if records[i].OrderID == orderID {
			rec = &records[i]
			break
		}
	}
	if rec == nil {
		c.Error = fmt.Sprintf("order not found: user=%s order=%s", userID, orderID)
		return c
	}

	var mismatches []string
	for field, want := range expected {
		got, ok := orderField(*rec, field)
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s: unknown field", field))
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want)) {
			mismatches = append(mismatches, fmt.Sprintf("%s: want %q got %q", field, want, got))
		}
	}
	c.Passed = len(mismatches) == 0
	if !c.Passed {
		c.Error = "order state mismatches: " + strings.Join(mismatches, "; ")
	}
	return c
}

func orderField(rec statex.PurchaseRecord, field string) (string, bool) {
	switch field {
	case "order_status":
		return rec.OrderStatus, true
	case "return_status":
		return rec.ReturnStatus, true
	case "product_name":
		return rec.ProductName, true
	case "return_reason":
		return rec.ReturnReason, true
	default:
		return "", false
	}
}

// Verify runs every check the task asks for.
func Verify(ctx context.Context, task Task, response string, tools []string, store contractx.PurchaseStore) []Check {
	var checks []Check
	if len(task.ResponseMustContain) > 0 {
		checks = append(checks, ResponseContains(response, task.ResponseMustContain))
	}
	if len(task.ResponseMustNotContain) > 0 {
		checks = append(checks, ResponseNotContains(response, task.ResponseMustNotContain))
	}
	if len(task.ToolMustBeCalled) > 0 {
		checks = append(checks, ToolsCalled(tools, task.ToolMustBeCalled))
	}
	if len(task.ToolMustNotBeCalled) > 0 {
		checks = append(checks, ToolsNotCalled(tools, task.ToolMustNotBeCalled))
	}
	if len(task.ExpectedOrderState) > 0 && store != nil {
		if orderID := task.OrderID(); orderID != "" {
			checks = append(checks, OrderState(ctx, store, task.UserID, orderID, task.ExpectedOrderState))
		}
	}
	return checks
}
