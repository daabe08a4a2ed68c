package contract

import (
	"context"
	"time"

	"github.com/cloudwego/eino/schema"

	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
)

type IntentClassifier interface {
	Classify(ctx context.Context, req IntentRequest) (RoutingDecision, error)
}

// ProductExtractor returns the product name the messages refer to, or "" when none.
type ProductExtractor interface {
	ExtractProductName(ctx context.Context, messages []*schema.Message) (string, error)
}

type Responder interface {
	Respond(ctx context.Context, req ResponseRequest) (string, error)
}

type Registry interface {
	Classifier() IntentClassifier
	Extractor() ProductExtractor
	Responder() Responder
}

type StructuredRetriever interface {
	Search(ctx context.Context, q StructuredQuery) (string, error)
}

type UnstructuredRetriever interface {
	Search(ctx context.Context, q UnstructuredQuery) (string, error)
}

// PurchaseStore is the order database. RequestReturn must be idempotent and
// reports whether this call changed the row.
type PurchaseStore interface {
	ListPurchases(ctx context.Context, userID string) ([]statex.PurchaseRecord, error)
	RequestReturn(ctx context.Context, userID, orderID string) (bool, error)
}

// ApprovalScheduler arranges for CancelPending to be called once an approval expires.
type ApprovalScheduler interface {
	ScheduleExpiry(ctx context.Context, threadID, callID string, after time.Duration) error
}

type FailureReporter interface {
	Report(ctx context.Context, f TurnFailure)
}
