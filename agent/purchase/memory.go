package purchase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
)

// MemoryStore keeps purchase records per user in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]statex.PurchaseRecord
	now     func() time.Time
}

func NewMemoryStore(records map[string][]statex.PurchaseRecord) *MemoryStore {
	copied := make(map[string][]statex.PurchaseRecord, len(records))
	for userID, recs := range records {
		copied[userID] = append([]statex.PurchaseRecord(nil), recs...)
	}
	return &MemoryStore{records: copied, now: time.Now}
}

// ListPurchases returns the user's orders, newest first.
func (m *MemoryStore) ListPurchases(ctx context.Context, userID string) ([]statex.PurchaseRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", contractx.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := append([]statex.PurchaseRecord(nil), m.records[userID]...)
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) RequestReturn(ctx context.Context, userID, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.records[userID]
	for i := range recs {
		if recs[i].OrderID != orderID {
			continue
		}
		if recs[i].HasReturn() {
			return false, nil
		}
		started := m.now().UTC()
		recs[i].ReturnStatus = statex.ReturnStatusRequested
		recs[i].ReturnStartDate = &started
		return true, nil
	}
	return false, fmt.Errorf("%w: order %s not found for user %s", ErrOrderNotFound, orderID, userID)
}

func sortNewestFirst(recs []statex.PurchaseRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].OrderDate.After(recs[j].OrderDate)
	})
}

var _ contractx.PurchaseStore = (*MemoryStore)(nil)
