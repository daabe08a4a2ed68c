package purchase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/bun"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
)

type customerDataRow struct {
	bun.BaseModel `bun:"table:customer_data,alias:cd"`

	CustomerID          int64      `bun:"customer_id,pk"`
	OrderID             int64      `bun:"order_id,pk"`
	ProductName         string     `bun:"product_name,notnull"`
	ProductDescription  string     `bun:"product_description,nullzero"`
	OrderDate           time.Time  `bun:"order_date,nullzero"`
	Quantity            int        `bun:"quantity,nullzero"`
	OrderAmount         float64    `bun:"order_amount,type:decimal(10,2),nullzero"`
	OrderStatus         string     `bun:"order_status,nullzero"`
	ReturnStatus        string     `bun:"return_status,nullzero"`
	ReturnStartDate     *time.Time `bun:"return_start_date"`
	ReturnReceivedDate  *time.Time `bun:"return_received_date"`
	ReturnCompletedDate *time.Time `bun:"return_completed_date"`
	ReturnReason        string     `bun:"return_reason,nullzero"`
	Notes               string     `bun:"notes,nullzero"`
}

// PostgresStore reads and updates the customer_data table.
type PostgresStore struct {
	db  bun.IDB
	now func() time.Time
}

func NewPostgresStore(db bun.IDB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("bun db is required")
	}
	return &PostgresStore{db: db, now: time.Now}, nil
}

// CreateSchema creates customer_data when it does not exist.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*customerDataRow)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create customer_data table: %w", err)
	}
	return nil
}

// Seed inserts records for a user, leaving existing orders untouched.
func (s *PostgresStore) Seed(ctx context.Context, userID string, recs []statex.PurchaseRecord) error {
	rows := make([]customerDataRow, 0, len(recs))
	for _, rec := range recs {
		row, err := rowFromRecord(userID, rec)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil
	}
	if _, err := s.db.NewInsert().
		Model(&rows).
		On("CONFLICT (customer_id, order_id) DO NOTHING").
		Exec(ctx); err != nil {
		return fmt.Errorf("seed customer_data: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPurchases(ctx context.Context, userID string) ([]statex.PurchaseRecord, error) {
	customerID, err := parseID("user id", userID)
	if err != nil {
		return nil, err
	}
	var rows []customerDataRow
	if err := s.db.NewSelect().
		Model(&rows).
		Where("customer_id = ?", customerID).
		OrderExpr("order_date DESC NULLS LAST, order_id DESC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("%w: select customer_data: %v", contractx.ErrTransient, err)
	}

	out := make([]statex.PurchaseRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out, nil
}

// RequestReturn marks the order Requested only when no return exists yet.
func (s *PostgresStore) RequestReturn(ctx context.Context, userID, orderID string) (bool, error) {
	customerID, err := parseID("user id", userID)
	if err != nil {
		return false, err
	}
	oid, err := parseID("order id", orderID)
	if err != nil {
		return false, err
	}

	res, err := s.db.NewUpdate().
		Model((*customerDataRow)(nil)).
		Set("return_status = ?", statex.ReturnStatusRequested).
		Set("return_start_date = ?", s.now().UTC()).
		Where("customer_id = ?", customerID).
		Where("order_id = ?", oid).
		Where("(return_status IS NULL OR return_status = '' OR lower(return_status) = 'none')").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: update customer_data: %v", contractx.ErrTransient, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %v", contractx.ErrTransient, err)
	}
	if affected > 0 {
		return true, nil
	}

	exists, err := s.db.NewSelect().
		Model((*customerDataRow)(nil)).
		Where("customer_id = ?", customerID).
		Where("order_id = ?", oid).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: select customer_data: %v", contractx.ErrTransient, err)
	}
	if !exists {
		return false, fmt.Errorf("%w: order %s not found for user %s", ErrOrderNotFound, orderID, userID)
	}
	return false, nil
}

func parseID(field, raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not numeric", contractx.ErrValidation, field, raw)
	}
	return id, nil
}

func rowFromRecord(userID string, rec statex.PurchaseRecord) (customerDataRow, error) {
	customerID, err := parseID("user id", userID)
	if err != nil {
		return customerDataRow{}, err
	}
	oid, err := parseID("order id", rec.OrderID)
	if err != nil {
		return customerDataRow{}, err
	}
	return customerDataRow{
		CustomerID:          customerID,
		OrderID:             oid,
		ProductName:         rec.ProductName,
		ProductDescription:  rec.ProductDescription,
		OrderDate:           rec.OrderDate,
		Quantity:            rec.Quantity,
		OrderAmount:         rec.OrderAmount,
		OrderStatus:         rec.OrderStatus,
		ReturnStatus:        rec.ReturnStatus,
		ReturnStartDate:     rec.ReturnStartDate,
		ReturnReceivedDate:  rec.ReturnReceivedDate,
		ReturnCompletedDate: rec.ReturnCompletedDate,
		ReturnReason:        rec.ReturnReason,
		Notes:               rec.Notes,
	}, nil
}

func (r *customerDataRow) toRecord() statex.PurchaseRecord {
	return statex.PurchaseRecord{
		OrderID:             strconv.FormatInt(r.OrderID, 10),
		ProductName:         r.ProductName,
		ProductDescription:  r.ProductDescription,
		OrderDate:           r.OrderDate.UTC(),
		Quantity:            r.Quantity,
		OrderAmount:         r.OrderAmount,
		OrderStatus:         r.OrderStatus,
		ReturnStatus:        r.ReturnStatus,
		ReturnStartDate:     utcPtr(r.ReturnStartDate),
		ReturnReceivedDate:  utcPtr(r.ReturnReceivedDate),
		ReturnCompletedDate: utcPtr(r.ReturnCompletedDate),
		ReturnReason:        r.ReturnReason,
		Notes:               r.Notes,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

var _ contractx.PurchaseStore = (*PostgresStore)(nil)
