package amqp

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"expensewatch/internal/core"
)

// AnomalyMessage announces an imported expense that was flagged as anomalous.
// It carries enough of the expense for a consumer to alert without a lookup.
type AnomalyMessage struct {
	ExpenseID   int64           `json:"expenseId"`
	OwnerID     int64           `json:"ownerId"`
	Category    string          `json:"category"`
	VendorName  string          `json:"vendorName"`
	Amount      decimal.Decimal `json:"amount"`
	ExpenseDate core.Date       `json:"expenseDate"`
	Timestamp   time.Time       `json:"timestamp"`
}

func NewAnomalyMessage(e core.Expense) *AnomalyMessage {
	return &AnomalyMessage{
		ExpenseID:   e.ID,
		OwnerID:     e.OwnerID,
		Category:    e.Category,
		VendorName:  e.VendorName,
		Amount:      e.Amount,
		ExpenseDate: e.ExpenseDate,
		Timestamp:   time.Now().UTC(),
	}
}

func (m *AnomalyMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func AnomalyMessageFromJSON(data []byte) (*AnomalyMessage, error) {
	var msg AnomalyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
