// Package ledger models the transactions extracted from receipts, and the
// airlocked schema through which untrusted vision-model output must pass
// before entering any store.
package ledger

import (
	"fmt"
	"time"

	"github.com/yorutsuke/yorutsuke/ids"
)

// Type of a transaction.
type Type string

const (
	TypeIncome  Type = "income"
	TypeExpense Type = "expense"
)

// Status of a transaction row.
type Status string

const (
	StatusUnconfirmed Status = "unconfirmed"
	StatusConfirmed   Status = "confirmed"
	StatusDeleted     Status = "deleted"
	StatusNeedsReview Status = "needs_review"
)

// Categories form a closed set; the vision model is prompted with them and
// its output is validated against them.
var Categories = []string{
	"groceries", "dining", "transport", "utilities", "housing",
	"medical", "entertainment", "clothing", "education", "salary",
	"gift", "other",
}

func validCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Transaction is one ledger row.
type Transaction struct {
	Id          ids.TransactionId `json:"id"`
	UserId      ids.UserId        `json:"userId"`
	ImageId     ids.ImageId       `json:"imageId,omitempty"` // Empty for manual entries.
	Amount      ids.Money         `json:"amount"`
	Type        Type              `json:"type"`
	Date        string            `json:"date"` // ISO calendar date.
	Merchant    string            `json:"merchant"`
	Category    string            `json:"category"`
	Description string            `json:"description"`
	Status      Status            `json:"status"`
	Version     int64             `json:"version"`
	Dirty       bool              `json:"dirty,omitempty"` // Local-only: awaiting push.
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	ConfirmedAt time.Time         `json:"confirmedAt,omitempty"`
	TTL         int64             `json:"ttl,omitempty"` // Epoch seconds; guest rows only.
	// ReviewNotes carries airlock validation errors of needs_review rows.
	ReviewNotes string `json:"reviewNotes,omitempty"`
}

func (t *Transaction) Validate() error {
	if err := t.Id.Validate(); err != nil {
		return err
	} else if err := t.UserId.Validate(); err != nil {
		return err
	} else if err := t.Amount.Validate(); err != nil {
		return err
	}
	if t.Type != TypeIncome && t.Type != TypeExpense {
		return fmt.Errorf("transaction %s has invalid type %q", t.Id, t.Type)
	}
	if t.Version < 0 {
		return fmt.Errorf("transaction %s has negative version", t.Id)
	}
	return nil
}

// GuestTTL is how long guest-owned rows are retained.
const GuestTTL = 30 * 24 * time.Hour

// Extraction is the fixed schema of vision-model output. It is the shape
// the airlock validates before a Transaction may be derived from it.
type Extraction struct {
	Amount      int64  `json:"amount"`
	Type        string `json:"type"`
	Date        string `json:"date"`
	Merchant    string `json:"merchant"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// Validate returns every schema violation of the extraction, not just the
// first: needs_review rows carry the full list for downstream repair.
func (e *Extraction) Validate() []error {
	var errs []error
	if e.Amount < 0 {
		errs = append(errs, fmt.Errorf("amount %d is negative", e.Amount))
	}
	if e.Type != string(TypeIncome) && e.Type != string(TypeExpense) {
		errs = append(errs, fmt.Errorf("type %q is not income or expense", e.Type))
	}
	if _, err := time.Parse("2006-01-02", e.Date); err != nil {
		errs = append(errs, fmt.Errorf("date %q is not an ISO date", e.Date))
	}
	if e.Merchant == "" {
		errs = append(errs, fmt.Errorf("merchant is empty"))
	}
	if !validCategory(e.Category) {
		errs = append(errs, fmt.Errorf("category %q is not known", e.Category))
	}
	return errs
}
