package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// KPISummary is the aggregate view returned by /api/metrics/summary.
// All aggregation happens server-side; this client only displays it.
type KPISummary struct {
	Revenue       decimal.Decimal `json:"revenue"`
	Orders        int64           `json:"orders"`
	AvgOrderValue decimal.Decimal `json:"avg_order_value"`
	GrossMargin   decimal.Decimal `json:"gross_margin"`
	RefundRate    decimal.Decimal `json:"refund_rate"`
	Currency      string          `json:"currency"`
}

// DailyMetric is one row of /api/metrics/daily
type DailyMetric struct {
	Date        string          `json:"date"` // YYYY-MM-DD
	Revenue     decimal.Decimal `json:"revenue"`
	Orders      int64           `json:"orders"`
	Visitors    int64           `json:"visitors"`
	Conversion  decimal.Decimal `json:"conversion"`
	GrossMargin decimal.Decimal `json:"gross_margin"`
}

// MetricsPage is one page of daily metrics
type MetricsPage struct {
	Items    []DailyMetric `json:"items"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Total    int           `json:"total"`
}

// CohortRow is one cohort (acquisition month) with retention per offset month
type CohortRow struct {
	Cohort    string            `json:"cohort"` // YYYY-MM
	Size      int64             `json:"size"`
	Retention []decimal.Decimal `json:"retention"` // fraction retained per month offset
}

// Account is one linked financial account
type Account struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Institution string          `json:"institution"`
	Mask        string          `json:"mask"`
	Type        string          `json:"type"`
	Balance     decimal.Decimal `json:"balance"`
	Currency    string          `json:"currency"`
}

// AccountsPage is one page of linked accounts
type AccountsPage struct {
	Items    []Account `json:"items"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
	Total    int       `json:"total"`
}

// Transaction is one row of /api/finance/transactions
type Transaction struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Date      string          `json:"date"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Pending   bool            `json:"pending"`
}

// TransactionsPage is one page of transactions
type TransactionsPage struct {
	Items    []Transaction `json:"items"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Total    int           `json:"total"`
}

// MarginSummary is the server-computed margin breakdown
type MarginSummary struct {
	Revenue     decimal.Decimal `json:"revenue"`
	COGS        decimal.Decimal `json:"cogs"`
	Fees        decimal.Decimal `json:"fees"`
	Shipping    decimal.Decimal `json:"shipping"`
	NetMargin   decimal.Decimal `json:"net_margin"`
	MarginRatio decimal.Decimal `json:"margin_ratio"`
	Currency    string          `json:"currency"`
}

// SyncStatus reports the backend's data pipeline state
type SyncStatus struct {
	State      string    `json:"state"` // idle, running, failed
	LastSyncAt time.Time `json:"last_sync_at"`
	LastError  string    `json:"last_error,omitempty"`
	Tables     []string  `json:"tables,omitempty"`
}

// LinkToken is the opaque token handed to the vendor bank-link widget
type LinkToken struct {
	Token     string    `json:"link_token"`
	ExpiresAt time.Time `json:"expires_at"`
}
