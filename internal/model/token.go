package model

import "time"

// TokenKind names a purchasable token bucket on the balance row.
type TokenKind string

const (
	TokenGeneration TokenKind = "generation"
	TokenExport     TokenKind = "export"
	TokenShield     TokenKind = "shield"
)

// TransactionSource records why a balance changed.
type TransactionSource string

const (
	SourcePurchase     TransactionSource = "purchase"
	SourceSubscription TransactionSource = "subscription"
	SourceReward       TransactionSource = "reward"
	SourceUsage        TransactionSource = "usage"
)

// TokenBalance is the per-user token ledger row. The three token counters
// are purchased capacity; the three monthly-used counters track consumption
// of tier-included allowances and reset on subscription renewal.
// Invariant: all counters are >= 0 at all times.
type TokenBalance struct {
	UserID                 string     `json:"user_id"`
	GenerationTokens       int64      `json:"generation_tokens"`
	ExportTokens           int64      `json:"export_tokens"`
	StreakShields          int64      `json:"streak_shields"`
	MonthlyGenerationsUsed int64      `json:"monthly_generations_used"`
	MonthlyExportsUsed     int64      `json:"monthly_exports_used"`
	MonthlyShieldsUsed     int64      `json:"monthly_shields_used"`
	MonthlyResetAt         *time.Time `json:"monthly_reset_at"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Tokens returns the purchased balance for the given kind.
func (b *TokenBalance) Tokens(kind TokenKind) int64 {
	switch kind {
	case TokenGeneration:
		return b.GenerationTokens
	case TokenExport:
		return b.ExportTokens
	case TokenShield:
		return b.StreakShields
	}
	return 0
}

// TokenTransaction is one append-only ledger entry. Amount is signed;
// Balance is the counter value after the change. Reference carries the
// external idempotency key for credits driven by webhook deliveries.
type TokenTransaction struct {
	ID        int64             `json:"id"`
	UserID    string            `json:"user_id"`
	Kind      TokenKind         `json:"kind"`
	Amount    int64             `json:"amount"`
	Balance   int64             `json:"balance"`
	Source    TransactionSource `json:"source"`
	Reference *string           `json:"reference"`
	CreatedAt time.Time         `json:"created_at"`
}
