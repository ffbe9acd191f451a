package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/model"
)

// ErrInsufficientTokens is returned when a conditional deduction finds
// fewer tokens than requested. The balance row is left untouched and no
// ledger entry is written.
var ErrInsufficientTokens = errors.New("insufficient tokens")

// dbtx is satisfied by both *sql.DB and *sql.Tx so balance operations can
// run standalone or inside the consume transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type TokenBalanceStore struct {
	db *sql.DB
}

func NewTokenBalanceStore(db *sql.DB) *TokenBalanceStore {
	return &TokenBalanceStore{db: db}
}

const balanceCols = `user_id, generation_tokens, export_tokens, streak_shields,
	monthly_generations_used, monthly_exports_used, monthly_shields_used,
	monthly_reset_at, created_at, updated_at`

func scanBalance(scanner interface{ Scan(...any) error }) (*model.TokenBalance, error) {
	var b model.TokenBalance
	var resetAt sql.NullTime
	err := scanner.Scan(
		&b.UserID, &b.GenerationTokens, &b.ExportTokens, &b.StreakShields,
		&b.MonthlyGenerationsUsed, &b.MonthlyExportsUsed, &b.MonthlyShieldsUsed,
		&resetAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.MonthlyResetAt = nullTimePtr(resetAt)
	return &b, nil
}

// tokenColumn maps a token kind to its balance column. Column names are
// fixed here, never caller-supplied, so building SQL with them is safe.
func tokenColumn(kind model.TokenKind) (string, error) {
	switch kind {
	case model.TokenGeneration:
		return "generation_tokens", nil
	case model.TokenExport:
		return "export_tokens", nil
	case model.TokenShield:
		return "streak_shields", nil
	}
	return "", fmt.Errorf("unknown token kind %q", kind)
}

func monthlyUsedColumn(kind model.TokenKind) (string, error) {
	switch kind {
	case model.TokenGeneration:
		return "monthly_generations_used", nil
	case model.TokenExport:
		return "monthly_exports_used", nil
	case model.TokenShield:
		return "monthly_shields_used", nil
	}
	return "", fmt.Errorf("unknown token kind %q", kind)
}

// GetOrCreate returns the user's balance row, creating a zero-balance row
// on first access. INSERT OR IGNORE makes concurrent first access safe.
func (s *TokenBalanceStore) GetOrCreate(ctx context.Context, userID string) (*model.TokenBalance, error) {
	return getOrCreateBalance(ctx, s.db, userID)
}

// GetOrCreateTx is GetOrCreate running on an open transaction.
func (s *TokenBalanceStore) GetOrCreateTx(ctx context.Context, tx *sql.Tx, userID string) (*model.TokenBalance, error) {
	return getOrCreateBalance(ctx, tx, userID)
}

func getOrCreateBalance(ctx context.Context, q dbtx, userID string) (*model.TokenBalance, error) {
	if _, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO token_balances (user_id) VALUES (?)`, userID,
	); err != nil {
		return nil, fmt.Errorf("create token balance: %w", err)
	}
	row := q.QueryRowContext(ctx,
		`SELECT `+balanceCols+` FROM token_balances WHERE user_id = ?`, userID)
	b, err := scanBalance(row)
	if err != nil {
		return nil, fmt.Errorf("get token balance: %w", err)
	}
	return b, nil
}

// AddTokens credits amount tokens of the given kind and appends a ledger
// entry with the resulting balance. When reference is non-empty and a
// ledger entry with the same (user, kind, reference) already exists, the
// call is a duplicate webhook delivery: nothing changes and credited is
// false. Amount must be positive.
func (s *TokenBalanceStore) AddTokens(ctx context.Context, userID string, kind model.TokenKind, amount int64, source model.TransactionSource, reference string) (*model.TokenBalance, bool, error) {
	if amount <= 0 {
		return nil, false, fmt.Errorf("add tokens: amount must be positive, got %d", amount)
	}
	col, err := tokenColumn(kind)
	if err != nil {
		return nil, false, fmt.Errorf("add tokens: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin add tokens: %w", err)
	}
	defer tx.Rollback()

	if _, err := getOrCreateBalance(ctx, tx, userID); err != nil {
		return nil, false, err
	}

	if reference != "" {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM token_transactions WHERE user_id = ? AND kind = ? AND reference = ?`,
			userID, kind, reference,
		).Scan(&exists)
		if err != nil {
			return nil, false, fmt.Errorf("check transaction reference: %w", err)
		}
		if exists > 0 {
			b, err := getOrCreateBalance(ctx, tx, userID)
			if err != nil {
				return nil, false, err
			}
			if err := tx.Commit(); err != nil {
				return nil, false, fmt.Errorf("commit add tokens: %w", err)
			}
			return b, false, nil
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE token_balances SET `+col+` = `+col+` + ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?`,
		amount, userID,
	); err != nil {
		return nil, false, fmt.Errorf("add tokens: %w", err)
	}

	b, err := getOrCreateBalance(ctx, tx, userID)
	if err != nil {
		return nil, false, err
	}

	if err := appendTransaction(ctx, tx, userID, kind, amount, b.Tokens(kind), source, reference); err != nil {
		if reference != "" && isUniqueViolation(err) {
			// A concurrent delivery of the same reference slipped past the
			// existence check and committed first. Report it as the same
			// duplicate no-op instead of surfacing the index error.
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				return nil, false, fmt.Errorf("rollback duplicate add tokens: %w", rbErr)
			}
			b, err := getOrCreateBalance(ctx, s.db, userID)
			if err != nil {
				return nil, false, err
			}
			return b, false, nil
		}
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit add tokens: %w", err)
	}
	return b, true, nil
}

// isUniqueViolation reports whether err is SQLite rejecting an insert on
// a unique index.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT")
}

// DeductTokens spends amount tokens of the given kind. The deduction is a
// single conditional update guarded on the current balance, which closes
// the race between two concurrent spenders; the loser gets
// ErrInsufficientTokens and no ledger entry.
func (s *TokenBalanceStore) DeductTokens(ctx context.Context, userID string, kind model.TokenKind, amount int64) (*model.TokenBalance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin deduct tokens: %w", err)
	}
	defer tx.Rollback()

	b, err := s.DeductTokensTx(ctx, tx, userID, kind, amount)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit deduct tokens: %w", err)
	}
	return b, nil
}

// DeductTokensTx is DeductTokens running on an open transaction; the
// consume path uses it so usage recording and deduction commit together.
func (s *TokenBalanceStore) DeductTokensTx(ctx context.Context, tx *sql.Tx, userID string, kind model.TokenKind, amount int64) (*model.TokenBalance, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deduct tokens: amount must be positive, got %d", amount)
	}
	col, err := tokenColumn(kind)
	if err != nil {
		return nil, fmt.Errorf("deduct tokens: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE token_balances SET `+col+` = `+col+` - ?, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND `+col+` >= ?`,
		amount, userID, amount,
	)
	if err != nil {
		return nil, fmt.Errorf("deduct tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("deduct tokens rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrInsufficientTokens
	}

	b, err := getOrCreateBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if b.Tokens(kind) < 0 {
		return nil, fmt.Errorf("token balance for %s went negative for user %s: %d", kind, userID, b.Tokens(kind))
	}

	if err := appendTransaction(ctx, tx, userID, kind, -amount, b.Tokens(kind), model.SourceUsage, ""); err != nil {
		return nil, err
	}
	return b, nil
}

// ConsumeMonthlyAllowanceTx bumps the monthly-used counter for kind by
// amount, but only while staying at or under limit. Returns false when the
// allowance is exhausted. limit < 0 means no cap.
func (s *TokenBalanceStore) ConsumeMonthlyAllowanceTx(ctx context.Context, tx *sql.Tx, userID string, kind model.TokenKind, amount, limit int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("consume monthly allowance: amount must be positive, got %d", amount)
	}
	col, err := monthlyUsedColumn(kind)
	if err != nil {
		return false, fmt.Errorf("consume monthly allowance: %w", err)
	}

	query := `UPDATE token_balances SET ` + col + ` = ` + col + ` + ?, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ?`
	args := []any{amount, userID}
	if limit >= 0 {
		query += ` AND ` + col + ` + ? <= ?`
		args = append(args, amount, limit)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("consume monthly allowance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume monthly allowance rows affected: %w", err)
	}
	return n > 0, nil
}

// ResetMonthlyUsage zeroes the monthly-used counters and stamps the reset.
// Called when the subscription renews.
func (s *TokenBalanceStore) ResetMonthlyUsage(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE token_balances SET
			monthly_generations_used = 0,
			monthly_exports_used = 0,
			monthly_shields_used = 0,
			monthly_reset_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ?`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("reset monthly usage: %w", err)
	}
	return nil
}

func appendTransaction(ctx context.Context, q dbtx, userID string, kind model.TokenKind, amount, balance int64, source model.TransactionSource, reference string) error {
	var ref any
	if reference != "" {
		ref = reference
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO token_transactions (user_id, kind, amount, balance, source, reference)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, kind, amount, balance, source, ref,
	)
	if err != nil {
		return fmt.Errorf("append token transaction: %w", err)
	}
	return nil
}

// ListTransactions returns the newest ledger entries for a user, for audit
// and reconciliation. Entries are never mutated.
func (s *TokenBalanceStore) ListTransactions(ctx context.Context, userID string, limit int) ([]model.TokenTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, kind, amount, balance, source, reference, created_at
		 FROM token_transactions WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list token transactions: %w", err)
	}
	defer rows.Close()

	var txns []model.TokenTransaction
	for rows.Next() {
		var t model.TokenTransaction
		var ref sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.Balance, &t.Source, &ref, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan token transaction: %w", err)
		}
		if ref.Valid {
			t.Reference = &ref.String
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token transactions: %w", err)
	}
	return txns, nil
}
