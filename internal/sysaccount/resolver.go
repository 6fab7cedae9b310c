// Package sysaccount resolves named system account roles (for example
// "accounts_receivable") to concrete account ids. The engines fail loudly
// when a required role is unmapped instead of guessing an account.
package sysaccount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Role names a logical account the engines need.
type Role string

const (
	RoleAccountsReceivable Role = "accounts_receivable"
	RoleAccountsPayable    Role = "accounts_payable"
	RoleSalesRevenue       Role = "sales_revenue"
	RolePurchaseExpense    Role = "purchase_expense"
	RoleTaxPayable         Role = "tax_payable"
	RoleBankCash           Role = "bank_cash"
	RoleCustomerDeposits   Role = "customer_deposits"
)

// ErrNotConfigured indicates a required system account role is unmapped.
var ErrNotConfigured = errors.New("sysaccount: role not configured")

// Mapping links a role to a ledger account.
type Mapping struct {
	Role      Role      `json:"role"`
	AccountID int64     `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Resolver resolves roles to account ids.
type Resolver interface {
	Resolve(ctx context.Context, role Role) (int64, error)
}

// Repository is a PostgreSQL backed role mapping store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Resolve returns the account id mapped to the role.
func (r *Repository) Resolve(ctx context.Context, role Role) (int64, error) {
	var accountID int64
	err := r.pool.QueryRow(ctx, `SELECT account_id FROM system_account_roles WHERE role=$1`, role).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNotConfigured, role)
	}
	if err != nil {
		return 0, err
	}
	return accountID, nil
}

// Assign maps a role to an account, replacing any previous mapping.
func (r *Repository) Assign(ctx context.Context, role Role, accountID int64) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO system_account_roles (role, account_id) VALUES ($1,$2)
ON CONFLICT (role) DO UPDATE SET account_id=EXCLUDED.account_id, updated_at=NOW()`, role, accountID)
	return err
}

// List returns all configured mappings.
func (r *Repository) List(ctx context.Context) ([]Mapping, error) {
	rows, err := r.pool.Query(ctx, `SELECT role, account_id, created_at, updated_at FROM system_account_roles ORDER BY role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var mappings []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.Role, &m.AccountID, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// StaticResolver is a fixed in-memory role map, used in tests and seeds.
type StaticResolver map[Role]int64

// Resolve implements Resolver.
func (s StaticResolver) Resolve(_ context.Context, role Role) (int64, error) {
	id, ok := s[role]
	if !ok || id == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotConfigured, role)
	}
	return id, nil
}
