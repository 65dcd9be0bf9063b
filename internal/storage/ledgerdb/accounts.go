package ledgerdb

import (
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/orbital/internal/domain"
	"github.com/vadiminshakov/orbital/internal/executor"
)

// ErrAccountNotFound is returned by LoadBalance when the actor has no row.
var ErrAccountNotFound = errors.New("account not found")

// CountRows counts rows stored for the actor (0 or 1).
func (s *Store) CountRows(id domain.ActorID) *executor.Future[int] {
	statement := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE identity = ?`, quoteIdent(s.cfg.Table))

	return Query(s, statement, Args(id.String()), func(rows *sql.Rows) (int, error) {
		if !rows.Next() {
			return 0, errors.New("count returned no rows")
		}
		var count int
		if err := rows.Scan(&count); err != nil {
			return 0, errors.Wrap(err, "scan count")
		}
		return count, nil
	})
}

// CreateDefault inserts a row with the given balance unless one already exists.
func (s *Store) CreateDefault(id domain.ActorID, balance decimal.Decimal) *executor.Future[int64] {
	statement := fmt.Sprintf(`INSERT OR IGNORE INTO %s (identity, balance) VALUES (?, ?)`, quoteIdent(s.cfg.Table))

	return s.Update(statement, Args(id.String(), balance.InexactFloat64()))
}

// LoadBalance reads the stored balance of the actor.
func (s *Store) LoadBalance(id domain.ActorID) *executor.Future[decimal.Decimal] {
	statement := fmt.Sprintf(`SELECT balance FROM %s WHERE identity = ?`, quoteIdent(s.cfg.Table))

	return Query(s, statement, Args(id.String()), func(rows *sql.Rows) (decimal.Decimal, error) {
		if !rows.Next() {
			return decimal.Zero, errors.Wrap(ErrAccountNotFound, id.String())
		}
		var balance decimal.Decimal
		if err := rows.Scan(&balance); err != nil {
			return decimal.Zero, errors.Wrap(err, "scan balance")
		}
		return balance, nil
	})
}

// SaveBalance writes the balance of the actor, creating the row if it is missing.
func (s *Store) SaveBalance(id domain.ActorID, balance decimal.Decimal) *executor.Future[int64] {
	statement := fmt.Sprintf(`INSERT INTO %s (identity, balance) VALUES (?, ?)
		ON CONFLICT(identity) DO UPDATE SET balance = excluded.balance`, quoteIdent(s.cfg.Table))

	return s.Update(statement, Args(id.String(), balance.InexactFloat64()))
}

// ListAccounts returns every stored account ordered by identity.
func (s *Store) ListAccounts() *executor.Future[[]domain.Account] {
	statement := fmt.Sprintf(`SELECT identity, balance FROM %s ORDER BY identity`, quoteIdent(s.cfg.Table))

	return Query(s, statement, NoArgs, func(rows *sql.Rows) ([]domain.Account, error) {
		accounts := make([]domain.Account, 0)
		for rows.Next() {
			var (
				identity string
				balance  decimal.Decimal
			)
			if err := rows.Scan(&identity, &balance); err != nil {
				return nil, errors.Wrap(err, "scan account")
			}
			id, err := domain.ParseActorID(identity)
			if err != nil {
				return nil, err
			}
			accounts = append(accounts, domain.Account{ID: id, Balance: balance})
		}
		return accounts, nil
	})
}
