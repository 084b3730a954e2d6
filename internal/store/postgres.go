package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/investin/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store. The store owns
// the pool and closes it on Close.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// mapErr converts driver errors into store sentinels.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", what, err)
}

const accountColumns = `id, username, wallet_balance::TEXT, total_credits_earned::TEXT, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var wallet, earned string
	if err := row.Scan(&a.ID, &a.Username, &wallet, &earned, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.WalletBalance, _ = decimal.NewFromString(wallet)
	a.TotalCreditsEarned, _ = decimal.NewFromString(earned)
	return &a, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, username, wallet_balance, total_credits_earned, version, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7)`,
		a.ID, a.Username, a.WalletBalance.String(), a.TotalCreditsEarned.String(),
		a.Version, a.CreatedAt, a.UpdatedAt,
	)
	return mapErr(err, "create account "+a.ID)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "get account "+id)
	}
	return a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, mapErr(err, "list accounts")
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// updateAccount performs the version compare-and-swap on q.
func updateAccount(ctx context.Context, q interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}, a *model.Account, expectedVersion int64) error {
	tag, err := q.Exec(ctx,
		`UPDATE accounts
		 SET wallet_balance = $2::NUMERIC, total_credits_earned = $3::NUMERIC,
		     version = version + 1, updated_at = $4
		 WHERE id = $1 AND version = $5`,
		a.ID, a.WalletBalance.String(), a.TotalCreditsEarned.String(), a.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return mapErr(err, "update account "+a.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s expected version %d: %w", a.ID, expectedVersion, ErrVersionConflict)
	}
	a.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) UpdateAccount(ctx context.Context, a *model.Account, expectedVersion int64) error {
	return updateAccount(ctx, s.pool, a, expectedVersion)
}

const positionColumns = `account_id, instrument_id, quantity, average_price::TEXT, cost_basis::TEXT, created_at, updated_at`

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var avg, basis string
	if err := row.Scan(&p.AccountID, &p.InstrumentID, &p.Quantity, &avg, &basis, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.AveragePrice, _ = decimal.NewFromString(avg)
	p.CostBasis, _ = decimal.NewFromString(basis)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE account_id = $1 AND instrument_id = $2`,
		accountID, instrumentID))
	if err != nil {
		return nil, mapErr(err, "get position "+positionKey(accountID, instrumentID))
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE account_id = $1 ORDER BY instrument_id`, accountID)
	if err != nil {
		return nil, mapErr(err, "list positions")
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// CommitOrder runs the account CAS, position upsert or delete and ledger
// insert in a single transaction.
func (s *PostgresStore) CommitOrder(ctx context.Context, c Commit) error {
	if c.Account == nil || c.Position == nil || c.Entry == nil {
		return fmt.Errorf("store: incomplete commit")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateAccount(ctx, tx, c.Account, c.ExpectedVersion); err != nil {
		return err
	}

	p := c.Position
	if c.PurgePosition {
		_, err = tx.Exec(ctx,
			`DELETE FROM positions WHERE account_id = $1 AND instrument_id = $2`,
			p.AccountID, p.InstrumentID)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (account_id, instrument_id, quantity, average_price, cost_basis, created_at, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)
			 ON CONFLICT (account_id, instrument_id) DO UPDATE
			 SET quantity = EXCLUDED.quantity, average_price = EXCLUDED.average_price,
			     cost_basis = EXCLUDED.cost_basis, updated_at = EXCLUDED.updated_at`,
			p.AccountID, p.InstrumentID, p.Quantity, p.AveragePrice.String(), p.CostBasis.String(),
			p.CreatedAt, p.UpdatedAt)
	}
	if err != nil {
		return mapErr(err, "write position "+positionKey(p.AccountID, p.InstrumentID))
	}

	e := c.Entry
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, account_id, instrument_id, side, quantity, unit_price, total_amount, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		e.ID, e.AccountID, e.InstrumentID, string(e.Side), e.Quantity,
		e.UnitPrice.String(), e.TotalAmount.String(), e.Timestamp,
	); err != nil {
		return mapErr(err, "insert ledger entry "+e.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, instrument_id, side, quantity,
		        unit_price::TEXT, total_amount::TEXT, timestamp
		 FROM ledger_entries WHERE account_id = $1 ORDER BY timestamp DESC, id`, accountID)
	if err != nil {
		return nil, mapErr(err, "list ledger entries")
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var side, priceS, totalS string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.InstrumentID, &side, &e.Quantity,
			&priceS, &totalS, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Side = model.Side(side)
		e.UnitPrice, _ = decimal.NewFromString(priceS)
		e.TotalAmount, _ = decimal.NewFromString(totalS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const instrumentColumns = `id, symbol, name, type, category, description, image_url,
	current_price::TEXT, previous_price::TEXT, market_cap::TEXT, is_active, created_at`

func scanInstrument(row rowScanner) (*model.Instrument, error) {
	var inst model.Instrument
	var cur, prev, mcap string
	if err := row.Scan(&inst.ID, &inst.Symbol, &inst.Name, &inst.Type, &inst.Category,
		&inst.Description, &inst.ImageURL, &cur, &prev, &mcap, &inst.IsActive, &inst.CreatedAt); err != nil {
		return nil, err
	}
	inst.CurrentPrice, _ = decimal.NewFromString(cur)
	inst.PreviousPrice, _ = decimal.NewFromString(prev)
	inst.MarketCap, _ = decimal.NewFromString(mcap)
	return &inst, nil
}

func (s *PostgresStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (id, symbol, name, type, category, description, image_url,
		                          current_price, previous_price, market_cap, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)`,
		inst.ID, inst.Symbol, inst.Name, inst.Type, inst.Category, inst.Description, inst.ImageURL,
		inst.CurrentPrice.String(), inst.PreviousPrice.String(), inst.MarketCap.String(),
		inst.IsActive, inst.CreatedAt,
	)
	return mapErr(err, "create instrument "+inst.Symbol)
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	inst, err := scanInstrument(s.pool.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "get instrument "+id)
	}
	return inst, nil
}

func (s *PostgresStore) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	inst, err := scanInstrument(s.pool.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE symbol = $1`, symbol))
	if err != nil {
		return nil, mapErr(err, "get instrument by symbol "+symbol)
	}
	return inst, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context, instType string) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+instrumentColumns+` FROM instruments
		 WHERE is_active AND ($1 = '' OR type = $1)
		 ORDER BY symbol`, instType)
	if err != nil {
		return nil, mapErr(err, "list instruments")
	}
	defer rows.Close()

	var result []model.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *inst)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateInstrumentPrice(ctx context.Context, id string, price decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE instruments SET previous_price = current_price, current_price = $2::NUMERIC WHERE id = $1`,
		id, price.String())
	if err != nil {
		return mapErr(err, "update instrument price "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AddToWatchlist(ctx context.Context, w *model.WatchlistItem) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO watchlists (account_id, instrument_id, created_at) VALUES ($1, $2, $3)`,
		w.AccountID, w.InstrumentID, w.CreatedAt)
	return mapErr(err, "add to watchlist "+positionKey(w.AccountID, w.InstrumentID))
}

func (s *PostgresStore) RemoveFromWatchlist(ctx context.Context, accountID, instrumentID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM watchlists WHERE account_id = $1 AND instrument_id = $2`, accountID, instrumentID)
	return mapErr(err, "remove from watchlist")
}

func (s *PostgresStore) ListWatchlist(ctx context.Context, accountID string) ([]model.WatchlistItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, instrument_id, created_at FROM watchlists
		 WHERE account_id = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, mapErr(err, "list watchlist")
	}
	defer rows.Close()

	var result []model.WatchlistItem
	for rows.Next() {
		var w model.WatchlistItem
		if err := rows.Scan(&w.AccountID, &w.InstrumentID, &w.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
