package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/neirospace/token-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Tables: rounds (round_number PK), purchase_orders (order_id PK),
// wallets (user_id PK), wallet_applied_orders (user_id, order_id PK),
// sell_records, ledger_entries.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const roundColumns = `round_number, supply, price::TEXT, sold_tokens, created_at`

func scanRound(row pgx.Row) (*model.Round, error) {
	var r model.Round
	var price string
	if err := row.Scan(&r.RoundNumber, &r.Supply, &price, &r.SoldTokens, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Price, _ = decimal.NewFromString(price)
	return &r, nil
}

func (s *PostgresStore) GetLatestRound(ctx context.Context) (*model.Round, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds ORDER BY round_number DESC LIMIT 1`)
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRoundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest round: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) GetRound(ctx context.Context, roundNumber int) (*model.Round, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE round_number = $1`, roundNumber)
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRoundNotFound, roundNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("get round %d: %w", roundNumber, err)
	}
	return r, nil
}

func (s *PostgresStore) CreateRound(ctx context.Context, round model.Round) (model.Round, error) {
	// ON CONFLICT DO NOTHING keeps creation idempotent: concurrent
	// rollovers race to insert and everyone reads the winner's row.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rounds (round_number, supply, price, sold_tokens, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)
		 ON CONFLICT (round_number) DO NOTHING`,
		round.RoundNumber, round.Supply, round.Price.String(), round.SoldTokens, round.CreatedAt,
	)
	if err != nil {
		return model.Round{}, fmt.Errorf("create round %d: %w", round.RoundNumber, err)
	}

	stored, err := s.GetRound(ctx, round.RoundNumber)
	if err != nil {
		return model.Round{}, err
	}
	return *stored, nil
}

func (s *PostgresStore) IncrementSold(ctx context.Context, roundNumber, amount int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rounds SET sold_tokens = sold_tokens + $2
		 WHERE round_number = $1 AND sold_tokens + $2 <= supply`,
		roundNumber, amount,
	)
	if err != nil {
		return fmt.Errorf("increment sold for round %d: %w", roundNumber, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRound(ctx, roundNumber); err != nil {
			return err
		}
		return fmt.Errorf("%w: round %d, requested %d", ErrCapacityExceeded, roundNumber, amount)
	}
	return nil
}

const orderColumns = `order_id, user_id, token_amount, price::TEXT, total_usd::TEXT,
	btc_amount::TEXT, btc_usd_rate::TEXT, round_number, status, created_at, confirmed_at`

func scanOrder(row pgx.Row) (*model.PurchaseOrder, error) {
	var o model.PurchaseOrder
	var price, totalUSD, btcAmount, rate string
	if err := row.Scan(&o.OrderID, &o.UserID, &o.TokenAmount, &price, &totalUSD,
		&btcAmount, &rate, &o.RoundNumber, &o.Status, &o.CreatedAt, &o.ConfirmedAt); err != nil {
		return nil, err
	}
	o.Price, _ = decimal.NewFromString(price)
	o.TotalUSD, _ = decimal.NewFromString(totalUSD)
	o.BTCAmount, _ = decimal.NewFromString(btcAmount)
	o.BTCUSDRate, _ = decimal.NewFromString(rate)
	return &o, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.PurchaseOrder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO purchase_orders
		 (order_id, user_id, token_amount, price, total_usd, btc_amount, btc_usd_rate,
		  round_number, status, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
		o.OrderID, o.UserID, o.TokenAmount,
		o.Price.String(), o.TotalUSD.String(), o.BTCAmount.String(), o.BTCUSDRate.String(),
		o.RoundNumber, o.Status, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.OrderID, err)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*model.PurchaseOrder, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM purchase_orders WHERE order_id = $1`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return o, nil
}

func (s *PostgresStore) ListAwaitingOrders(ctx context.Context) ([]model.PurchaseOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM purchase_orders
		 WHERE status = $1 ORDER BY created_at`, model.StatusAwaitingPayment)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.PurchaseOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.WalletAccount, error) {
	account := &model.WalletAccount{UserID: userID}

	err := s.pool.QueryRow(ctx,
		`SELECT token_balance FROM wallets WHERE user_id = $1`, userID).
		Scan(&account.TokenBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return account, nil // lazily created; absent means zero balance
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", userID, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT order_id FROM wallet_applied_orders WHERE user_id = $1 ORDER BY order_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		account.AppliedOrders = append(account.AppliedOrders, id)
	}
	return account, rows.Err()
}

func (s *PostgresStore) DebitWallet(ctx context.Context, userID string, amount int, price, totalUSD decimal.Decimal) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("debit wallet: %w", err)
	}
	defer tx.Rollback(ctx)

	var newBalance int
	err = tx.QueryRow(ctx,
		`UPDATE wallets SET token_balance = token_balance - $2
		 WHERE user_id = $1 AND token_balance >= $2
		 RETURNING token_balance`,
		userID, amount).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: user %s, want %d", ErrInsufficientBalance, userID, amount)
	}
	if err != nil {
		return 0, fmt.Errorf("debit wallet %s: %w", userID, err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO sell_records (user_id, token_amount, price, total_usd, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)`,
		userID, amount, price.String(), totalUSD.String(), now); err != nil {
		return 0, fmt.Errorf("insert sell record: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, order_id, kind, token_amount, price, total_usd, created_at)
		 VALUES ($1, $2, NULL, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		uuid.New().String(), userID, model.KindSell, amount,
		price.String(), totalUSD.String(), now); err != nil {
		return 0, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("debit wallet: commit: %w", err)
	}
	return newBalance, nil
}

func (s *PostgresStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, COALESCE(order_id, ''), kind, token_amount,
		        price::TEXT, total_usd::TEXT, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var price, totalUSD string
		if err := rows.Scan(&e.ID, &e.UserID, &e.OrderID, &e.Kind, &e.TokenAmount,
			&price, &totalUSD, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Price, _ = decimal.NewFromString(price)
		e.TotalUSD, _ = decimal.NewFromString(totalUSD)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ApplyCredit runs the whole credit in one transaction. The conditional
// UPDATE on status is the serialization point: the loser of a concurrent
// confirmation sees zero rows and backs out without touching anything.
func (s *PostgresStore) ApplyCredit(ctx context.Context, orderID string) (*CreditResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply credit: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	res := &CreditResult{OrderID: orderID}
	var price, totalUSD string

	err = tx.QueryRow(ctx,
		`UPDATE purchase_orders SET status = $2, confirmed_at = $3
		 WHERE order_id = $1 AND status = $4
		 RETURNING user_id, token_amount, round_number, price::TEXT, total_usd::TEXT`,
		orderID, model.StatusConfirmed, now, model.StatusAwaitingPayment).
		Scan(&res.UserID, &res.TokenAmount, &res.RoundNumber, &price, &totalUSD)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the CAS — or the order never existed. Tell them apart.
		var status model.OrderStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM purchase_orders WHERE order_id = $1`, orderID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if err != nil {
			return nil, fmt.Errorf("apply credit %s: %w", orderID, err)
		}
		res.AlreadyApplied = true
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("apply credit %s: %w", orderID, err)
	}

	// Capacity re-check rides on the guarded UPDATE.
	tag, err := tx.Exec(ctx,
		`UPDATE rounds SET sold_tokens = sold_tokens + $2
		 WHERE round_number = $1 AND sold_tokens + $2 <= supply`,
		res.RoundNumber, res.TokenAmount)
	if err != nil {
		return nil, fmt.Errorf("apply credit %s: increment sold: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: round %d, requested %d",
			ErrCapacityExceeded, res.RoundNumber, res.TokenAmount)
	}

	// The applied set is the second idempotency layer: if the order ID is
	// already recorded for this wallet, the balance is left alone.
	tag, err = tx.Exec(ctx,
		`INSERT INTO wallet_applied_orders (user_id, order_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		res.UserID, orderID)
	if err != nil {
		return nil, fmt.Errorf("apply credit %s: record applied order: %w", orderID, err)
	}

	if tag.RowsAffected() > 0 {
		err = tx.QueryRow(ctx,
			`INSERT INTO wallets (user_id, token_balance) VALUES ($1, $2)
			 ON CONFLICT (user_id) DO UPDATE SET token_balance = wallets.token_balance + $2
			 RETURNING token_balance`,
			res.UserID, res.TokenAmount).Scan(&res.NewBalance)
	} else {
		err = tx.QueryRow(ctx,
			`SELECT token_balance FROM wallets WHERE user_id = $1`, res.UserID).
			Scan(&res.NewBalance)
	}
	if err != nil {
		return nil, fmt.Errorf("apply credit %s: credit wallet: %w", orderID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, order_id, kind, token_amount, price, total_usd, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		uuid.New().String(), res.UserID, orderID, model.KindPurchase,
		res.TokenAmount, price, totalUSD, now); err != nil {
		return nil, fmt.Errorf("apply credit %s: ledger entry: %w", orderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("apply credit %s: commit: %w", orderID, err)
	}
	return res, nil
}
