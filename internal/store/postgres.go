package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tokenbay/market-engine/internal/model"
	"github.com/tokenbay/market-engine/internal/num"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
//
// Layout: a markets row per aggregate, market_tokens and market_prizes
// child rows ordered by idx (the declared token order the LMSR kernel
// depends on), an orders row per log entry keyed by (market_id, serial),
// and reward_records rows written at resolution. The per-market exclusive
// lock of the admission protocol is `SELECT ... FOR UPDATE` on the markets
// row, held until the surrounding transaction commits or rolls back.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create market: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO markets (id, title, description, organizer_id, lmsr_b,
		                      total_reward_point, open_time, close_time, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.Attrs.Title, m.Attrs.Description, m.Attrs.OrganizerID,
		int64(m.Attrs.LmsrB), int64(m.Attrs.TotalRewardPoint),
		m.Attrs.Open, m.Attrs.Close, string(m.Status),
	)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, err)
	}

	for i, t := range m.Attrs.Tokens {
		_, err = tx.Exec(ctx,
			`INSERT INTO market_tokens (market_id, idx, name, description, thumbnail_url)
			 VALUES ($1, $2, $3, $4, $5)`,
			m.ID, i, t.Name, t.Description, t.ThumbnailURL,
		)
		if err != nil {
			return fmt.Errorf("create market %s: token %s: %w", m.ID, t.Name, err)
		}
	}

	for i, p := range m.Attrs.Prizes {
		_, err = tx.Exec(ctx,
			`INSERT INTO market_prizes (market_id, idx, prize_id, name, thumbnail_url, target)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			m.ID, i, p.ID, p.Name, p.ThumbnailURL, p.Target,
		)
		if err != nil {
			return fmt.Errorf("create market %s: prize %d: %w", m.ID, p.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("create market %s: commit: %w", m.ID, err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) loadMarket(ctx context.Context, q querier, id string, forUpdate bool) (*model.Market, error) {
	sel := `SELECT id, title, description, organizer_id, lmsr_b,
	               total_reward_point, open_time, close_time, status,
	               COALESCE(resolved_token_name, '')
	        FROM markets WHERE id = $1`
	if forUpdate {
		sel += " FOR UPDATE"
	}

	var (
		attrs         model.MarketAttrs
		marketID      string
		lmsrB         int64
		totalReward   int64
		status        string
		resolvedToken string
	)
	err := q.QueryRow(ctx, sel, id).Scan(
		&marketID, &attrs.Title, &attrs.Description, &attrs.OrganizerID,
		&lmsrB, &totalReward, &attrs.Open, &attrs.Close, &status, &resolvedToken,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load market %s: %w", id, err)
	}
	attrs.LmsrB = num.B(lmsrB)
	attrs.TotalRewardPoint = num.Point(totalReward)

	rows, err := q.Query(ctx,
		`SELECT name, description, thumbnail_url
		 FROM market_tokens WHERE market_id = $1 ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("load market %s: tokens: %w", id, err)
	}
	for rows.Next() {
		var t model.Token
		if err := rows.Scan(&t.Name, &t.Description, &t.ThumbnailURL); err != nil {
			rows.Close()
			return nil, fmt.Errorf("load market %s: tokens: %w", id, err)
		}
		attrs.Tokens = append(attrs.Tokens, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load market %s: tokens: %w", id, err)
	}

	rows, err = q.Query(ctx,
		`SELECT prize_id, name, thumbnail_url, target
		 FROM market_prizes WHERE market_id = $1 ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("load market %s: prizes: %w", id, err)
	}
	for rows.Next() {
		var p model.Prize
		if err := rows.Scan(&p.ID, &p.Name, &p.ThumbnailURL, &p.Target); err != nil {
			rows.Close()
			return nil, fmt.Errorf("load market %s: prizes: %w", id, err)
		}
		attrs.Prizes = append(attrs.Prizes, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load market %s: prizes: %w", id, err)
	}

	rows, err = q.Query(ctx,
		`SELECT serial, user_id, COALESCE(token_name, ''), amount_token, amount_coin, time, type
		 FROM orders WHERE market_id = $1 ORDER BY serial`, id)
	if err != nil {
		return nil, fmt.Errorf("load market %s: orders: %w", id, err)
	}
	var orders []model.Order
	for rows.Next() {
		var (
			o           model.Order
			amountToken int32
			amountCoin  int32
			orderType   string
		)
		if err := rows.Scan(&o.Serial, &o.UserID, &o.TokenName,
			&amountToken, &amountCoin, &o.Time, &orderType); err != nil {
			rows.Close()
			return nil, fmt.Errorf("load market %s: orders: %w", id, err)
		}
		o.AmountToken = num.AmountToken(amountToken)
		o.AmountCoin = num.AmountCoin(amountCoin)
		o.Type = model.OrderType(orderType)
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load market %s: orders: %w", id, err)
	}

	var records map[string]num.Point
	if model.MarketStatus(status) == model.StatusResolved {
		records = make(map[string]num.Point)
		rows, err = q.Query(ctx,
			`SELECT user_id, point FROM reward_records WHERE market_id = $1`, id)
		if err != nil {
			return nil, fmt.Errorf("load market %s: reward records: %w", id, err)
		}
		for rows.Next() {
			var user string
			var point int64
			if err := rows.Scan(&user, &point); err != nil {
				rows.Close()
				return nil, fmt.Errorf("load market %s: reward records: %w", id, err)
			}
			records[user] = num.Point(point)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("load market %s: reward records: %w", id, err)
		}
	}

	log, err := model.RestoreOrderLog(orders)
	if err != nil {
		return nil, fmt.Errorf("load market %s: %w", id, err)
	}
	m, err := model.RestoreMarket(marketID, attrs, model.MarketStatus(status), log, resolvedToken, records)
	if err != nil {
		return nil, fmt.Errorf("load market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return s.loadMarket(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListMarkets(ctx context.Context, status model.MarketStatus) ([]*model.Market, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.pool.Query(ctx, `SELECT id FROM markets ORDER BY open_time`)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id FROM markets WHERE status = $1 ORDER BY open_time`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list markets: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}

	markets := make([]*model.Market, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMarket(ctx, id)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, nil
}

func (s *PostgresStore) MarketIDsReadyToOpen(ctx context.Context, now time.Time) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM markets WHERE status = $1 AND open_time <= $2 ORDER BY open_time`,
		string(model.StatusUpcoming), now)
}

func (s *PostgresStore) MarketIDsReadyToClose(ctx context.Context, now time.Time) ([]string, error) {
	return s.queryIDs(ctx,
		`SELECT id FROM markets WHERE status = $1 AND close_time <= $2 ORDER BY close_time`,
		string(model.StatusOpen), now)
}

func (s *PostgresStore) queryIDs(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query market ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("query market ids: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateMarket loads the aggregate under `SELECT ... FOR UPDATE`, applies
// fn, and persists the delta. The row lock is held across the log read and
// the order appends, so the price computed inside fn is the price at the
// instant the orders take their serials.
func (s *PostgresStore) UpdateMarket(ctx context.Context, id string, fn func(m *model.Market) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("update market %s: begin: %w", id, err)
	}
	defer tx.Rollback(ctx)

	m, err := s.loadMarket(ctx, tx, id, true)
	if err != nil {
		return err
	}

	prevLen := m.Orders.Len()
	prevStatus := m.Status

	if err := fn(m); err != nil {
		return err
	}

	orders := m.Orders.Orders()
	for _, o := range orders[prevLen:] {
		var tokenName any
		if o.TokenName != "" {
			tokenName = o.TokenName
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO orders (market_id, serial, user_id, token_name, amount_token, amount_coin, time, type)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			id, o.Serial, o.UserID, tokenName,
			int32(o.AmountToken), int32(o.AmountCoin), o.Time, string(o.Type),
		)
		if err != nil {
			return fmt.Errorf("update market %s: append order %d: %w", id, o.Serial, err)
		}
	}

	if m.Status != prevStatus {
		var resolvedToken any
		if m.ResolvedTokenName != "" {
			resolvedToken = m.ResolvedTokenName
		}
		_, err = tx.Exec(ctx,
			`UPDATE markets SET status = $2, resolved_token_name = $3 WHERE id = $1`,
			id, string(m.Status), resolvedToken,
		)
		if err != nil {
			return fmt.Errorf("update market %s: status: %w", id, err)
		}
	}

	if m.Status == model.StatusResolved && prevStatus != model.StatusResolved {
		for user, point := range m.RewardRecords {
			_, err = tx.Exec(ctx,
				`INSERT INTO reward_records (market_id, user_id, point) VALUES ($1, $2, $3)`,
				id, user, int64(point),
			)
			if err != nil {
				return fmt.Errorf("update market %s: reward record: %w", id, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("update market %s: commit: %w", id, err)
	}
	return nil
}
