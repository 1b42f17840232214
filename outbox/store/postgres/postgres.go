/*
Package postgres - outbox repository on Postgres. Add joins the transaction
carried by the context, so a message commits or rolls back together with the
state change it announces. Claims use FOR UPDATE SKIP LOCKED, several pollers
can share one table.
*/
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shortlink-org/eventcore/db"
	"github.com/shortlink-org/eventcore/db/drivers/postgres/migrate"
	"github.com/shortlink-org/eventcore/outbox"
	"github.com/shortlink-org/eventcore/uow"
)

//go:embed migrations/*.sql
var migrations embed.FS

const table = "outbox_messages"

var (
	psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	columns = []string{
		"id", "aggregate_id", "event_type", "payload", "status", "retry_count",
		"max_retries", "error", "created_at", "claimed_at", "processed_at",
	}
)

// Store implements outbox.Repository.
type Store struct {
	client *pgxpool.Pool
}

// New migrates the schema and returns the repository.
func New(ctx context.Context, store db.DB) (*Store, error) {
	client, ok := store.GetConn().(*pgxpool.Pool)
	if !ok || client == nil {
		return nil, db.ErrGetConnection
	}

	if err := migrate.Migration(ctx, store, migrations, "outbox"); err != nil {
		return nil, err
	}

	return &Store{client: client}, nil
}

func (s *Store) Add(ctx context.Context, msg *outbox.Message) error {
	query, args, err := psql.Insert(table).
		Columns(columns...).
		Values(
			msg.ID, msg.AggregateID, msg.EventType, []byte(msg.Payload), string(msg.Status), msg.RetryCount,
			msg.MaxRetries, msg.Error, msg.CreatedAt, msg.ClaimedAt, msg.ProcessedAt,
		).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := uow.Conn(ctx, s.client).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("outbox/postgres: add %s: %w", msg.ID, err)
	}

	return nil
}

// Claim runs outside any caller transaction, the claim must be visible to
// other pollers right away.
func (s *Store) Claim(ctx context.Context, limit int, now, staleBefore time.Time) ([]*outbox.Message, error) {
	// nested queries keep '?' placeholders, the outer builder renumbers them
	eligible := sq.Select("id").
		From(table).
		Where(sq.Or{
			sq.Eq{"status": string(outbox.StatusPending)},
			sq.And{
				sq.Eq{"status": string(outbox.StatusProcessing)},
				sq.Expr("retry_count < max_retries"),
				sq.Lt{"claimed_at": staleBefore},
			},
		}).
		OrderBy("created_at", "id").
		Limit(uint64(max(limit, 1))). //nolint:gosec // limit is positive
		Suffix("FOR UPDATE SKIP LOCKED")

	query, args, err := psql.Update(table).
		Set("status", string(outbox.StatusProcessing)).
		Set("claimed_at", now).
		Where(sq.Expr("id IN (?)", eligible)).
		Suffix("RETURNING " + strings.Join(columns, ", ")).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.client.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox/postgres: claim: %w", err)
	}
	defer rows.Close()

	var out []*outbox.Message
	for rows.Next() {
		msg, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox/postgres: claim: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox/postgres: claim: %w", err)
	}

	// RETURNING has no order
	slices.SortFunc(out, func(a, b *outbox.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return out, nil
}

func (s *Store) Update(ctx context.Context, msg *outbox.Message) error {
	query, args, err := psql.Update(table).
		Set("status", string(msg.Status)).
		Set("retry_count", msg.RetryCount).
		Set("error", msg.Error).
		Set("claimed_at", msg.ClaimedAt).
		Set("processed_at", msg.ProcessedAt).
		Where(sq.Eq{"id": msg.ID}).
		Where(sq.NotEq{"status": string(outbox.StatusProcessed)}).
		ToSql()
	if err != nil {
		return err
	}

	tag, err := uow.Conn(ctx, s.client).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("outbox/postgres: update %s: %w", msg.ID, err)
	}

	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, err := s.Get(ctx, msg.ID); err != nil {
		return err
	}

	return outbox.ErrMessageProcessed
}

func (s *Store) Get(ctx context.Context, id string) (*outbox.Message, error) {
	query, args, err := psql.Select(columns...).From(table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}

	msg, err := scan(uow.Conn(ctx, s.client).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, outbox.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("outbox/postgres: get %s: %w", id, err)
	}

	return msg, nil
}

func (s *Store) DeleteProcessed(ctx context.Context, before time.Time) (int64, error) {
	query, args, err := psql.Delete(table).
		Where(sq.Eq{"status": string(outbox.StatusProcessed)}).
		Where(sq.Lt{"processed_at": before}).
		ToSql()
	if err != nil {
		return 0, err
	}

	tag, err := uow.Conn(ctx, s.client).Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("outbox/postgres: delete processed: %w", err)
	}

	return tag.RowsAffected(), nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	query, args, err := psql.Select("status", "count(*)").From(table).GroupBy("status").ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := uow.Conn(ctx, s.client).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox/postgres: count: %w", err)
	}
	defer rows.Close()

	counts := make(map[outbox.Status]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("outbox/postgres: count: %w", err)
		}
		counts[outbox.Status(status)] = count
	}

	return counts, rows.Err()
}

func scan(row pgx.Row) (*outbox.Message, error) {
	var (
		msg     outbox.Message
		status  string
		payload []byte
	)

	err := row.Scan(
		&msg.ID, &msg.AggregateID, &msg.EventType, &payload, &status, &msg.RetryCount,
		&msg.MaxRetries, &msg.Error, &msg.CreatedAt, &msg.ClaimedAt, &msg.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Status = outbox.Status(status)
	msg.Payload = payload

	return &msg, nil
}
