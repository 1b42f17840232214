/*
Package postgres - saga repository on Postgres. Terminal rows are never
updated, the upsert skips them and Save reports ErrInstanceTerminal.
*/
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/encoding/json"

	"github.com/shortlink-org/eventcore/db"
	"github.com/shortlink-org/eventcore/db/drivers/postgres/migrate"
	"github.com/shortlink-org/eventcore/saga"
	"github.com/shortlink-org/eventcore/uow"
)

//go:embed migrations/*.sql
var migrations embed.FS

const table = "saga_instances"

var (
	psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	columns = []string{
		"id", "definition_name", "state", "current_step", "context",
		"completed_steps", "compensated_steps", "error", "started_at", "completed_at",
	}
)

// Store implements saga.Repository.
type Store struct {
	client *pgxpool.Pool
}

// New migrates the schema and returns the repository.
func New(ctx context.Context, store db.DB) (*Store, error) {
	client, ok := store.GetConn().(*pgxpool.Pool)
	if !ok || client == nil {
		return nil, db.ErrGetConnection
	}

	if err := migrate.Migration(ctx, store, migrations, "saga"); err != nil {
		return nil, err
	}

	return &Store{client: client}, nil
}

func (s *Store) Save(ctx context.Context, inst *saga.Instance) error {
	data, err := json.Marshal(contextOrEmpty(inst.Context))
	if err != nil {
		return fmt.Errorf("saga/postgres: marshal context of %s: %w", inst.ID, err)
	}

	terminal := make([]string, 0, len(saga.TerminalStates()))
	for _, state := range saga.TerminalStates() {
		terminal = append(terminal, state.String())
	}

	query, args, err := psql.Insert(table).
		Columns(columns...).
		Values(
			inst.ID, inst.DefinitionName, inst.State.String(), inst.CurrentStep, data,
			stepsOrEmpty(inst.CompletedSteps), stepsOrEmpty(inst.CompensatedSteps), inst.Error,
			inst.StartedAt, inst.CompletedAt,
		).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			current_step = EXCLUDED.current_step,
			context = EXCLUDED.context,
			completed_steps = EXCLUDED.completed_steps,
			compensated_steps = EXCLUDED.compensated_steps,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at,
			updated_at = now()
		WHERE `+table+`.state <> ALL(?)`, terminal).
		ToSql()
	if err != nil {
		return err
	}

	tag, err := uow.Conn(ctx, s.client).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("saga/postgres: save %s: %w", inst.ID, err)
	}

	if tag.RowsAffected() == 0 {
		return saga.ErrInstanceTerminal
	}

	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*saga.Instance, error) {
	query, args, err := psql.Select(columns...).From(table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}

	inst, err := scan(uow.Conn(ctx, s.client).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, saga.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("saga/postgres: get %s: %w", id, err)
	}

	return inst, nil
}

// ListByState returns matching instances ordered by start time.
func (s *Store) ListByState(ctx context.Context, state saga.State) ([]*saga.Instance, error) {
	query, args, err := psql.Select(columns...).
		From(table).
		Where(sq.Eq{"state": state.String()}).
		OrderBy("started_at", "id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := uow.Conn(ctx, s.client).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("saga/postgres: list %s: %w", state, err)
	}
	defer rows.Close()

	var out []*saga.Instance
	for rows.Next() {
		inst, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("saga/postgres: list %s: %w", state, err)
		}
		out = append(out, inst)
	}

	return out, rows.Err()
}

func scan(row pgx.Row) (*saga.Instance, error) {
	var (
		inst  saga.Instance
		state string
		data  []byte
	)

	err := row.Scan(
		&inst.ID, &inst.DefinitionName, &state, &inst.CurrentStep, &data,
		&inst.CompletedSteps, &inst.CompensatedSteps, &inst.Error, &inst.StartedAt, &inst.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.State = saga.State(state)
	if err := json.Unmarshal(data, &inst.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}

	return &inst, nil
}

func contextOrEmpty(data saga.Context) saga.Context {
	if data == nil {
		return saga.Context{}
	}

	return data
}

func stepsOrEmpty(steps []string) []string {
	if steps == nil {
		return []string{}
	}

	return steps
}
