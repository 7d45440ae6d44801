package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// sqlStore is the shared relational implementation backing both SQLiteStore
// and PostgresStore. The two differ only in driver, DSN, and placeholder
// style; the schema and queries are identical: one conversations table
// (plus app_id, app_metadata) with indices on (app_id) and (updated_at).
type sqlStore struct {
	db  *sql.DB
	ph  placeholderFunc
	now func() time.Time
}

// placeholderFunc renders the n-th (1-indexed) bind placeholder for the
// target dialect: "?" for SQLite, "$1"... for Postgres.
type placeholderFunc func(n int) string

func sqlitePlaceholder(int) string     { return "?" }
func postgresPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

const schemaDDL = `
CREATE TABLE IF NOT EXISTS conversations (
	request_id            TEXT PRIMARY KEY,
	input_message         TEXT NOT NULL DEFAULT '',
	app_id                TEXT NOT NULL DEFAULT '',
	app_metadata          TEXT NOT NULL DEFAULT '{}',
	budget                REAL,
	total_energy_consumed REAL NOT NULL DEFAULT 0,
	sleep_cycles          INTEGER NOT NULL DEFAULT 0,
	model_switches        INTEGER NOT NULL DEFAULT 0,
	state                 TEXT NOT NULL DEFAULT 'active',
	snooze_until          TIMESTAMP,
	ended_reason          TEXT NOT NULL DEFAULT '',
	responses             TEXT NOT NULL DEFAULT '[]',
	created_at            TIMESTAMP NOT NULL,
	updated_at            TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_app_id ON conversations(app_id);
CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at);
`

// NewSQLiteStore migrates the conversation schema on an already-open SQLite
// db (see OpenSQLite) and returns a store backed by it.
func NewSQLiteStore(db *sql.DB) (*sqlStoreHandle, error) {
	if _, err := db.Exec(schemaDDL); err != nil {
		return nil, fmt.Errorf("convstore: migrate sqlite schema: %w", err)
	}
	return &sqlStoreHandle{sqlStore{db: db, ph: sqlitePlaceholder, now: time.Now}}, nil
}

// NewPostgresStore opens (and migrates) a conversation store backed by
// github.com/lib/pq against an already-open *sql.DB.
func NewPostgresStore(db *sql.DB) (*sqlStoreHandle, error) {
	ddl := schemaDDL
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("convstore: migrate postgres schema: %w", err)
	}
	return &sqlStoreHandle{sqlStore{db: db, ph: postgresPlaceholder, now: time.Now}}, nil
}

// sqlStoreHandle wraps sqlStore so SQLiteStore/PostgresStore constructors
// return a named, documented type while sharing one implementation.
type sqlStoreHandle struct{ sqlStore }

// DB exposes the underlying handle so sibling stores (the app energy
// tables) can share one database.
func (s *sqlStoreHandle) DB() *sql.DB { return s.db }

func (s *sqlStore) q(query string, n int) string {
	// Query strings are authored with literal "?" placeholders in order;
	// rewrite them for dialects that need numbered binds.
	if n == 0 {
		return query
	}
	out := make([]byte, 0, len(query)+n*2)
	idx := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			idx++
			out = append(out, []byte(s.ph(idx))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (s *sqlStore) AddResponse(ctx context.Context, requestID string, userMessage, responseText string, energyLevel float64, modelUsed string, budget *float64, appID string) error {
	if budget != nil && *budget < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidBudget, *budget)
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("convstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.q("SELECT responses, total_energy_consumed, app_id FROM conversations WHERE request_id = ?", 1), requestID)
	var responsesJSON string
	var totalEnergy float64
	var existingApp string
	err = row.Scan(&responsesJSON, &totalEnergy, &existingApp)

	switch {
	case err == sql.ErrNoRows:
		responses := []Response{}
		if responseText != "" || modelUsed != "" {
			responses = append(responses, Response{Timestamp: now, Content: responseText, EnergyLevel: energyLevel, ModelUsed: modelUsed})
			totalEnergy = energyLevel
		}
		data, merr := json.Marshal(responses)
		if merr != nil {
			return fmt.Errorf("convstore: marshal responses: %w", merr)
		}
		if appID == "" {
			existingApp = ""
		} else {
			existingApp = appID
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO conversations
			(request_id, input_message, app_id, budget, total_energy_consumed, state, responses, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'active', ?, ?, ?)`, 8),
			requestID, userMessage, existingApp, budget, totalEnergy, string(data), now, now)
		if err != nil {
			return fmt.Errorf("convstore: insert conversation: %w", err)
		}
	case err != nil:
		return fmt.Errorf("convstore: query conversation: %w", err)
	default:
		var responses []Response
		if err := json.Unmarshal([]byte(responsesJSON), &responses); err != nil {
			return fmt.Errorf("convstore: unmarshal responses: %w", err)
		}
		if responseText != "" || modelUsed != "" {
			responses = append(responses, Response{Timestamp: now, Content: responseText, EnergyLevel: energyLevel, ModelUsed: modelUsed})
			totalEnergy += energyLevel
		}
		data, merr := json.Marshal(responses)
		if merr != nil {
			return fmt.Errorf("convstore: marshal responses: %w", merr)
		}
		if appID != "" && existingApp == "" {
			existingApp = appID
		}
		setBudget := "budget = budget"
		args := []any{}
		if budget != nil {
			setBudget = "budget = ?"
			args = append(args, *budget)
		}
		query := fmt.Sprintf(`UPDATE conversations SET app_id = ?, total_energy_consumed = ?, responses = ?, updated_at = ?, %s WHERE request_id = ?`, setBudget)
		args = append([]any{existingApp, totalEnergy, string(data), now}, args...)
		args = append(args, requestID)
		if _, err := tx.ExecContext(ctx, s.q(query, len(args)), args...); err != nil {
			return fmt.Errorf("convstore: update conversation: %w", err)
		}
	}

	return tx.Commit()
}

func (s *sqlStore) scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var budget sql.NullFloat64
	var snoozeUntil sql.NullTime
	var responsesJSON string
	if err := row.Scan(&c.RequestID, &c.InputMessage, &c.AppID, &budget, &c.TotalEnergyConsumed,
		&c.SleepCycles, &c.ModelSwitches, &c.State, &snoozeUntil, &c.EndedReason,
		&responsesJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if budget.Valid {
		c.Budget = &budget.Float64
	}
	if snoozeUntil.Valid {
		c.SnoozeUntil = &snoozeUntil.Time
	}
	if err := json.Unmarshal([]byte(responsesJSON), &c.Responses); err != nil {
		return nil, fmt.Errorf("convstore: unmarshal responses: %w", err)
	}
	return &c, nil
}

const selectColumns = `request_id, input_message, app_id, budget, total_energy_consumed,
	sleep_cycles, model_switches, state, snooze_until, ended_reason, responses, created_at, updated_at`

func (s *sqlStore) GetConversation(ctx context.Context, requestID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+selectColumns+" FROM conversations WHERE request_id = ?", 1), requestID)
	c, err := s.scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *sqlStore) queryConversations(ctx context.Context, where string, limit int, args ...any) ([]*Conversation, error) {
	limit = ClampLimit(limit)
	query := fmt.Sprintf("SELECT %s FROM conversations %s ORDER BY updated_at DESC LIMIT ?", selectColumns, where)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, s.q(query, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("convstore: query conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		var c Conversation
		var budget sql.NullFloat64
		var snoozeUntil sql.NullTime
		var responsesJSON string
		if err := rows.Scan(&c.RequestID, &c.InputMessage, &c.AppID, &budget, &c.TotalEnergyConsumed,
			&c.SleepCycles, &c.ModelSwitches, &c.State, &snoozeUntil, &c.EndedReason,
			&responsesJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("convstore: scan conversation: %w", err)
		}
		if budget.Valid {
			c.Budget = &budget.Float64
		}
		if snoozeUntil.Valid {
			c.SnoozeUntil = &snoozeUntil.Time
		}
		if err := json.Unmarshal([]byte(responsesJSON), &c.Responses); err != nil {
			return nil, fmt.Errorf("convstore: unmarshal responses: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetRecentConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	return s.queryConversations(ctx, "", limit)
}

func (s *sqlStore) GetConversationsByApp(ctx context.Context, appID string, limit int) ([]*Conversation, error) {
	return s.queryConversations(ctx, "WHERE app_id = ?", limit, appID)
}

func (s *sqlStore) GetPendingMessagesByApp(ctx context.Context, appID string) ([]*Conversation, error) {
	return s.queryConversations(ctx, "WHERE app_id = ? AND state = 'active'", 100, appID)
}

func (s *sqlStore) AddEnergyCharge(ctx context.Context, requestID string, charge float64) error {
	if charge < 0 {
		charge = 0
	}
	res, err := s.db.ExecContext(ctx, s.q("UPDATE conversations SET total_energy_consumed = total_energy_consumed + ?, updated_at = ? WHERE request_id = ?", 3), charge, s.now(), requestID)
	return s.checkRowsAffected(res, err, requestID)
}

func (s *sqlStore) SetEnergyBudget(ctx context.Context, requestID string, budget float64) error {
	if budget < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidBudget, budget)
	}
	res, err := s.db.ExecContext(ctx, s.q("UPDATE conversations SET budget = ?, updated_at = ? WHERE request_id = ?", 3), budget, s.now(), requestID)
	return s.checkRowsAffected(res, err, requestID)
}

func (s *sqlStore) checkRowsAffected(res sql.Result, err error, requestID string) error {
	if err != nil {
		return fmt.Errorf("convstore: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("convstore: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return nil
}

func (s *sqlStore) GetRemainingBudget(ctx context.Context, requestID string) (*float64, error) {
	c, err := s.GetConversation(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return c.Remaining(), nil
}

func (s *sqlStore) GetBudgetStatus(ctx context.Context, requestID string) (BudgetStatus, error) {
	c, err := s.GetConversation(ctx, requestID)
	if err != nil {
		return "", err
	}
	return c.DeriveBudgetStatus(), nil
}

func (s *sqlStore) EndConversation(ctx context.Context, requestID, reason string) error {
	res, err := s.db.ExecContext(ctx, s.q("UPDATE conversations SET state = 'ended', ended_reason = ?, snooze_until = NULL, updated_at = ? WHERE request_id = ?", 3), reason, s.now(), requestID)
	return s.checkRowsAffected(res, err, requestID)
}

func (s *sqlStore) SnoozeConversation(ctx context.Context, requestID string, wakeAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q("UPDATE conversations SET state = 'snoozed', snooze_until = ?, updated_at = ? WHERE request_id = ?", 3), wakeAt, s.now(), requestID)
	return s.checkRowsAffected(res, err, requestID)
}

func (s *sqlStore) IncrementSleepCycles(ctx context.Context, requestID string) error {
	res, err := s.db.ExecContext(ctx, s.q("UPDATE conversations SET sleep_cycles = sleep_cycles + 1, updated_at = ? WHERE request_id = ?", 2), s.now(), requestID)
	return s.checkRowsAffected(res, err, requestID)
}

func (s *sqlStore) IncrementModelSwitches(ctx context.Context, requestID string) error {
	res, err := s.db.ExecContext(ctx, s.q("UPDATE conversations SET model_switches = model_switches + 1, updated_at = ? WHERE request_id = ?", 2), s.now(), requestID)
	return s.checkRowsAffected(res, err, requestID)
}

func (s *sqlStore) WakeIfDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q("SELECT request_id FROM conversations WHERE state = 'snoozed' AND snooze_until <= ?", 1), now)
	if err != nil {
		return nil, fmt.Errorf("convstore: query due conversations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = s.db.ExecContext(ctx, s.q("UPDATE conversations SET state = 'active', snooze_until = NULL, updated_at = ? WHERE state = 'snoozed' AND snooze_until <= ?", 2), now, now)
	if err != nil {
		return nil, fmt.Errorf("convstore: wake due conversations: %w", err)
	}
	return ids, nil
}
