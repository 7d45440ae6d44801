package convstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppEnergyStore persists the app registry's durable side: installed apps,
// the append-only energy event series, and conversation bindings. Only
// app_energy.app_id carries a foreign key; conversation binding is enforced
// in application logic so an energy row can land before its conversation
// row commits.
type AppEnergyStore struct {
	db  *sql.DB
	ph  placeholderFunc
	now func() time.Time
}

const appSchemaDDL = `
CREATE TABLE IF NOT EXISTS apps (
	app_id               TEXT PRIMARY KEY,
	app_type             TEXT NOT NULL,
	enabled              INTEGER NOT NULL DEFAULT 1,
	endpoint             TEXT NOT NULL DEFAULT '',
	hourly_energy_budget REAL,
	daily_energy_budget  REAL,
	installed_at         TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS app_energy (
	app_id          TEXT NOT NULL REFERENCES apps(app_id),
	amount          REAL NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	operation       TEXT NOT NULL DEFAULT '',
	recorded_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_app_energy_app_id ON app_energy(app_id);
CREATE INDEX IF NOT EXISTS idx_app_energy_recorded_at ON app_energy(recorded_at);
CREATE TABLE IF NOT EXISTS app_conversations (
	conversation_id TEXT NOT NULL,
	app_id          TEXT NOT NULL,
	bound_at        TIMESTAMP NOT NULL,
	UNIQUE(conversation_id, app_id)
);
CREATE INDEX IF NOT EXISTS idx_app_conversations_conversation ON app_conversations(conversation_id);
`

// NewSQLiteAppEnergyStore migrates and wraps the app tables on a SQLite db.
func NewSQLiteAppEnergyStore(db *sql.DB) (*AppEnergyStore, error) {
	if _, err := db.Exec(appSchemaDDL); err != nil {
		return nil, fmt.Errorf("convstore: migrate app schema: %w", err)
	}
	return &AppEnergyStore{db: db, ph: sqlitePlaceholder, now: time.Now}, nil
}

// NewPostgresAppEnergyStore migrates and wraps the app tables on a
// Postgres db.
func NewPostgresAppEnergyStore(db *sql.DB) (*AppEnergyStore, error) {
	if _, err := db.Exec(appSchemaDDL); err != nil {
		return nil, fmt.Errorf("convstore: migrate app schema: %w", err)
	}
	return &AppEnergyStore{db: db, ph: postgresPlaceholder, now: time.Now}, nil
}

func (s *AppEnergyStore) q(query string, n int) string {
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

// UpsertApp records an installation.
func (s *AppEnergyStore) UpsertApp(ctx context.Context, appID, appType, endpoint string, hourly, daily *float64) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO apps
		(app_id, app_type, enabled, endpoint, hourly_energy_budget, daily_energy_budget, installed_at)
		VALUES (?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(app_id) DO UPDATE SET app_type = ?, endpoint = ?`, 8),
		appID, appType, endpoint, hourly, daily, s.now(), appType, endpoint)
	if err != nil {
		return fmt.Errorf("convstore: upsert app: %w", err)
	}
	return nil
}

// DeleteApp removes the app's energy rows and then its installation row.
// Conversation bindings in app_conversations are kept; the schema has no
// cascading deletes.
func (s *AppEnergyStore) DeleteApp(ctx context.Context, appID string) error {
	if _, err := s.db.ExecContext(ctx, s.q("DELETE FROM app_energy WHERE app_id = ?", 1), appID); err != nil {
		return fmt.Errorf("convstore: delete app energy: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.q("DELETE FROM apps WHERE app_id = ?", 1), appID); err != nil {
		return fmt.Errorf("convstore: delete app: %w", err)
	}
	return nil
}

// RecordEnergy appends one energy event row.
func (s *AppEnergyStore) RecordEnergy(ctx context.Context, appID string, amount float64, conversationID, operation string, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO app_energy
		(app_id, amount, conversation_id, operation, recorded_at) VALUES (?, ?, ?, ?, ?)`, 5),
		appID, amount, conversationID, operation, at)
	if err != nil {
		return fmt.Errorf("convstore: record energy: %w", err)
	}
	return nil
}

// AssociateConversation binds a conversation to an app, idempotently.
func (s *AppEnergyStore) AssociateConversation(ctx context.Context, conversationID, appID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO app_conversations
		(conversation_id, app_id, bound_at) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id, app_id) DO NOTHING`, 3),
		conversationID, appID, s.now())
	if err != nil {
		return fmt.Errorf("convstore: associate conversation: %w", err)
	}
	return nil
}

// EnergyWindows computes {total, last24h, last1h, last1min} for an app from
// the persisted series with bounded time-predicate scans. It backs the
// registry's metrics when the in-memory window is cold (fresh process).
func (s *AppEnergyStore) EnergyWindows(ctx context.Context, appID string) (total, last24h, last1h, last1min float64, err error) {
	now := s.now()
	row := s.db.QueryRowContext(ctx, s.q(`SELECT
		COALESCE(SUM(amount), 0),
		COALESCE(SUM(CASE WHEN recorded_at >= ? THEN amount ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN recorded_at >= ? THEN amount ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN recorded_at >= ? THEN amount ELSE 0 END), 0)
		FROM app_energy WHERE app_id = ?`, 4),
		now.Add(-24*time.Hour), now.Add(-time.Hour), now.Add(-time.Minute), appID)
	if scanErr := row.Scan(&total, &last24h, &last1h, &last1min); scanErr != nil {
		return 0, 0, 0, 0, fmt.Errorf("convstore: energy windows: %w", scanErr)
	}
	return total, last24h, last1h, last1min, nil
}
