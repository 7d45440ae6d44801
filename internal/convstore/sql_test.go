package convstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*sqlStoreHandle, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS conversations").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestSQLEndConversationNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE conversations SET state = 'ended'").
		WithArgs("gone", sqlmock.AnyArg(), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.EndConversation(context.Background(), "ghost", "gone")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLAddEnergyChargeClampsNegative(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE conversations SET total_energy_consumed = total_energy_consumed").
		WithArgs(0.0, sqlmock.AnyArg(), "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.AddEnergyCharge(context.Background(), "r1", -3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSetEnergyBudgetRejectsNegativeBeforeQuerying(t *testing.T) {
	store, mock := newMockStore(t)
	err := store.SetEnergyBudget(context.Background(), "r1", -1)
	assert.ErrorIs(t, err, ErrInvalidBudget)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLWakeIfDueNoRows(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT request_id FROM conversations WHERE state = 'snoozed'").
		WillReturnRows(sqlmock.NewRows([]string{"request_id"}))

	woken, err := store.WakeIfDue(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, woken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// The SQLite round-trip runs against a real file via the pure-Go driver,
// checking that a conversation survives the store intact.
func TestSQLiteRoundTrip(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "conv.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	budget := 20.0
	require.NoError(t, store.AddResponse(ctx, "r1", "what is up", "", 0, "", &budget, "chat"))
	require.NoError(t, store.AddResponse(ctx, "r1", "", "not much", 7.5, "small-model", nil, ""))
	require.NoError(t, store.AddEnergyCharge(ctx, "r1", 2.5))
	require.NoError(t, store.IncrementSleepCycles(ctx, "r1"))
	require.NoError(t, store.IncrementModelSwitches(ctx, "r1"))

	got, err := store.GetConversation(ctx, "r1")
	require.NoError(t, err)

	want := &Conversation{
		RequestID:           "r1",
		InputMessage:        "what is up",
		AppID:               "chat",
		Budget:              &budget,
		TotalEnergyConsumed: 10,
		SleepCycles:         1,
		ModelSwitches:       1,
		State:               StateActive,
		Responses: []Response{
			{Content: "not much", EnergyLevel: 7.5, ModelUsed: "small-model"},
		},
	}
	diff := cmp.Diff(want, got,
		cmpopts.IgnoreFields(Conversation{}, "CreatedAt", "UpdatedAt"),
		cmpopts.IgnoreFields(Response{}, "Timestamp"),
	)
	assert.Empty(t, diff)
	assert.Equal(t, BudgetWithin, got.DeriveBudgetStatus())

	// Snooze and wake through the persisted snooze_until.
	wakeAt := time.Now().Add(-time.Minute)
	require.NoError(t, store.SnoozeConversation(ctx, "r1", wakeAt))
	woken, err := store.WakeIfDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, woken)
}

func TestSQLiteAppEnergyStore(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "conv.db"))
	require.NoError(t, err)
	defer store.Close()
	appStore, err := NewSQLiteAppEnergyStore(store.DB())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, appStore.UpsertApp(ctx, "chat", "in-process", "", nil, nil))
	require.NoError(t, appStore.AssociateConversation(ctx, "r1", "chat"))
	require.NoError(t, appStore.AssociateConversation(ctx, "r1", "chat")) // idempotent

	now := time.Now()
	require.NoError(t, appStore.RecordEnergy(ctx, "chat", 5, "r1", "respond", now))
	require.NoError(t, appStore.RecordEnergy(ctx, "chat", 3, "r1", "llm", now.Add(-2*time.Hour)))

	total, last24h, last1h, last1min, err := appStore.EnergyWindows(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, 8.0, total)
	assert.Equal(t, 8.0, last24h)
	assert.Equal(t, 5.0, last1h)
	assert.Equal(t, 5.0, last1min)
}
