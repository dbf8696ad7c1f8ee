package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/inercia/warden/internal/logging"
	"github.com/inercia/warden/internal/models"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock"), logging.Discard()), mock
}

func TestInsertAttempt_UsesBoundParameters(t *testing.T) {
	st, mock := newMockStore(t)

	payload := "'; DROP TABLE users; --"
	endpoint := "/api/items"
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	attempt := &models.IntrusionAttempt{
		ID:            "a-1",
		IPAddress:     "1.2.3.4",
		AttackType:    models.AttackSQLInjection,
		Endpoint:      &endpoint,
		PayloadSample: &payload,
		Severity:      models.SeverityHigh,
		CreatedAt:     now,
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO intrusion_attempts (`)).
		WithArgs("a-1", nil, "1.2.3.4", nil, models.AttackSQLInjection, &endpoint, &payload, models.SeverityHigh, false, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, st.InsertAttempt(context.Background(), attempt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountAttemptsSince_WrapsErrors(t *testing.T) {
	st, mock := newMockStore(t)
	boom := errors.New("connection reset")

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM intrusion_attempts WHERE ip_address = ? AND attack_type = ? AND created_at >= ?`)).
		WithArgs("1.2.3.4", "BRUTE_FORCE", sqlmock.AnyArg()).
		WillReturnError(boom)

	_, err := st.CountAttemptsSince(context.Background(), "1.2.3.4", models.AttackBruteForce, time.Now())
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveBlock_NoRowsReturnsNil(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM ip_blocks`)).
		WithArgs("5.6.7.8", true, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "ip_address", "reason", "severity", "expires_at", "auto_blocked", "blocked_by", "is_active", "blocked_at"}))

	block, err := st.ActiveBlock(context.Background(), "5.6.7.8", time.Now())
	require.NoError(t, err)
	require.Nil(t, block)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateBlocks_ReturnsRowsAffected(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ip_blocks SET is_active = ? WHERE ip_address = ? AND is_active = ?`)).
		WithArgs(false, "1.2.3.4", true).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := st.DeactivateBlocks(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeAlert_UnknownIDIsNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE security_alerts SET acknowledged = ?`)).
		WithArgs(true, "ops", sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.AcknowledgeAlert(context.Background(), "missing", "ops", time.Now())
	require.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAlerts_FiltersAcknowledgedByDefault(t *testing.T) {
	st, mock := newMockStore(t)

	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "alert_type", "severity", "message", "details", "acknowledged", "acknowledged_by", "acknowledged_at", "created_at"}).
		AddRow("al-1", "IP_BLOCKED", "HIGH", "IP 1.2.3.4 blocked", `{"ipAddress":"1.2.3.4"}`, false, nil, nil, created)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM security_alerts WHERE acknowledged = ? ORDER BY created_at DESC LIMIT ?`)).
		WithArgs(false, 50).
		WillReturnRows(rows)

	alerts, err := st.ListAlerts(context.Background(), models.AlertFilter{Limit: 50})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, models.AlertIPBlocked, alerts[0].AlertType)
	require.Equal(t, "1.2.3.4", alerts[0].Details["ipAddress"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, Config{DSN: "warden.db"}.Validate())
	require.NoError(t, Config{Driver: DriverPostgres, DSN: "postgres://localhost/warden"}.Validate())
	require.Error(t, Config{Driver: "mysql", DSN: "x"}.Validate())
	require.Error(t, Config{Driver: DriverSQLite}.Validate())
}

func TestSQLiteDSN(t *testing.T) {
	dsn, err := sqliteDSN(":memory:")
	require.NoError(t, err)
	require.Equal(t, ":memory:", dsn)

	dsn, err = sqliteDSN("file:x.db?mode=ro")
	require.NoError(t, err)
	require.Equal(t, "file:x.db?mode=ro", dsn)

	dir := t.TempDir()
	dsn, err = sqliteDSN(dir + "/nested/warden.db")
	require.NoError(t, err)
	require.Contains(t, dsn, "busy_timeout")
	require.DirExists(t, dir+"/nested")
}
