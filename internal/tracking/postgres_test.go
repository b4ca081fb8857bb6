package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finchlab/scopeflow/api/schemas"
)

func sampleEvents(n int) []schemas.Event {
	events := make([]schemas.Event, n)
	for i := range events {
		act := schemas.Acquire("DAPI", 50)
		events[i] = schemas.Event{
			ID:     "11111111-1111-1111-1111-11111111111" + string(rune('0'+i)),
			RunID:  "22222222-2222-2222-2222-222222222222",
			Seq:    uint64(i + 1),
			Type:   schemas.EventActionDispatched,
			At:     time.Date(2026, 8, 30, 10, 0, i, 0, time.UTC),
			State:  schemas.StateActing,
			Action: &act,
		}
	}
	return events
}

func TestNewPostgresWriterEnsuresSchema(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS run_events").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	writer, err := NewPostgresWriter(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, writer)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestNewPostgresWriterPropagatesSchemaError(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	ddlErr := errors.New("permission denied")
	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS run_events").WillReturnError(ddlErr)

	_, err = NewPostgresWriter(context.Background(), mockPool, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ddlErr)
}

func TestWriteEventsCopiesBatch(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS run_events").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mockPool.ExpectCopyFrom(
		pgx.Identifier{"run_events"},
		[]string{"id", "run_id", "seq", "type", "state", "at", "action", "note", "payload"},
	).WillReturnResult(3)

	writer, err := NewPostgresWriter(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)

	err = writer.WriteEvents(context.Background(), sampleEvents(3))
	require.NoError(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestWriteEventsRejectsShortCopy(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS run_events").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mockPool.ExpectCopyFrom(
		pgx.Identifier{"run_events"},
		[]string{"id", "run_id", "seq", "type", "state", "at", "action", "note", "payload"},
	).WillReturnResult(1)

	writer, err := NewPostgresWriter(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)

	err = writer.WriteEvents(context.Background(), sampleEvents(2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
}

func TestWriteEventsNoopOnEmptyBatch(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS run_events").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	writer, err := NewPostgresWriter(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, writer.WriteEvents(context.Background(), nil))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
