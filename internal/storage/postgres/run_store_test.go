package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/localatlas/crawlops/internal/dispatch"
)

func TestAppendExecutionLogSerializesSummary(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStore(mock)
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	completed := started.Add(90 * time.Second)
	log := dispatch.ExecutionLog{
		ID:               "run-1",
		JobName:          "nightly-gmaps",
		Status:           dispatch.RunCompleted,
		StartedAt:        started,
		CompletedAt:      &completed,
		TargetsProcessed: 7,
		ItemsFound:       120,
		ItemsSaved:       115,
		OrphansRecovered: 1,
		ErrorSummary: []dispatch.ReasonCount{
			{Reason: dispatch.ReasonRateLimited, Count: 3},
			{Reason: dispatch.ReasonTimeout, Count: 1},
		},
	}

	mock.ExpectExec(`INSERT INTO execution_logs`).
		WithArgs("run-1", "nightly-gmaps", "completed", started, &completed,
			7, 120, 115, 1,
			[]byte(`[{"reason":"rate_limited","count":3},{"reason":"timeout","count":1}]`),
			"", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Append(context.Background(), log))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatsCountsOutcomes(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStore(mock)
	require.NoError(t, err)

	runAt := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec(`INSERT INTO job_stats`).
		WithArgs("nightly-gmaps", 1, 0, runAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO job_stats`).
		WithArgs("nightly-gmaps", 0, 1, runAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpdateJobStats(context.Background(), "nightly-gmaps", true, runAt))
	require.NoError(t, store.UpdateJobStats(context.Background(), "nightly-gmaps", false, runAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobStatsZeroValueWhenNeverRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT job_name`).
		WithArgs("never-ran").
		WillReturnRows(pgxmock.NewRows([]string{"job_name", "total_runs", "success_runs", "failed_runs", "last_run_at"}))

	stats, err := store.GetJobStats(context.Background(), "never-ran")
	require.NoError(t, err)
	require.Equal(t, dispatch.JobStats{JobName: "never-ran"}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}
