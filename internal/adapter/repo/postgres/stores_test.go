package postgres_test

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/fernlab/evalsvc/internal/adapter/repo/postgres"
	"github.com/fernlab/evalsvc/internal/domain"
)

func TestEvaluationStore_SaveEvaluation(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	store := postgres.NewEvaluationStore(m)
	req := domain.EvaluateRequest{Payload: map[string]string{"repo": "example/repo"}}

	m.ExpectExec("INSERT INTO evaluations").
		WithArgs("job-1", pgxmock.AnyArg(), pgxmock.AnyArg(), nil, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.SaveEvaluation(context.Background(), "job-1", req, map[string]any{"ok": true}, time.Now())
	require.NoError(t, err)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestEvaluationStore_SaveFailedEvaluation(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	store := postgres.NewEvaluationStore(m)
	req := domain.EvaluateRequest{Payload: "x"}
	jobErr := domain.JobError{Message: "boom", Code: "EVALUATION_ERROR"}

	m.ExpectExec("INSERT INTO evaluations").
		WithArgs("job-2", pgxmock.AnyArg(), pgxmock.AnyArg(), nil, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.SaveFailedEvaluation(context.Background(), "job-2", req, jobErr, time.Now())
	require.NoError(t, err)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestEvaluationStore_LinkResultEvaluation(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	store := postgres.NewEvaluationStore(m)
	m.ExpectExec("UPDATE remediations SET result_evaluation_id").
		WithArgs("rem-1", "eval-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.LinkResultEvaluation(context.Background(), "rem-1", "eval-1")
	require.NoError(t, err)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestRemediationStore_SaveRemediation_And_SaveFailedRemediation(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	store := postgres.NewRemediationStore(m)
	req := domain.RemediationRequest{Payload: "diff", EvaluationID: "eval-1"}

	m.ExpectExec("INSERT INTO remediations").
		WithArgs("rem-1", "eval-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.SaveRemediation(context.Background(), "rem-1", req, map[string]any{"applied": true}, time.Now()))

	m.ExpectExec("INSERT INTO remediations").
		WithArgs("rem-2", "eval-1", pgxmock.AnyArg(), "patch failed", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.SaveFailedRemediation(context.Background(), "rem-2", req, "patch failed", time.Now()))

	require.NoError(t, m.ExpectationsWereMet())
}
