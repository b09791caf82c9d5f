// Package postgres provides PostgreSQL database adapters.
//
// It implements the persistence ports the job orchestration core depends on
// (domain.EvaluationStore, domain.RemediationLinker, domain.RemediationStore)
// with type-safe pgx operations and OpenTelemetry spans per query.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fernlab/evalsvc/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the stores, kept narrow so
// tests can supply a fake.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// EvaluationStore persists terminal evaluation outcomes for later retrieval,
// satisfying domain.EvaluationStore and domain.RemediationLinker.
type EvaluationStore struct{ Pool PgxPool }

// NewEvaluationStore constructs an EvaluationStore backed by the given pool.
func NewEvaluationStore(p PgxPool) *EvaluationStore { return &EvaluationStore{Pool: p} }

// SaveEvaluation persists a completed evaluation's result.
func (s *EvaluationStore) SaveEvaluation(ctx context.Context, jobID string, req domain.EvaluateRequest, result any, createdAt time.Time) error {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.SaveEvaluation")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "evaluations"),
	)
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("op=evaluations.save.marshal_payload: %w", err)
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("op=evaluations.save.marshal_result: %w", err)
	}
	q := `INSERT INTO evaluations (job_id, status, request, result, parent_evaluation_id, created_at, updated_at)
	      VALUES ($1, 'completed', $2, $3, $4, $5, $5)
	      ON CONFLICT (job_id) DO UPDATE SET status='completed', result=$3, updated_at=$5`
	if _, err := s.Pool.Exec(ctx, q, jobID, payload, resultJSON, nullable(req.ParentEvaluationID), createdAt.UTC()); err != nil {
		return fmt.Errorf("op=evaluations.save: %w", err)
	}
	return nil
}

// SaveFailedEvaluation persists a failed evaluation's error.
func (s *EvaluationStore) SaveFailedEvaluation(ctx context.Context, jobID string, req domain.EvaluateRequest, jobErr domain.JobError, createdAt time.Time) error {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.SaveFailedEvaluation")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "evaluations"),
	)
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("op=evaluations.save_failed.marshal_payload: %w", err)
	}
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("op=evaluations.save_failed.marshal_error: %w", err)
	}
	q := `INSERT INTO evaluations (job_id, status, request, error, parent_evaluation_id, created_at, updated_at)
	      VALUES ($1, 'failed', $2, $3, $4, $5, $5)
	      ON CONFLICT (job_id) DO UPDATE SET status='failed', error=$3, updated_at=$5`
	if _, err := s.Pool.Exec(ctx, q, jobID, payload, errJSON, nullable(req.ParentEvaluationID), createdAt.UTC()); err != nil {
		return fmt.Errorf("op=evaluations.save_failed: %w", err)
	}
	return nil
}

// LinkResultEvaluation records that remediationID's filesystem changes
// produced the re-evaluation evaluationID.
func (s *EvaluationStore) LinkResultEvaluation(ctx context.Context, remediationID, evaluationID string) error {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.LinkResultEvaluation")
	defer span.End()
	q := `UPDATE remediations SET result_evaluation_id=$2 WHERE job_id=$1`
	if _, err := s.Pool.Exec(ctx, q, remediationID, evaluationID); err != nil {
		return fmt.Errorf("op=evaluations.link_result: %w", err)
	}
	return nil
}

// GetByID loads a persisted evaluation row by job id.
func (s *EvaluationStore) GetByID(ctx context.Context, jobID string) (status string, result, errDetails json.RawMessage, err error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.GetByID")
	defer span.End()
	q := `SELECT status, COALESCE(result, 'null'), COALESCE(error, 'null') FROM evaluations WHERE job_id=$1`
	row := s.Pool.QueryRow(ctx, q, jobID)
	if scanErr := row.Scan(&status, &result, &errDetails); scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return "", nil, nil, fmt.Errorf("op=evaluations.get: %w", domain.ErrNotFound)
		}
		return "", nil, nil, fmt.Errorf("op=evaluations.get: %w", scanErr)
	}
	return status, result, errDetails, nil
}

// RemediationStore persists terminal remediation outcomes, satisfying
// domain.RemediationStore.
type RemediationStore struct{ Pool PgxPool }

// NewRemediationStore constructs a RemediationStore backed by the given pool.
func NewRemediationStore(p PgxPool) *RemediationStore { return &RemediationStore{Pool: p} }

// SaveRemediation persists a completed remediation's result.
func (s *RemediationStore) SaveRemediation(ctx context.Context, jobID string, req domain.RemediationRequest, result any, createdAt time.Time) error {
	tracer := otel.Tracer("repo.remediations")
	ctx, span := tracer.Start(ctx, "remediations.SaveRemediation")
	defer span.End()
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("op=remediations.save.marshal_payload: %w", err)
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("op=remediations.save.marshal_result: %w", err)
	}
	id := jobID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO remediations (job_id, evaluation_id, status, request, result, created_at, updated_at)
	      VALUES ($1, $2, 'completed', $3, $4, $5, $5)
	      ON CONFLICT (job_id) DO UPDATE SET status='completed', result=$4, updated_at=$5`
	if _, err := s.Pool.Exec(ctx, q, id, req.EvaluationID, payload, resultJSON, createdAt.UTC()); err != nil {
		return fmt.Errorf("op=remediations.save: %w", err)
	}
	return nil
}

// SaveFailedRemediation persists a failed remediation's error message.
func (s *RemediationStore) SaveFailedRemediation(ctx context.Context, jobID string, req domain.RemediationRequest, errMsg string, createdAt time.Time) error {
	tracer := otel.Tracer("repo.remediations")
	ctx, span := tracer.Start(ctx, "remediations.SaveFailedRemediation")
	defer span.End()
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("op=remediations.save_failed.marshal_payload: %w", err)
	}
	q := `INSERT INTO remediations (job_id, evaluation_id, status, request, error, created_at, updated_at)
	      VALUES ($1, $2, 'failed', $3, $4, $5, $5)
	      ON CONFLICT (job_id) DO UPDATE SET status='failed', error=$4, updated_at=$5`
	if _, err := s.Pool.Exec(ctx, q, jobID, req.EvaluationID, payload, errMsg, createdAt.UTC()); err != nil {
		return fmt.Errorf("op=remediations.save_failed: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
