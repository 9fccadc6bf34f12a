package nl2sql

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/semsql/semsql/internal/audit"
	"github.com/semsql/semsql/internal/extract"
	"github.com/semsql/semsql/internal/llm"
	"github.com/semsql/semsql/internal/observability"
	"github.com/semsql/semsql/internal/sqlsanitize"
)

const auditWriteTimeout = 5 * time.Second

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Message)
}

// InvalidGenerationError reports a generation reply that parsed but lacks sql or explanation.
type InvalidGenerationError struct {
	Field string
	Raw   string
}

func (e *InvalidGenerationError) Error() string {
	return fmt.Sprintf("sql generation returned an empty %s", e.Field)
}

// Completer runs one logical model call, retries included. *llm.Executor implements it.
type Completer interface {
	Execute(ctx context.Context, prompt string) (llm.Completion, error)
}

type ServiceConfig struct {
	Executor              Completer
	Audit                 audit.Writer
	Logger                *slog.Logger
	Now                   func() time.Time
	OrganizationalContext string
	// AccessControl, when set, replaces the access_control of every request.
	AccessControl map[string]TableAccess
}

type Service struct {
	executor   Completer
	audit      audit.Writer
	logger     *slog.Logger
	now        func() time.Time
	orgContext string
	access     map[string]TableAccess
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	s := &Service{
		executor:   cfg.Executor,
		audit:      cfg.Audit,
		logger:     cfg.Logger,
		now:        cfg.Now,
		orgContext: strings.TrimSpace(cfg.OrganizationalContext),
		access:     cfg.AccessControl,
	}
	if s.audit == nil {
		s.audit = audit.Discard
	}
	if s.logger == nil {
		s.logger = observability.DiscardLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Validate checks the request and fills in the default executor role.
func Validate(req Request) (Request, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return Request{}, &ValidationError{Field: "query", Message: "is required"}
	}
	req.ExecutorRole = strings.TrimSpace(req.ExecutorRole)
	if req.ExecutorRole == "" {
		req.ExecutorRole = DefaultExecutorRole
	}
	return req, nil
}

// GenerateQuery runs the permission check and, only when it allows the request, SQL generation.
// A configured access-control catalog takes precedence over the request's own rules. A denial is recorded through the audit writer and returned as an OutcomeDenied outcome.
func (s *Service) GenerateQuery(ctx context.Context, req Request) (Outcome, error) {
	req, err := Validate(req)
	if err != nil {
		return Outcome{}, err
	}
	logger := observability.WithTrace(ctx, s.logger).With(slog.String("executor_role", req.ExecutorRole))
	if s.access != nil {
		if len(req.SemanticModel.AccessControl) > 0 {
			logger.Warn("ignoring request access control in favor of the configured catalog")
		}
		req.SemanticModel.AccessControl = s.access
	}
	if missing := MissingAccessControl(req.SemanticModel); len(missing) > 0 {
		logger.Warn("tables without access control", slog.Any("tables", missing))
	}

	permission, attempts, err := s.checkPermission(ctx, req)
	if err != nil {
		observability.IncrementPipelineOutcome("failed")
		return Outcome{}, fmt.Errorf("permission check: %w", err)
	}
	if !permission.Allowed {
		s.recordDenial(ctx, logger, req, permission)
		observability.IncrementPipelineOutcome(string(OutcomeDenied))
		return Outcome{
			Status:      OutcomeDenied,
			SQL:         "",
			Explanation: permission.Explanation,
			Attempts:    attempts,
		}, nil
	}

	query := req.Query
	if resolved := strings.TrimSpace(permission.ResolvedQuery); resolved != "" {
		query = resolved
	}
	generated, genAttempts, err := s.generate(ctx, req, query)
	attempts += genAttempts
	if err != nil {
		observability.IncrementPipelineOutcome("failed")
		return Outcome{}, fmt.Errorf("sql generation: %w", err)
	}

	observability.IncrementPipelineOutcome(string(OutcomeAllowed))
	logger.Info("sql generated", slog.Int("attempts", attempts), slog.Bool("resolved_query", query != req.Query))
	return Outcome{
		Status:        OutcomeAllowed,
		SQL:           generated.SQL,
		Explanation:   generated.Explanation,
		ResolvedQuery: strings.TrimSpace(permission.ResolvedQuery),
		Attempts:      attempts,
	}, nil
}

func (s *Service) checkPermission(ctx context.Context, req Request) (PermissionResult, int, error) {
	completion, err := s.executor.Execute(ctx, PermissionPrompt(req, s.orgContext))
	if err != nil {
		return PermissionResult{}, 0, err
	}
	var result PermissionResult
	if err := extract.Decode(completion.Content, &result, "resolvedQuery"); err != nil {
		return PermissionResult{}, completion.Attempts, err
	}
	return result, completion.Attempts, nil
}

func (s *Service) generate(ctx context.Context, req Request, query string) (GenerationResult, int, error) {
	completion, err := s.executor.Execute(ctx, GenerationPrompt(req, query, s.orgContext))
	if err != nil {
		return GenerationResult{}, 0, err
	}
	var result GenerationResult
	if err := extract.Decode(completion.Content, &result, "sql"); err != nil {
		return GenerationResult{}, completion.Attempts, err
	}
	result.SQL = strings.TrimSpace(result.SQL)
	result.Explanation = strings.TrimSpace(result.Explanation)
	if result.SQL == "" {
		return GenerationResult{}, completion.Attempts, &InvalidGenerationError{Field: "sql", Raw: completion.Content}
	}
	if result.Explanation == "" {
		return GenerationResult{}, completion.Attempts, &InvalidGenerationError{Field: "explanation", Raw: completion.Content}
	}
	result.SQL = sqlsanitize.Sanitize(result.SQL)
	return result, completion.Attempts, nil
}

// recordDenial never fails the caller. The write outlives a canceled request context.
func (s *Service) recordDenial(ctx context.Context, logger *slog.Logger, req Request, permission PermissionResult) {
	logger.Info("permission denied", slog.String("explanation", permission.Explanation))

	rec, err := audit.NewPermissionFailure(audit.NewPermissionFailureInput{
		Query:        req.Query,
		ExecutorRole: req.ExecutorRole,
		Model:        req.SemanticModel,
		Explanation:  permission.Explanation,
		Now:          s.now(),
	})
	if err != nil {
		observability.IncrementAuditWriteFailure()
		logger.Error("build permission failure record", slog.Any("error", err))
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()
	if err := s.audit.WritePermissionFailure(writeCtx, rec); err != nil {
		observability.IncrementAuditWriteFailure()
		logger.Error("write permission failure", slog.String("record_id", rec.ID.String()), slog.Any("error", err))
		return
	}
	logger.Debug("permission failure recorded", slog.String("record_id", rec.ID.String()))
}
