package versions

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"verdict/internal/audit"
	"verdict/internal/broker"
	"verdict/internal/constants"
	pkgerrors "verdict/pkg/errors"
	"verdict/pkg/logging"
	"verdict/pkg/metrics"
	"verdict/pkg/models"
)

type Service interface {
	CreateVersion(ctx context.Context, ruleID string, req CreateVersionRequest) (*RuleVersion, error)
	GetVersion(ctx context.Context, versionID string) (*RuleVersion, error)
	Versions(ctx context.Context, ruleID string) ([]RuleVersion, error)
	ActiveVersion(ctx context.Context, ruleID string) (*RuleVersion, error)
	Activate(ctx context.Context, versionID string) (*RuleVersion, error)
	Compare(ctx context.Context, fromVersionID, toVersionID string) (*Diff, error)
}

// ContentValidator checks a policy document before it is stored, so
// malformed documents are rejected at the boundary instead of being
// discovered during evaluation.
type ContentValidator interface {
	Validate(content json.RawMessage) error
}

type ContentInvalidator interface {
	Invalidate(ctx context.Context, ruleID string) error
}

type service struct {
	repo        Repository
	validator   ContentValidator
	invalidator ContentInvalidator
	auditRepo   audit.Repository
	producer    broker.Producer
	eventTopic  string
}

type ServiceOption func(*service)

func WithValidator(validator ContentValidator) ServiceOption {
	return func(s *service) {
		s.validator = validator
	}
}

func WithInvalidator(invalidator ContentInvalidator) ServiceOption {
	return func(s *service) {
		s.invalidator = invalidator
	}
}

func WithAudit(auditRepo audit.Repository) ServiceOption {
	return func(s *service) {
		s.auditRepo = auditRepo
	}
}

func WithChangeEvents(producer broker.Producer, topic string) ServiceOption {
	return func(s *service) {
		s.producer = producer
		s.eventTopic = topic
	}
}

func NewService(repo Repository, opts ...ServiceOption) Service {
	s := &service{repo: repo}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *service) CreateVersion(ctx context.Context, ruleID string, req CreateVersionRequest) (*RuleVersion, error) {
	if err := validateCreateVersion(ruleID, req); err != nil {
		metrics.VersionCreationsTotal.WithLabelValues("validation_error").Inc()
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrValidation)
	}

	if s.validator != nil {
		if err := s.validator.Validate(req.Content); err != nil {
			metrics.VersionCreationsTotal.WithLabelValues("validation_error").Inc()
			return nil, pkgerrors.ErrValidation.WithCause(err).WithDetail("message", err.Error())
		}
	}

	status := StatusDraft
	if req.Activate {
		status = StatusActive
	}

	version := &RuleVersion{
		RuleID:    ruleID,
		Content:   req.Content,
		Status:    status,
		CreatedBy: req.CreatedBy,
		Changelog: req.Changelog,
	}

	if err := s.repo.CreateVersion(ctx, version); err != nil {
		metrics.VersionCreationsTotal.WithLabelValues(resultLabel(err)).Inc()
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	metrics.VersionCreationsTotal.WithLabelValues("success").Inc()

	if req.Activate && s.invalidator != nil {
		_ = s.invalidator.Invalidate(ctx, ruleID)
	}

	s.recordAudit(ctx, version, models.ActionCreate, req.CreatedBy)
	s.publishChangeEvent(ctx, models.ActionCreate, version, req.CreatedBy)

	return version, nil
}

func (s *service) GetVersion(ctx context.Context, versionID string) (*RuleVersion, error) {
	version, err := s.repo.GetVersion(ctx, versionID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	if version == nil {
		return nil, pkgerrors.ErrNotFound.WithDetail("version_id", versionID)
	}
	return version, nil
}

func (s *service) Versions(ctx context.Context, ruleID string) ([]RuleVersion, error) {
	result, err := s.repo.GetVersions(ctx, ruleID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return result, nil
}

func (s *service) ActiveVersion(ctx context.Context, ruleID string) (*RuleVersion, error) {
	version, err := s.repo.GetActiveVersion(ctx, ruleID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	return version, nil
}

func (s *service) Activate(ctx context.Context, versionID string) (*RuleVersion, error) {
	version, err := s.repo.Activate(ctx, versionID)
	if err != nil {
		metrics.VersionActivationsTotal.WithLabelValues(resultLabel(err)).Inc()
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	metrics.VersionActivationsTotal.WithLabelValues("success").Inc()

	// Invalidate after commit so readers never see stale active content.
	// On failure the invalidator quarantines the rule and stops serving
	// cached content for it.
	if s.invalidator != nil {
		_ = s.invalidator.Invalidate(ctx, version.RuleID)
	}

	s.recordAudit(ctx, version, models.ActionActivate, changedBy(ctx))
	s.publishChangeEvent(ctx, models.ActionActivate, version, changedBy(ctx))

	return version, nil
}

func (s *service) Compare(ctx context.Context, fromVersionID, toVersionID string) (*Diff, error) {
	from, err := s.GetVersion(ctx, fromVersionID)
	if err != nil {
		return nil, err
	}
	to, err := s.GetVersion(ctx, toVersionID)
	if err != nil {
		return nil, err
	}

	return ComputeDiff(from.Content, to.Content), nil
}

func (s *service) recordAudit(ctx context.Context, version *RuleVersion, action, changedBy string) {
	if s.auditRepo == nil {
		return
	}
	entry := &models.AuditEntry{
		RuleID: &version.RuleID,
		Action: action,
		NewValue: map[string]interface{}{
			"version_id":     version.ID,
			"version_number": version.VersionNumber,
			"status":         version.Status,
		},
		ChangedBy: changedBy,
	}
	_ = s.auditRepo.Record(ctx, entry)
}

func (s *service) publishChangeEvent(ctx context.Context, action string, version *RuleVersion, changedBy string) {
	if s.producer == nil {
		return
	}
	event := models.ChangeEvent{
		ID:            uuid.New().String(),
		EventType:     models.EventTypeVersionChanged,
		RuleID:        version.RuleID,
		VersionID:     version.ID,
		VersionNumber: version.VersionNumber,
		Action:        action,
		ChangedBy:     changedBy,
		Timestamp:     time.Now(),
	}
	_ = s.producer.Publish(ctx, s.eventTopic, event)
}

func validateCreateVersion(ruleID string, req CreateVersionRequest) error {
	if strings.TrimSpace(ruleID) == "" {
		return errMissingField("rule_id")
	}
	if len(req.Content) == 0 {
		return errMissingField("content")
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		return errMissingField("created_by")
	}
	return nil
}

func errMissingField(field string) error {
	return pkgerrors.ErrValidation.WithDetail("message", field+" is required")
}

func resultLabel(err error) string {
	if pkgerrors.IsContention(err) {
		return "contention"
	}
	if pkgerrors.IsNotFound(err) {
		return "not_found"
	}
	return "error"
}

func changedBy(ctx context.Context) string {
	if userID := logging.GetUserID(ctx); userID != "" {
		return userID
	}
	return constants.SystemActor
}
