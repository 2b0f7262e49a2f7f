package service

import (
	"context"

	"github.com/sitecontact/backend/internal/model"
)

// ContactService defines the business logic for contact form submissions.
type ContactService interface {
	// Submit runs sub through the anti-abuse pipeline and persists it when
	// every check passes. A refused submission yields a *RejectionError;
	// any other error means the submission could not be processed.
	Submit(ctx context.Context, sub model.Submission) (*model.ContactRecord, error)

	// List returns contact records newest first.
	List(ctx context.Context, opts model.ContactListOptions) ([]*model.ContactRecord, error)

	// Get returns one contact record, or repository.ErrNotFound.
	Get(ctx context.Context, id string) (*model.ContactRecord, error)
}

// SubmissionLimiter is the per-source capacity check used by the pipeline.
// *ratelimit.Limiter implements it.
type SubmissionLimiter interface {
	Check(ctx context.Context, sourceID string) (bool, error)
	Reserve(ctx context.Context, sourceID string) (bool, error)
	Release(ctx context.Context, sourceID string) error
}

// Notifier is told about every accepted submission after it is stored.
type Notifier interface {
	Notify(ctx context.Context, rec *model.ContactRecord) error
}
