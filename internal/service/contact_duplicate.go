package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sitecontact/backend/internal/repository"
)

// DefaultDuplicateWindow is how long an email address is blocked from
// submitting again after an accepted submission.
const DefaultDuplicateWindow = 30 * time.Minute

// DuplicateChecker asks the repository whether an address submitted
// recently. The check is a point-in-time query and two concurrent submissions
// with the same address can both pass it.
type DuplicateChecker struct {
	repo   repository.ContactRepository
	window time.Duration
	now    func() time.Time
}

// NewDuplicateChecker creates a DuplicateChecker. A window of zero uses
// DefaultDuplicateWindow.
func NewDuplicateChecker(repo repository.ContactRepository, window time.Duration) *DuplicateChecker {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	return &DuplicateChecker{repo: repo, window: window, now: time.Now}
}

// IsDuplicate reports whether a record for email was received within the window.
func (d *DuplicateChecker) IsDuplicate(ctx context.Context, email string) (bool, error) {
	n, err := d.repo.CountSince(ctx, email, d.now().Add(-d.window))
	if err != nil {
		return false, fmt.Errorf("duplicate check: %w", err)
	}
	return n > 0, nil
}
