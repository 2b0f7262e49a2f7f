package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sitecontact/backend/internal/logging"
	"github.com/sitecontact/backend/internal/model"
	"github.com/sitecontact/backend/internal/repository"
)

// DefaultNotifyTimeout bounds how long Submit waits for the notifier after a
// record is saved. It stays well under the server's write timeout.
const DefaultNotifyTimeout = 5 * time.Second

// contactServiceImpl is the production implementation of ContactService.
type contactServiceImpl struct {
	repo       repository.ContactRepository
	limiter    SubmissionLimiter
	duplicates *DuplicateChecker
	notifier   Notifier
	// notifyTimeout は保存後の通知を待つ上限
	notifyTimeout time.Duration
	now           func() time.Time
}

// NewContactService creates a ContactService backed by the given repository
// and limiter. notifier can be nil to skip notifications.
func NewContactService(repo repository.ContactRepository, limiter SubmissionLimiter, notifier Notifier) ContactService {
	return &contactServiceImpl{
		repo:          repo,
		limiter:       limiter,
		duplicates:    NewDuplicateChecker(repo, DefaultDuplicateWindow),
		notifier:      notifier,
		notifyTimeout: DefaultNotifyTimeout,
		now:           time.Now,
	}
}

func (s *contactServiceImpl) setClock(now func() time.Time) {
	s.now = now
	s.duplicates.now = now
}

// Submit runs the pipeline. Stage order:
//
//	capacity check, honeypot, sanitize, spam heuristics, duplicate check,
//	capacity reservation, save, notify.
//
// Stateless checks run before anything that touches the store or the
// database. Capacity is only consumed by submissions that are saved.
func (s *contactServiceImpl) Submit(ctx context.Context, sub model.Submission) (*model.ContactRecord, error) {
	log := logging.FromContext(ctx).With("source", sub.SourceID)

	rec, err := s.submit(ctx, sub)
	if err != nil {
		if reason, ok := ReasonOf(err); ok {
			log.Info("contact submission rejected", "reason", reason.String())
		} else {
			log.Error("contact submission failed", "error", err)
		}
		return nil, err
	}

	log.Info("contact submission accepted", "id", rec.ID)

	if s.notifier != nil {
		// 保存済みなのでクライアント切断では止めず、待ち時間だけ区切る
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
		err := s.notifier.Notify(nctx, rec)
		cancel()
		if err != nil {
			log.Warn("contact notification failed", "id", rec.ID, "error", err)
		}
	}
	return rec, nil
}

func (s *contactServiceImpl) submit(ctx context.Context, sub model.Submission) (*model.ContactRecord, error) {
	ok, err := s.limiter.Check(ctx, sub.SourceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, reject(ReasonRateLimited)
	}

	if err := CheckHoneypot(sub.Website); err != nil {
		return nil, err
	}

	clean, err := Sanitize(sub)
	if err != nil {
		return nil, err
	}

	if err := ClassifySpam(clean.Name, clean.Message); err != nil {
		return nil, err
	}

	dup, err := s.duplicates.IsDuplicate(ctx, clean.Email)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, reject(ReasonDuplicate)
	}

	// Another request from the same source may have taken the last slot
	// since the capacity check; Reserve is the authoritative decision.
	ok, err = s.limiter.Reserve(ctx, sub.SourceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, reject(ReasonRateLimited)
	}

	rec := &model.ContactRecord{
		Name:       clean.Name,
		Email:      clean.Email,
		Message:    clean.Message,
		ReceivedAt: s.now().UTC(),
	}
	if err := s.repo.Save(ctx, rec); err != nil {
		if relErr := s.limiter.Release(ctx, sub.SourceID); relErr != nil {
			logging.FromContext(ctx).Error("rate limit release failed", "source", sub.SourceID, "error", relErr)
		}
		return nil, fmt.Errorf("save contact record: %w", err)
	}
	return rec, nil
}

// List returns contact records according to the given pagination options.
func (s *contactServiceImpl) List(ctx context.Context, opts model.ContactListOptions) ([]*model.ContactRecord, error) {
	return s.repo.List(ctx, opts)
}

// Get returns a contact record by ID.
func (s *contactServiceImpl) Get(ctx context.Context, id string) (*model.ContactRecord, error) {
	return s.repo.Get(ctx, id)
}
