package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sitecontact/backend/internal/model"
	"github.com/sitecontact/backend/internal/ratelimit"
	"github.com/sitecontact/backend/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// mockContactRepository: in-memory stub for testing
// ---------------------------------------------------------------------------

type mockContactRepository struct {
	mu      sync.Mutex
	records []*model.ContactRecord

	saveFunc  func(ctx context.Context, rec *model.ContactRecord) error
	countFunc func(ctx context.Context, email string, since time.Time) (int, error)
	listFunc  func(ctx context.Context, opts model.ContactListOptions) ([]*model.ContactRecord, error)
}

func (m *mockContactRepository) Save(ctx context.Context, rec *model.ContactRecord) error {
	if m.saveFunc != nil {
		return m.saveFunc(ctx, rec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = fmt.Sprintf("rec-%d", len(m.records)+1)
	m.records = append(m.records, rec)
	return nil
}

func (m *mockContactRepository) CountSince(ctx context.Context, email string, since time.Time) (int, error) {
	if m.countFunc != nil {
		return m.countFunc(ctx, email, since)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.Email == email && !r.ReceivedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *mockContactRepository) List(ctx context.Context, opts model.ContactListOptions) ([]*model.ContactRecord, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, opts)
	}
	return nil, nil
}

func (m *mockContactRepository) Get(ctx context.Context, id string) (*model.ContactRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *mockContactRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type mockNotifier struct {
	mu       sync.Mutex
	notified []*model.ContactRecord
	err      error
	block    bool
}

func (n *mockNotifier) Notify(ctx context.Context, rec *model.ContactRecord) error {
	n.mu.Lock()
	n.notified = append(n.notified, rec)
	block, err := n.block, n.err
	n.mu.Unlock()
	if block {
		// 応答しないリレーの代わり
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// ctxRecordingNotifier inspects the context Notify receives.
type ctxRecordingNotifier struct {
	hadDeadline bool
	fn          func(ctx context.Context)
}

func (n *ctxRecordingNotifier) Notify(ctx context.Context, rec *model.ContactRecord) error {
	_, n.hadDeadline = ctx.Deadline()
	n.fn(ctx)
	return nil
}

type failingStore struct{ err error }

func (f failingStore) Get(context.Context, string) (int64, error) { return 0, f.err }
func (f failingStore) IncrementBelow(context.Context, string, int64, time.Duration) (int64, bool, error) {
	return 0, false, f.err
}
func (f failingStore) Decrement(context.Context, string) error { return f.err }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type pipelineFixture struct {
	svc      *contactServiceImpl
	repo     *mockContactRepository
	store    *ratelimit.MemoryStore
	limiter  *ratelimit.Limiter
	notifier *mockNotifier
	clock    *testClock
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := ratelimit.NewMemoryStoreWithClock(clock.Now)
	limiter, err := ratelimit.New(store, ratelimit.Config{})
	require.NoError(t, err)
	repo := &mockContactRepository{}
	notifier := &mockNotifier{}
	svc := NewContactService(repo, limiter, notifier).(*contactServiceImpl)
	svc.setClock(clock.Now)
	return &pipelineFixture{svc: svc, repo: repo, store: store, limiter: limiter, notifier: notifier, clock: clock}
}

func validSubmission(n int) model.Submission {
	return model.Submission{
		Name:     "Jane Doe",
		Email:    fmt.Sprintf("jane%d@example.com", n),
		Message:  "Hello, I would like to hear more about your services.",
		SourceID: "203.0.113.10",
	}
}

func (f *pipelineFixture) counter(t *testing.T, source string) int64 {
	t.Helper()
	n, err := f.store.Get(context.Background(), ratelimit.Key(source))
	require.NoError(t, err)
	return n
}

// ---------------------------------------------------------------------------
// Submit tests
// ---------------------------------------------------------------------------

func TestContactService_Submit_AcceptsAndPersists(t *testing.T) {
	f := newPipelineFixture(t)

	sub := validSubmission(1)
	sub.Name = "  <b>Jane Doe</b> "
	sub.Email = " Jane1@Example.com "
	rec, err := f.svc.Submit(context.Background(), sub)
	require.NoError(t, err)

	assert.Equal(t, 1, f.repo.count())
	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, "Jane Doe", rec.Name)
	assert.Equal(t, "jane1@example.com", rec.Email)
	assert.Equal(t, f.clock.Now(), rec.ReceivedAt)
	assert.Equal(t, int64(1), f.counter(t, sub.SourceID))
	assert.Len(t, f.notifier.notified, 1)
}

func TestContactService_Submit_BoundaryValues(t *testing.T) {
	f := newPipelineFixture(t)

	sub := validSubmission(1)
	sub.Name = "Jo"
	sub.Message = "1234567890"
	_, err := f.svc.Submit(context.Background(), sub)
	require.NoError(t, err)

	sub = validSubmission(2)
	sub.Message = "123456789"
	_, err = f.svc.Submit(context.Background(), sub)
	assertReason(t, err, ReasonMessageTooShort)

	sub = validSubmission(3)
	sub.Name = "J"
	_, err = f.svc.Submit(context.Background(), sub)
	assertReason(t, err, ReasonNameInvalid)

	assert.Equal(t, 1, f.repo.count())
}

func TestContactService_Submit_HoneypotWinsOverEverything(t *testing.T) {
	f := newPipelineFixture(t)

	good := validSubmission(1)
	good.Website = "http://bot.example"
	_, err := f.svc.Submit(context.Background(), good)
	assertReason(t, err, ReasonHoneypot)

	bad := model.Submission{Name: "J", Email: "nope", Message: "x", Website: "filled", SourceID: "203.0.113.10"}
	_, err = f.svc.Submit(context.Background(), bad)
	assertReason(t, err, ReasonHoneypot)

	assert.Zero(t, f.repo.count())
	assert.Zero(t, f.counter(t, "203.0.113.10"))
}

func TestContactService_Submit_SpamRejected(t *testing.T) {
	f := newPipelineFixture(t)

	sub := validSubmission(1)
	sub.Message = "Great prices at www.cheap-stuff.example today"
	_, err := f.svc.Submit(context.Background(), sub)
	assertReason(t, err, ReasonSpamPattern)

	sub = validSubmission(2)
	sub.Message = "buy buy buy buy buy one two three four five six seven"
	_, err = f.svc.Submit(context.Background(), sub)
	assertReason(t, err, ReasonSpamRepetition)

	sub = validSubmission(3)
	sub.Name = "aaaaaa"
	_, err = f.svc.Submit(context.Background(), sub)
	assertReason(t, err, ReasonNameInvalid)

	assert.Zero(t, f.repo.count())
}

func TestContactService_Submit_RateLimitAfterFiveAccepted(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := f.svc.Submit(ctx, validSubmission(i))
		require.NoError(t, err, "submission %d", i)
	}

	_, err := f.svc.Submit(ctx, validSubmission(6))
	assertReason(t, err, ReasonRateLimited)
	assert.Equal(t, 5, f.repo.count())
	assert.Equal(t, int64(5), f.counter(t, "203.0.113.10"))

	other := validSubmission(7)
	other.SourceID = "198.51.100.4"
	_, err = f.svc.Submit(ctx, other)
	assert.NoError(t, err, "a different source has its own counter")
}

func TestContactService_Submit_RateLimitWindowExpires(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := f.svc.Submit(ctx, validSubmission(i))
		require.NoError(t, err)
	}
	f.clock.Advance(30 * time.Minute)
	_, err := f.svc.Submit(ctx, validSubmission(6))
	assertReason(t, err, ReasonRateLimited)

	f.clock.Advance(30 * time.Minute)
	_, err = f.svc.Submit(ctx, validSubmission(7))
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.counter(t, "203.0.113.10"))
}

func TestContactService_Submit_RejectionsDoNotConsumeCapacity(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	spam := validSubmission(1)
	spam.Message = "You are our lucky winner, claim now"
	for i := 0; i < 10; i++ {
		_, err := f.svc.Submit(ctx, spam)
		assertReason(t, err, ReasonSpamPattern)
	}
	assert.Zero(t, f.counter(t, "203.0.113.10"))

	_, err := f.svc.Submit(ctx, validSubmission(2))
	assert.NoError(t, err)
}

func TestContactService_Submit_ConcurrentAtCeilingAdmitsOne(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	source := "203.0.113.10"

	for i := 0; i < ratelimit.DefaultCeiling-1; i++ {
		ok, err := f.limiter.Reserve(ctx, source)
		require.NoError(t, err)
		require.True(t, ok)
	}

	const n = 25
	var accepted, limited atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.svc.Submit(ctx, validSubmission(100+i))
			if err == nil {
				accepted.Add(1)
				return
			}
			if reason, ok := ReasonOf(err); ok && reason == ReasonRateLimited {
				limited.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), accepted.Load())
	assert.Equal(t, int64(n-1), limited.Load())
	assert.Equal(t, 1, f.repo.count())
	assert.Equal(t, int64(ratelimit.DefaultCeiling), f.counter(t, source))
}

func TestContactService_Submit_DuplicateWithinWindow(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, validSubmission(1))
	require.NoError(t, err)

	f.clock.Advance(29 * time.Minute)
	again := validSubmission(1)
	again.Email = "JANE1@example.com"
	again.SourceID = "198.51.100.4"
	_, err = f.svc.Submit(ctx, again)
	assertReason(t, err, ReasonDuplicate)
	assert.Zero(t, f.counter(t, "198.51.100.4"))

	f.clock.Advance(time.Minute + time.Second)
	_, err = f.svc.Submit(ctx, again)
	assert.NoError(t, err)
	assert.Equal(t, 2, f.repo.count())
}

func TestContactService_Submit_RateLimitCheckedBeforeContent(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := f.svc.Submit(ctx, validSubmission(i))
		require.NoError(t, err)
	}
	bad := model.Submission{Name: "J", Website: "x", SourceID: "203.0.113.10"}
	_, err := f.svc.Submit(ctx, bad)
	assertReason(t, err, ReasonRateLimited)
}

func TestContactService_Submit_StoreUnavailableFailsClosed(t *testing.T) {
	storeErr := errors.New("redis: connection refused")
	limiter, err := ratelimit.New(failingStore{err: storeErr}, ratelimit.Config{})
	require.NoError(t, err)
	repo := &mockContactRepository{}
	svc := NewContactService(repo, limiter, nil)

	rec, err := svc.Submit(context.Background(), validSubmission(1))
	assert.Nil(t, rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, storeErr)
	_, isRejection := ReasonOf(err)
	assert.False(t, isRejection, "an unreachable store must not look like a validation result")
	assert.Zero(t, repo.count())
}

func TestContactService_Submit_DuplicateQueryErrorFailsClosed(t *testing.T) {
	f := newPipelineFixture(t)
	dbErr := errors.New("db read failed")
	f.repo.countFunc = func(ctx context.Context, email string, since time.Time) (int, error) {
		return 0, dbErr
	}

	_, err := f.svc.Submit(context.Background(), validSubmission(1))
	assert.ErrorIs(t, err, dbErr)
	assert.Zero(t, f.counter(t, "203.0.113.10"))
}

func TestContactService_Submit_SaveErrorReleasesReservation(t *testing.T) {
	f := newPipelineFixture(t)
	dbErr := errors.New("db write failed")
	f.repo.saveFunc = func(ctx context.Context, rec *model.ContactRecord) error {
		return dbErr
	}

	rec, err := f.svc.Submit(context.Background(), validSubmission(1))
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, dbErr)
	assert.Zero(t, f.counter(t, "203.0.113.10"))
	assert.Empty(t, f.notifier.notified)
}

func TestContactService_Submit_NotifierErrorDoesNotFail(t *testing.T) {
	f := newPipelineFixture(t)
	f.notifier.err = errors.New("smtp down")

	rec, err := f.svc.Submit(context.Background(), validSubmission(1))
	require.NoError(t, err)
	assert.NotNil(t, rec)
	assert.Equal(t, 1, f.repo.count())
}

func TestContactService_Submit_SlowNotifierIsBounded(t *testing.T) {
	f := newPipelineFixture(t)
	f.notifier.block = true
	f.svc.notifyTimeout = 20 * time.Millisecond

	start := time.Now()
	rec, err := f.svc.Submit(context.Background(), validSubmission(1))
	require.NoError(t, err)
	assert.NotNil(t, rec)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, f.repo.count())
	assert.Len(t, f.notifier.notified, 1)
}

func TestContactService_Submit_NotifyOutlivesRequestCancel(t *testing.T) {
	f := newPipelineFixture(t)
	var gotErr error
	notifier := &ctxRecordingNotifier{fn: func(ctx context.Context) { gotErr = ctx.Err() }}
	f.svc.notifier = notifier

	// 保存直後にクライアントが切断したケース
	ctx, cancel := context.WithCancel(context.Background())
	f.repo.saveFunc = func(ctx context.Context, rec *model.ContactRecord) error {
		rec.ID = "rec-1"
		cancel()
		return nil
	}

	_, err := f.svc.Submit(ctx, validSubmission(1))
	require.NoError(t, err)
	assert.True(t, notifier.hadDeadline)
	assert.NoError(t, gotErr, "notification should not inherit the request's cancellation")
}

func TestContactService_Submit_StoresSanitizedMessage(t *testing.T) {
	f := newPipelineFixture(t)

	sub := validSubmission(1)
	sub.Message = "  <script>alert(1)</script>Hello there, <b>friend</b>!  "
	rec, err := f.svc.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, "alert(1)Hello there, friend!", rec.Message)
	assert.False(t, strings.Contains(rec.Message, "<"))
}

// ---------------------------------------------------------------------------
// List tests
// ---------------------------------------------------------------------------

func TestContactService_List_ForwardsOptions(t *testing.T) {
	var capturedOpts model.ContactListOptions
	repo := &mockContactRepository{
		listFunc: func(ctx context.Context, opts model.ContactListOptions) ([]*model.ContactRecord, error) {
			capturedOpts = opts
			return []*model.ContactRecord{{ID: "1"}}, nil
		},
	}
	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Config{})
	require.NoError(t, err)
	svc := NewContactService(repo, limiter, nil)

	got, err := svc.List(context.Background(), model.ContactListOptions{Limit: 10, Offset: 5})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 10, capturedOpts.Limit)
	assert.Equal(t, 5, capturedOpts.Offset)
}

func TestContactService_List_RepositoryError(t *testing.T) {
	repo := &mockContactRepository{
		listFunc: func(ctx context.Context, opts model.ContactListOptions) ([]*model.ContactRecord, error) {
			return nil, errors.New("db read failed")
		},
	}
	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Config{})
	require.NoError(t, err)
	svc := NewContactService(repo, limiter, nil)

	_, err = svc.List(context.Background(), model.ContactListOptions{})
	assert.Error(t, err)
}

func TestContactService_Get(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Submit(ctx, validSubmission(1))
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Email, got.Email)

	_, err = f.svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
