package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-credit-ledger/internal/domain"
	"github.com/tbourn/go-credit-ledger/internal/ledger"
	"github.com/tbourn/go-credit-ledger/internal/repo"
)

// ----- helpers -----

var day1 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_") + "_" + uuid.NewString()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// One connection: transactions serialize instead of tripping SQLite's
	// table locks, and the in-memory database lives as long as the pool.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testPolicy() ledger.Policy {
	return ledger.Policy{
		Defaults: domain.Credits{"story": 3, "definition": 10, "image": 2},
		Location: time.UTC,
	}
}

func fastTx() repo.TxOptions {
	return repo.TxOptions{MaxAttempts: 8, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

// clock is a settable time source shared by the services under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	db      *gorm.DB
	clock   *clock
	credits *CreditService
	jobs    *JobService
	users   *UserService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	c := &clock{now: day1}
	credits := NewCreditService(db, testPolicy(), 0, fastTx())
	credits.Now = c.Now
	jobs := NewJobService(db, fastTx())
	jobs.Now = c.Now
	users := NewUserService(db, testPolicy())
	users.Now = c.Now
	return &fixture{db: db, clock: c, credits: credits, jobs: jobs, users: users}
}

func (f *fixture) provision(t *testing.T, id string) {
	t.Helper()
	if _, err := f.users.Create(context.Background(), id, id+"@example.com"); err != nil {
		t.Fatalf("provision %s: %v", id, err)
	}
}

func (f *fixture) user(t *testing.T, id string) *domain.User {
	t.Helper()
	u, err := repo.GetUser(context.Background(), f.db, id)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return u
}

func (f *fixture) job(t *testing.T, collection, requestID string) *domain.Job {
	t.Helper()
	j, err := repo.GetJob(context.Background(), f.db, collection, requestID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return j
}

func (f *fixture) reserveStory(t *testing.T, uid, requestID string) {
	t.Helper()
	_, err := f.credits.Reserve(context.Background(), ReserveInput{
		UserID: uid, Bucket: "story", Collection: "stories", RequestID: requestID,
	})
	if err != nil {
		t.Fatalf("reserve %s: %v", requestID, err)
	}
}

// ----- Reserve -----

func TestReserve_DecrementsAndCreatesPendingJob(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1")

	res, err := f.credits.Reserve(context.Background(), ReserveInput{
		UserID: "u1", Bucket: "story", Collection: "stories", RequestID: "r1",
		Fields: domain.JSON(`{"prompt":"a dragon"}`),
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	want := domain.Credits{"story": 2, "definition": 10, "image": 2}
	if !reflect.DeepEqual(res.RemainingCredits, want) {
		t.Fatalf("expected %v remaining, got %v", want, res.RemainingCredits)
	}

	u := f.user(t, "u1")
	if u.Credits["story"] != 2 || u.Usage["story"] != 1 {
		t.Fatalf("unexpected user after reserve: %+v", u)
	}
	if len(u.RecentRequests) != 1 || u.RecentRequests[0] != "r1" {
		t.Fatalf("expected r1 in recent requests, got %v", u.RecentRequests)
	}

	j := f.job(t, "stories", "r1")
	if j.Status != domain.JobStatusPending || j.UID != "u1" || j.Type != "story" {
		t.Fatalf("unexpected job: %+v", j)
	}
	if !j.Content.IsNull() || j.Refunded != nil {
		t.Fatalf("pending job must have no content and no refund marker: %+v", j)
	}
	if string(j.Fields) != `{"prompt":"a dragon"}` {
		t.Fatalf("expected fields stored, got %s", j.Fields)
	}
}

func TestReserve_Errors(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1")
	ctx := context.Background()

	cases := []struct {
		name string
		in   ReserveInput
		want error
	}{
		{"blank user", ReserveInput{Bucket: "story", Collection: "stories", RequestID: "x"}, ErrInvalidInput},
		{"unknown collection", ReserveInput{UserID: "u1", Bucket: "story", Collection: "poems", RequestID: "x"}, ErrInvalidInput},
		{"bad fields", ReserveInput{UserID: "u1", Bucket: "story", Collection: "stories", RequestID: "x", Fields: domain.JSON(`{`)}, ErrInvalidInput},
		{"missing user", ReserveInput{UserID: "ghost", Bucket: "story", Collection: "stories", RequestID: "x"}, ErrUserNotFound},
		{"unknown bucket", ReserveInput{UserID: "u1", Bucket: "poem", Collection: "stories", RequestID: "x"}, ErrUnknownBucket},
	}
	for _, tc := range cases {
		if _, err := f.credits.Reserve(ctx, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	if _, err := repo.GetJob(ctx, f.db, "stories", "x"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("failed reservations must not create jobs, got %v", err)
	}
	if u := f.user(t, "u1"); u.Credits["story"] != 3 || u.Version != 0 {
		t.Fatalf("failed reservations must not touch the user: %+v", u)
	}
}

func TestReserve_InsufficientCredits(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1")
	before := testutil.ToFloat64(reservationsTotal.WithLabelValues("image", "insufficient"))

	f.credits.Reserve(context.Background(), ReserveInput{UserID: "u1", Bucket: "image", Collection: "images", RequestID: "i1"})
	f.credits.Reserve(context.Background(), ReserveInput{UserID: "u1", Bucket: "image", Collection: "images", RequestID: "i2"})
	_, err := f.credits.Reserve(context.Background(), ReserveInput{UserID: "u1", Bucket: "image", Collection: "images", RequestID: "i3"})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if got := testutil.ToFloat64(reservationsTotal.WithLabelValues("image", "insufficient")); got != before+1 {
		t.Fatalf("expected insufficient counter +1, got %v -> %v", before, got)
	}
	if u := f.user(t, "u1"); u.Credits["image"] != 0 {
		t.Fatalf("expected image bucket at 0, got %d", u.Credits["image"])
	}
}

func TestReserve_DuplicateRequestID(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1")
	f.reserveStory(t, "u1", "r1")

	_, err := f.credits.Reserve(context.Background(), ReserveInput{UserID: "u1", Bucket: "story", Collection: "stories", RequestID: "r1"})
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
	if u := f.user(t, "u1"); u.Credits["story"] != 2 {
		t.Fatalf("duplicate must not spend, got %d", u.Credits["story"])
	}
}

func TestReserve_JobCreationFailureKeepsSpentCredit(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1")

	boom := errors.New("jobs table unavailable")
	err := f.db.Callback().Create().Before("gorm:create").Register("test:fail_jobs", func(tx *gorm.DB) {
		if tx.Statement.Table == "jobs" {
			_ = tx.AddError(boom)
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	_, err = f.credits.Reserve(context.Background(), ReserveInput{UserID: "u1", Bucket: "story", Collection: "stories", RequestID: "r1"})
	if !errors.Is(err, ErrJobCreationFailed) {
		t.Fatalf("expected ErrJobCreationFailed, got %v", err)
	}
	if u := f.user(t, "u1"); u.Credits["story"] != 2 {
		t.Fatalf("credit stays spent on job creation failure, got %d", u.Credits["story"])
	}
}

// Concurrent reservations against a balance of N admit exactly N.
func TestReserve_ConcurrentNeverOverspends(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1")

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.credits.Reserve(context.Background(), ReserveInput{
				UserID: "u1", Bucket: "story", Collection: "stories", RequestID: fmt.Sprintf("r%d", i),
			})
		}(i)
	}
	wg.Wait()

	ok, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientCredits):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 3 || insufficient != callers-3 {
		t.Fatalf("expected 3 successes and %d rejections, got %d/%d", callers-3, ok, insufficient)
	}
	u := f.user(t, "u1")
	if u.Credits["story"] != 0 || len(u.RecentRequests) != 3 {
		t.Fatalf("expected empty bucket and 3 recent requests, got %+v", u)
	}
	var jobs int64
	f.db.Model(&domain.Job{}).Where("uid = ?", "u1").Count(&jobs)
	if jobs != 3 {
		t.Fatalf("expected 3 jobs, got %d", jobs)
	}
}

// A reservation on a later day refills first, then decrements.
func TestReserve_ResetsOnNewDay(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1")
	f.reserveStory(t, "u1", "r1")
	f.reserveStory(t, "u1", "r2")
	f.reserveStory(t, "u1", "r3")

	f.clock.Set(day1.Add(24 * time.Hour))
	res, err := f.credits.Reserve(context.Background(), ReserveInput{UserID: "u1", Bucket: "story", Collection: "stories", RequestID: "r4"})
	if err != nil {
		t.Fatalf("Reserve on new day: %v", err)
	}
	// Every bucket reports its post-reset balance, not only the one spent.
	if res.RemainingCredits["story"] != 2 || res.RemainingCredits["definition"] != 10 || res.RemainingCredits["image"] != 2 {
		t.Fatalf("expected post-reset balances with story 3-1, got %v", res.RemainingCredits)
	}
	u := f.user(t, "u1")
	if u.LastResetDate != "2025-03-11" {
		t.Fatalf("expected reset date 2025-03-11, got %s", u.LastResetDate)
	}
	if u.Credits["definition"] != 10 || u.Credits["image"] != 2 {
		t.Fatalf("expected other buckets at defaults, got %+v", u.Credits)
	}

	// A skewed clock reading an earlier day must not move the date back.
	f.clock.Set(day1)
	f.reserveStory(t, "u1", "r5")
	if u := f.user(t, "u1"); u.LastResetDate != "2025-03-11" || u.Credits["story"] != 1 {
		t.Fatalf("expected no reset on an earlier day, got %+v", u)
	}
}

func TestReserve_RecentRequestsCapped(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1")
	f.credits.RecentCap = 2

	for _, id := range []string{"d1", "d2", "d3"} {
		if _, err := f.credits.Reserve(context.Background(), ReserveInput{UserID: "u1", Bucket: "definition", Collection: "dictionary", RequestID: id}); err != nil {
			t.Fatalf("reserve %s: %v", id, err)
		}
	}
	u := f.user(t, "u1")
	if len(u.RecentRequests) != 2 || u.RecentRequests[0] != "d2" || u.RecentRequests[1] != "d3" {
		t.Fatalf("expected [d2 d3], got %v", u.RecentRequests)
	}
}

func TestReserve_CostFromPolicy(t *testing.T) {
	f := newFixture(t)
	f.credits.Policy.Costs = map[string]int{"definition": 4}
	f.provision(t, "u1")

	res, err := f.credits.Reserve(context.Background(), ReserveInput{UserID: "u1", Bucket: "definition", Collection: "dictionary", RequestID: "d1"})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.RemainingCredits["definition"] != 6 {
		t.Fatalf("expected 10-4=6, got %v", res.RemainingCredits)
	}
}

// ----- Refund -----

func TestRefund_RestoresOnceForFailedJob(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1")
	ctx := context.Background()
	f.reserveStory(t, "u1", "r1")

	if err := f.jobs.Fail(ctx, "stories", "r1"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	in := RefundInput{UserID: "u1", Bucket: "story", Collection: "stories", RequestID: "r1"}
	if err := f.credits.Refund(ctx, in); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if err := f.credits.Refund(ctx, in); !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded on second refund, got %v", err)
	}

	u := f.user(t, "u1")
	if u.Credits["story"] != 3 || u.Usage["story"] != 0 {
		t.Fatalf("expected credit restored exactly once, got %+v", u)
	}
	j := f.job(t, "stories", "r1")
	if !j.IsRefunded() || j.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed+refunded job, got %+v", j)
	}
}

func TestRefund_ConcurrentOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1")
	ctx := context.Background()
	f.reserveStory(t, "u1", "r1")
	if err := f.jobs.Fail(ctx, "stories", "r1"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.credits.Refund(ctx, RefundInput{UserID: "u1", Bucket: "story", Collection: "stories", RequestID: "r1"})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrAlreadyRefunded) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one refund, got %d", wins)
	}
	if u := f.user(t, "u1"); u.Credits["story"] != 3 {
		t.Fatalf("expected story=3, got %d", u.Credits["story"])
	}
}

func TestRefund_Ineligible(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1")
	ctx := context.Background()
	f.reserveStory(t, "u1", "pending")
	f.reserveStory(t, "u1", "done")
	if err := f.jobs.Complete(ctx, "stories", "done", domain.JSON(`{"text":"ok"}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	cases := []struct {
		name string
		in   RefundInput
		want error
	}{
		{"pending job", RefundInput{UserID: "u1", Bucket: "story", Collection: "stories", RequestID: "pending"}, ErrNotFailed},
		{"completed job", RefundInput{UserID: "u1", Bucket: "story", Collection: "stories", RequestID: "done"}, ErrNotFailed},
		{"missing job", RefundInput{UserID: "u1", Bucket: "story", Collection: "stories", RequestID: "nope"}, ErrJobNotFound},
		{"wrong bucket", RefundInput{UserID: "u1", Bucket: "image", Collection: "stories", RequestID: "pending"}, ErrInvalidInput},
		{"wrong owner", RefundInput{UserID: "u2", Bucket: "story", Collection: "stories", RequestID: "pending"}, ErrInvalidInput},
		{"blank request id", RefundInput{UserID: "u1", Bucket: "story", Collection: "stories"}, ErrInvalidInput},
	}
	for _, tc := range cases {
		if err := f.credits.Refund(ctx, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if u := f.user(t, "u1"); u.Credits["story"] != 1 {
		t.Fatalf("ineligible refunds must not restore credit, got %d", u.Credits["story"])
	}
}

// A refund that lands after the day rolled over stacks on the fresh allotment.
func TestRefund_AfterResetStacksOnDefaults(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1")
	ctx := context.Background()
	f.reserveStory(t, "u1", "r1")
	if err := f.jobs.Fail(ctx, "stories", "r1"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	f.clock.Set(day1.Add(24 * time.Hour))
	if err := f.credits.Refund(ctx, RefundInput{UserID: "u1", Bucket: "story", Collection: "stories", RequestID: "r1"}); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	u := f.user(t, "u1")
	if u.Credits["story"] != 4 || u.LastResetDate != "2025-03-11" {
		t.Fatalf("expected story=4 on 2025-03-11, got %+v", u)
	}
}

func TestRefund_MissingUserLeavesJobUnrefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := repo.CreateJob(ctx, f.db, &domain.Job{Collection: "stories", RequestID: "r1", UID: "gone", Type: "story", Status: domain.JobStatusFailed}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	err := f.credits.Refund(ctx, RefundInput{UserID: "gone", Bucket: "story", Collection: "stories", RequestID: "r1"})
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if j := f.job(t, "stories", "r1"); j.IsRefunded() {
		t.Fatalf("job must not be marked refunded when the credit was not restored")
	}
}

// ----- end to end -----

func TestLedgerScenario(t *testing.T) {
	f := newFixture(t)
	f.provision(t, "u1")
	ctx := context.Background()

	// Two stories: one completes, one fails and is refunded.
	f.reserveStory(t, "u1", "ok")
	f.reserveStory(t, "u1", "bad")
	if err := f.jobs.UpdateStatus(ctx, UpdateStatusInput{Collection: "stories", RequestID: "ok", Status: "completed", Content: domain.JSON(`{"text":"Once upon a time"}`)}); err != nil {
		t.Fatalf("complete ok: %v", err)
	}
	if err := f.jobs.UpdateStatus(ctx, UpdateStatusInput{Collection: "stories", RequestID: "bad", Status: "failed"}); err != nil {
		t.Fatalf("fail bad: %v", err)
	}
	if err := f.credits.Refund(ctx, RefundInput{UserID: "u1", Bucket: "story", Collection: "stories", RequestID: "bad"}); err != nil {
		t.Fatalf("refund bad: %v", err)
	}

	u := f.user(t, "u1")
	if u.Credits["story"] != 2 || u.Usage["story"] != 1 {
		t.Fatalf("expected one net spend, got %+v", u)
	}
	if j := f.job(t, "stories", "ok"); j.Status != domain.JobStatusCompleted || j.CompletedAt == nil || j.Refunded != nil {
		t.Fatalf("unexpected completed job: %+v", j)
	}
	if j := f.job(t, "stories", "bad"); !j.IsRefunded() {
		t.Fatalf("expected refunded job: %+v", j)
	}

	// The completed job can neither fail nor be refunded.
	if err := f.jobs.Fail(ctx, "stories", "ok"); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	if err := f.credits.Refund(ctx, RefundInput{UserID: "u1", Bucket: "story", Collection: "stories", RequestID: "ok"}); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("expected ErrNotFailed, got %v", err)
	}
}
