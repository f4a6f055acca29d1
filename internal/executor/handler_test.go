package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tbourn/go-credit-ledger/internal/domain"
	"github.com/tbourn/go-credit-ledger/internal/queue"
	"github.com/tbourn/go-credit-ledger/internal/services"
)

// ---------- fakes ----------

type fakeGenerator struct {
	res *Result
	err error
	got []Request
	// block makes Generate wait for the task context to end.
	block bool
}

func (g *fakeGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	g.got = append(g.got, req)
	if g.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return g.res, g.err
}

type call struct {
	op, collection, requestID, arg string
}

type fakeLifecycle struct {
	calls       []call
	completeErr error
	coverErr    error
	failErr     error
	failCtxErr  error
}

func (f *fakeLifecycle) Complete(_ context.Context, collection, requestID string, content domain.JSON) error {
	f.calls = append(f.calls, call{"complete", collection, requestID, string(content)})
	return f.completeErr
}

func (f *fakeLifecycle) CompleteWithImage(_ context.Context, collection, requestID, url string) error {
	f.calls = append(f.calls, call{"cover", collection, requestID, url})
	return f.coverErr
}

func (f *fakeLifecycle) Fail(ctx context.Context, collection, requestID string) error {
	f.calls = append(f.calls, call{"fail", collection, requestID, ""})
	f.failCtxErr = ctx.Err()
	return f.failErr
}

type fakeRefunder struct {
	got    []services.RefundInput
	err    error
	ctxErr error
}

func (r *fakeRefunder) Refund(ctx context.Context, in services.RefundInput) error {
	r.got = append(r.got, in)
	r.ctxErr = ctx.Err()
	return r.err
}

type fakeCovers struct {
	key  string
	data []byte
	err  error
}

func (c *fakeCovers) PutCover(_ context.Context, storyID, requestID string, data []byte, _ string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.key = storyID + "/" + requestID
	c.data = data
	return "https://cdn.example.com/stories/" + storyID + "/covers/" + requestID, nil
}

// ---------- helpers ----------

func task(t *testing.T, p queue.GenerationPayload) *asynq.Task {
	t.Helper()
	tk, err := queue.NewGenerationTask(p)
	if err != nil {
		t.Fatalf("NewGenerationTask: %v", err)
	}
	return tk
}

func storyPayload() queue.GenerationPayload {
	return queue.GenerationPayload{
		Kind: "story", Collection: "stories", Bucket: "story",
		UserID: "u1", RequestID: "r1", Fields: json.RawMessage(`{"genre":"fable"}`),
	}
}

func imagePayload() queue.GenerationPayload {
	return queue.GenerationPayload{
		Kind: "image", Collection: "images", Bucket: "image",
		UserID: "u1", RequestID: "img1", StoryID: "s1",
	}
}

type harness struct {
	gen     *fakeGenerator
	jobs    *fakeLifecycle
	credits *fakeRefunder
	covers  *fakeCovers
	h       *Handler
}

func newHarness(res *Result, genErr error) *harness {
	hs := &harness{
		gen:     &fakeGenerator{res: res, err: genErr},
		jobs:    &fakeLifecycle{},
		credits: &fakeRefunder{},
		covers:  &fakeCovers{},
	}
	hs.h = NewHandler(hs.gen, hs.jobs, hs.credits, hs.covers)
	return hs
}

func (hs *harness) ops() []string {
	out := make([]string, len(hs.jobs.calls))
	for i, c := range hs.jobs.calls {
		out[i] = c.op
	}
	return out
}

func equalOps(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// ---------- tests ----------

func TestProcessTask_CompletesTextJob(t *testing.T) {
	hs := newHarness(&Result{Content: json.RawMessage(`{"text":"t"}`)}, nil)

	if err := hs.h.ProcessTask(context.Background(), task(t, storyPayload())); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if len(hs.gen.got) != 1 || hs.gen.got[0].RequestID != "r1" || string(hs.gen.got[0].Fields) != `{"genre":"fable"}` {
		t.Fatalf("unexpected generator request %+v", hs.gen.got)
	}
	if !equalOps(hs.ops(), "complete") || hs.jobs.calls[0].arg != `{"text":"t"}` {
		t.Fatalf("unexpected lifecycle calls %+v", hs.jobs.calls)
	}
	if len(hs.credits.got) != 0 {
		t.Fatalf("no refund expected")
	}
	if got := testutil.ToFloat64(hs.h.metrics.tasksTotal.WithLabelValues("story", "completed")); got != 1 {
		t.Fatalf("expected completed counter 1, got %v", got)
	}
}

func TestProcessTask_ImageUploadsAttachesAndCompletes(t *testing.T) {
	hs := newHarness(&Result{Image: []byte("png"), ContentType: "image/png"}, nil)

	if err := hs.h.ProcessTask(context.Background(), task(t, imagePayload())); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if hs.covers.key != "s1/img1" || string(hs.covers.data) != "png" {
		t.Fatalf("unexpected upload %q %q", hs.covers.key, hs.covers.data)
	}
	if !equalOps(hs.ops(), "cover", "complete") {
		t.Fatalf("unexpected lifecycle calls %+v", hs.jobs.calls)
	}
	cover, done := hs.jobs.calls[0], hs.jobs.calls[1]
	url := "https://cdn.example.com/stories/s1/covers/img1"
	if cover.collection != "stories" || cover.requestID != "s1" || cover.arg != url {
		t.Fatalf("cover must attach to the story, got %+v", cover)
	}
	if done.collection != "images" || done.requestID != "img1" || done.arg != `"`+url+`"` {
		t.Fatalf("image job must complete with the url, got %+v", done)
	}
}

func TestProcessTask_GeneratorFailureFailsAndRefunds(t *testing.T) {
	hs := newHarness(nil, ErrGeneratorRejected)

	err := hs.h.ProcessTask(context.Background(), task(t, storyPayload()))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if !equalOps(hs.ops(), "fail") {
		t.Fatalf("unexpected lifecycle calls %+v", hs.jobs.calls)
	}
	if len(hs.credits.got) != 1 {
		t.Fatalf("expected one refund, got %d", len(hs.credits.got))
	}
	if in := hs.credits.got[0]; in.UserID != "u1" || in.Bucket != "story" || in.Collection != "stories" || in.RequestID != "r1" {
		t.Fatalf("unexpected refund %+v", in)
	}
	if got := testutil.ToFloat64(hs.h.metrics.refundsTotal.WithLabelValues("refunded")); got != 1 {
		t.Fatalf("expected refunded counter 1, got %v", got)
	}
}

func TestProcessTask_RefundErrorIsLoggedNotRetried(t *testing.T) {
	hs := newHarness(nil, errors.New("model exploded"))
	hs.credits.err = errors.New("db down")

	if err := hs.h.ProcessTask(context.Background(), task(t, storyPayload())); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if got := testutil.ToFloat64(hs.h.metrics.refundsTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected refund error counter 1, got %v", got)
	}
}

func TestProcessTask_EmptyContentFails(t *testing.T) {
	hs := newHarness(&Result{}, nil)

	if err := hs.h.ProcessTask(context.Background(), task(t, storyPayload())); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if !equalOps(hs.ops(), "fail") || len(hs.credits.got) != 1 {
		t.Fatalf("expected fail+refund, got %v / %d", hs.ops(), len(hs.credits.got))
	}
}

func TestProcessTask_FailOnCompletedJobSkipsRefund(t *testing.T) {
	hs := newHarness(nil, errors.New("late error"))
	hs.jobs.failErr = services.ErrAlreadyCompleted

	if err := hs.h.ProcessTask(context.Background(), task(t, storyPayload())); err != nil {
		t.Fatalf("expected nil for an already completed job, got %v", err)
	}
	if len(hs.credits.got) != 0 {
		t.Fatalf("a completed job must not be refunded")
	}
}

func TestProcessTask_CompletionOutcomes(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantRetry bool
	}{
		{"duplicate delivery", services.ErrAlreadyCompleted, false},
		{"failed meanwhile", services.ErrAlreadyFailed, false},
		{"job not visible yet", services.ErrJobNotFound, true},
		{"transaction exhausted", errors.New("txn exhausted"), true},
	}
	for _, tc := range cases {
		hs := newHarness(&Result{Content: json.RawMessage(`"x"`)}, nil)
		hs.jobs.completeErr = tc.err

		err := hs.h.ProcessTask(context.Background(), task(t, storyPayload()))
		if tc.wantRetry {
			if err == nil || errors.Is(err, asynq.SkipRetry) {
				t.Fatalf("%s: expected a retryable error, got %v", tc.name, err)
			}
		} else if err != nil {
			t.Fatalf("%s: expected nil, got %v", tc.name, err)
		}
		if len(hs.credits.got) != 0 {
			t.Fatalf("%s: no refund expected", tc.name)
		}
	}
}

func TestProcessTask_CoverOnFailedStoryRefundsImage(t *testing.T) {
	hs := newHarness(&Result{Image: []byte("png")}, nil)
	hs.jobs.coverErr = services.ErrStoryAlreadyFailed

	if err := hs.h.ProcessTask(context.Background(), task(t, imagePayload())); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if !equalOps(hs.ops(), "cover", "fail") {
		t.Fatalf("unexpected lifecycle calls %v", hs.ops())
	}
	if f := hs.jobs.calls[1]; f.collection != "images" || f.requestID != "img1" {
		t.Fatalf("the image job must be failed, got %+v", f)
	}
	if len(hs.credits.got) != 1 || hs.credits.got[0].Bucket != "image" {
		t.Fatalf("expected image refund, got %+v", hs.credits.got)
	}
}

func TestProcessTask_CoverAlreadyAttachedStillCompletes(t *testing.T) {
	hs := newHarness(&Result{Image: []byte("png")}, nil)
	hs.jobs.coverErr = services.ErrAlreadyCompleted

	if err := hs.h.ProcessTask(context.Background(), task(t, imagePayload())); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}
	if !equalOps(hs.ops(), "cover", "complete") {
		t.Fatalf("unexpected lifecycle calls %v", hs.ops())
	}
}

func TestProcessTask_UploadErrorRetries(t *testing.T) {
	hs := newHarness(&Result{Image: []byte("png")}, nil)
	hs.covers.err = errors.New("minio unavailable")

	err := hs.h.ProcessTask(context.Background(), task(t, imagePayload()))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if len(hs.jobs.calls) != 0 || len(hs.credits.got) != 0 {
		t.Fatalf("nothing must be written before the upload succeeds")
	}
}

func TestProcessTask_ImageWithoutStoryFails(t *testing.T) {
	hs := newHarness(&Result{Image: []byte("png")}, nil)
	p := imagePayload()
	p.StoryID = ""

	if err := hs.h.ProcessTask(context.Background(), task(t, p)); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if !equalOps(hs.ops(), "fail") {
		t.Fatalf("unexpected lifecycle calls %v", hs.ops())
	}
}

func TestProcessTask_CanceledContextRetries(t *testing.T) {
	hs := newHarness(nil, context.Canceled)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hs.h.ProcessTask(ctx, task(t, storyPayload()))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if len(hs.jobs.calls) != 0 {
		t.Fatalf("a canceled task must leave the job pending")
	}
}

func TestProcessTask_TimeoutOnLastAttemptFailsAndRefunds(t *testing.T) {
	hs := newHarness(nil, nil)
	hs.gen.block = true
	hs.h.finalAttempt = func(context.Context) bool { return true }
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := hs.h.ProcessTask(ctx, task(t, storyPayload()))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if !equalOps(hs.ops(), "fail") {
		t.Fatalf("expected the timed-out job to be failed, got %v", hs.ops())
	}
	if len(hs.credits.got) != 1 {
		t.Fatalf("expected one refund, got %d", len(hs.credits.got))
	}
	if hs.jobs.failCtxErr != nil || hs.credits.ctxErr != nil {
		t.Fatalf("fail and refund must not run on the expired context: %v / %v", hs.jobs.failCtxErr, hs.credits.ctxErr)
	}
}

func TestProcessTask_TimeoutWithRetriesLeftStaysPending(t *testing.T) {
	hs := newHarness(nil, nil)
	hs.gen.block = true
	hs.h.finalAttempt = func(context.Context) bool { return false }
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := hs.h.ProcessTask(ctx, task(t, storyPayload()))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if len(hs.jobs.calls) != 0 || len(hs.credits.got) != 0 {
		t.Fatalf("a task with retries left must leave the job pending")
	}
}

func TestProcessTask_UploadErrorOnLastAttemptRefunds(t *testing.T) {
	hs := newHarness(&Result{Image: []byte("png")}, nil)
	hs.covers.err = errors.New("minio unavailable")
	hs.h.finalAttempt = func(context.Context) bool { return true }

	if err := hs.h.ProcessTask(context.Background(), task(t, imagePayload())); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if !equalOps(hs.ops(), "fail") || len(hs.credits.got) != 1 || hs.credits.got[0].RequestID != "img1" {
		t.Fatalf("expected the image job failed and refunded, got %v / %+v", hs.ops(), hs.credits.got)
	}
}

func TestProcessTask_BadPayload(t *testing.T) {
	hs := newHarness(nil, nil)
	err := hs.h.ProcessTask(context.Background(), asynq.NewTask(queue.TypeGenerate, []byte(`{"kind":"story"}`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if len(hs.gen.got) != 0 {
		t.Fatalf("generator must not be called")
	}
}
