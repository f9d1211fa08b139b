// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/olivere/genqueue"
	"github.com/olivere/genqueue/agenttest"
)

type stringLogger struct {
	mu    sync.Mutex
	Lines []string
}

func (l *stringLogger) Printf(format string, v ...interface{}) {
	l.mu.Lock()
	l.Lines = append(l.Lines, fmt.Sprintf(format, v...))
	l.mu.Unlock()
}

// recorder collects the transitions reported to the observer.
type recorder struct {
	mu          sync.Mutex
	transitions []genqueue.Transition
	active      int
	maxActive   int
}

func (r *recorder) observe(t genqueue.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
	if !t.From.IsActive() && t.To.IsActive() {
		r.active++
		if r.active > r.maxActive {
			r.maxActive = r.active
		}
	} else if t.From.IsActive() && !t.To.IsActive() {
		r.active--
	}
}

func (r *recorder) count(id string, to genqueue.Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.transitions {
		if t.JobID == id && t.To == to {
			n++
		}
	}
	return n
}

// wait blocks until job id has moved to status to at least n times.
func (r *recorder) wait(t *testing.T, id string, to genqueue.Status, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.count(id, to) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %s %d time(s)", id, to, n)
}

type fixture struct {
	m     *genqueue.Manager
	st    *genqueue.InMemoryStore
	agent *agenttest.Agent
	rec   *recorder
	dir   string
	errc  chan error
}

func newFixture(t *testing.T, options ...genqueue.ManagerOption) *fixture {
	t.Helper()
	f := &fixture{
		st:    genqueue.NewInMemoryStore(),
		agent: agenttest.New(),
		rec:   &recorder{},
		dir:   t.TempDir(),
		errc:  make(chan error, 1),
	}
	opts := []genqueue.ManagerOption{
		genqueue.SetLogger(&stringLogger{}),
		genqueue.SetStore(f.st),
		genqueue.SetTransport(f.agent),
		genqueue.SetRecipient("bot"),
		genqueue.SetDownloadDir(f.dir),
		genqueue.SetObserver(f.rec.observe),
		genqueue.SetBackoffFunc(func(int) time.Duration { return 0 }),
		genqueue.SetConfirmTimeout(time.Second),
		genqueue.SetWaitTimeout(5 * time.Second),
	}
	f.m = genqueue.New(append(opts, options...)...)
	return f
}

func (f *fixture) add(t *testing.T, prompt, category string) *genqueue.Job {
	t.Helper()
	job := genqueue.NewJob(prompt, category)
	if err := f.m.Add(context.Background(), job); err != nil {
		t.Fatalf("Add failed with %v", err)
	}
	return job
}

func (f *fixture) run(ctx context.Context) {
	go func() { f.errc <- f.m.Run(ctx) }()
}

func (f *fixture) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
	return nil
}

func (f *fixture) submission(t *testing.T) agenttest.Submission {
	t.Helper()
	sub, err := f.agent.NextSubmission(5 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return sub
}

func (f *fixture) noSubmission(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case sub := <-f.agent.Submissions():
		t.Fatalf("unexpected submission %q", sub.Prompt)
	case <-time.After(d):
	}
}

func (f *fixture) lookup(t *testing.T, id string) *genqueue.Job {
	t.Helper()
	job, err := f.st.Lookup(context.Background(), id)
	if err != nil {
		t.Fatalf("Lookup(%s) failed with %v", id, err)
	}
	return job
}

func TestManagerRunWithoutTransport(t *testing.T) {
	m := genqueue.New(genqueue.SetLogger(nil))
	if err := m.Run(context.Background()); err != genqueue.ErrNoTransport {
		t.Fatalf("want ErrNoTransport, have %v", err)
	}
}

func TestManagerRunRejectsSlots(t *testing.T) {
	f := newFixture(t, genqueue.SetSlots(3))
	if err := f.m.Run(context.Background()); err == nil {
		t.Fatal("expected Run to fail with 3 slots")
	}
}

func TestManagerRunEmptyQueue(t *testing.T) {
	f := newFixture(t)
	if err := f.m.Run(context.Background()); err != nil {
		t.Fatalf("Run failed with %v", err)
	}
}

func TestManagerProcessesJobsOneSlotAtATime(t *testing.T) {
	f := newFixture(t, genqueue.SetSlots(1))
	p1 := f.add(t, "a lighthouse on a rocky coast during a storm", "sora")
	p2 := f.add(t, "children flying kites over a green meadow", "sora")
	f.run(context.Background())

	sub := f.submission(t)
	if have, want := sub.Prompt, p1.Prompt; have != want {
		t.Fatalf("first submission = %q, want %q", have, want)
	}
	if have, want := sub.Label, "🌙 SORA"; have != want {
		t.Fatalf("label = %q, want %q", have, want)
	}

	f.agent.Emit("⏳ Генерация видео")
	f.rec.wait(t, p1.ID, genqueue.GenerationStarted, 1)
	f.noSubmission(t, 50*time.Millisecond)

	f.agent.EmitResult("Ваше видео готово! Промпт: "+p1.Prompt, []byte("first"))
	f.rec.wait(t, p1.ID, genqueue.Completed, 1)

	sub = f.submission(t)
	if have, want := sub.Prompt, p2.Prompt; have != want {
		t.Fatalf("second submission = %q, want %q", have, want)
	}
	f.agent.EmitResult("", []byte("second"))

	if err := f.result(t); err != nil {
		t.Fatalf("Run failed with %v", err)
	}
	for _, id := range []string{p1.ID, p2.ID} {
		job := f.lookup(t, id)
		if have, want := job.Status, genqueue.Completed; have != want {
			t.Fatalf("job %s status = %s, want %s", id, have, want)
		}
		if have, want := job.AttemptCount, 1; have != want {
			t.Fatalf("job %s attempts = %d, want %d", id, have, want)
		}
		if _, err := os.Stat(job.ArtifactPath); err != nil {
			t.Fatalf("job %s artifact: %v", id, err)
		}
	}
	if have, want := f.rec.maxActive, 1; have != want {
		t.Fatalf("max active = %d, want %d", have, want)
	}
}

func TestManagerCategoryCapKeepsThirdJobPending(t *testing.T) {
	f := newFixture(t, genqueue.SetSlots(2), genqueue.SetCategoryCap(2))
	a := f.add(t, "a red balloon drifting above the rooftops", "kling")
	b := f.add(t, "waves crashing against black volcanic sand", "kling")
	c := f.add(t, "an old tram climbing a narrow street", "kling")
	f.run(context.Background())

	f.submission(t)
	f.submission(t)
	f.noSubmission(t, 50*time.Millisecond)
	if have, want := f.lookup(t, c.ID).Status, genqueue.Pending; have != want {
		t.Fatalf("third job status = %s, want %s", have, want)
	}

	f.agent.EmitResult("Видео для промпта: "+b.Prompt, []byte("b"))
	f.rec.wait(t, b.ID, genqueue.Completed, 1)

	sub := f.submission(t)
	if have, want := sub.Prompt, c.Prompt; have != want {
		t.Fatalf("submission = %q, want %q", have, want)
	}
	f.agent.EmitResult("Видео для промпта: "+a.Prompt, []byte("a"))
	f.agent.EmitResult("Видео для промпта: "+c.Prompt, []byte("c"))

	if err := f.result(t); err != nil {
		t.Fatalf("Run failed with %v", err)
	}
	if have, want := f.rec.maxActive, 2; have != want {
		t.Fatalf("max active = %d, want %d", have, want)
	}
}

func TestManagerDefaultCapFillsBothSlots(t *testing.T) {
	f := newFixture(t, genqueue.SetSlots(2))
	a := f.add(t, "a hot air balloon over a desert canyon", "sora")
	b := f.add(t, "a snowy village lit by lanterns", "sora")
	f.run(context.Background())

	started := map[string]bool{
		f.submission(t).Prompt: true,
		f.submission(t).Prompt: true,
	}
	if !started[a.Prompt] || !started[b.Prompt] {
		t.Fatalf("submissions = %v, want %q and %q", started, a.Prompt, b.Prompt)
	}
	if have, want := f.m.Limiter().Count("sora"), 2; have != want {
		t.Fatalf("sora count = %d, want %d", have, want)
	}

	f.agent.EmitResult("Видео для промпта: "+a.Prompt, []byte("a"))
	f.agent.EmitResult("Видео для промпта: "+b.Prompt, []byte("b"))
	if err := f.result(t); err != nil {
		t.Fatalf("Run failed with %v", err)
	}
	if have, want := f.rec.maxActive, 2; have != want {
		t.Fatalf("max active = %d, want %d", have, want)
	}
}

func TestManagerLimitedCategoryIsPassedOver(t *testing.T) {
	f := newFixture(t, genqueue.SetSlots(2), genqueue.SetCategoryCap(1))
	a := f.add(t, "a fox running through fresh powder snow", "sora")
	b := f.add(t, "a fox sleeping under an oak tree", "sora")
	c := f.add(t, "a sailing boat at golden hour", "pika")
	f.run(context.Background())

	started := map[string]bool{
		f.submission(t).Prompt: true,
		f.submission(t).Prompt: true,
	}
	if !started[a.Prompt] || !started[c.Prompt] {
		t.Fatalf("submissions = %v, want %q and %q", started, a.Prompt, c.Prompt)
	}
	if have, want := f.lookup(t, b.ID).Status, genqueue.Pending; have != want {
		t.Fatalf("job b status = %s, want %s", have, want)
	}

	f.agent.EmitResult("Ваш промпт: "+a.Prompt, []byte("a"))
	if have, want := f.submission(t).Prompt, b.Prompt; have != want {
		t.Fatalf("submission = %q, want %q", have, want)
	}
	f.agent.EmitResult("Ваш промпт: "+c.Prompt, []byte("c"))
	f.agent.EmitResult("Ваш промпт: "+b.Prompt, []byte("b"))

	if err := f.result(t); err != nil {
		t.Fatalf("Run failed with %v", err)
	}
}

func TestManagerTimeoutIsRetriedOnce(t *testing.T) {
	f := newFixture(t,
		genqueue.SetConfirmTimeout(10*time.Millisecond),
		genqueue.SetWaitTimeout(100*time.Millisecond),
		genqueue.SetTimeoutRetries(1),
	)
	job := f.add(t, "a clock tower in heavy fog", "luma")
	f.run(context.Background())

	f.submission(t)
	f.submission(t)
	if err := f.result(t); err != nil {
		t.Fatalf("Run failed with %v", err)
	}

	stored := f.lookup(t, job.ID)
	if have, want := stored.Status, genqueue.Error; have != want {
		t.Fatalf("status = %s, want %s", have, want)
	}
	if have, want := stored.AttemptCount, 2; have != want {
		t.Fatalf("attempts = %d, want %d", have, want)
	}
	if have, want := f.rec.count(job.ID, genqueue.Timeout), 2; have != want {
		t.Fatalf("timeouts = %d, want %d", have, want)
	}
	if have := f.rec.count(job.ID, genqueue.WaitingResult); have < 1 {
		t.Fatalf("waiting for result = %d, want at least 1", have)
	}
	if have, want := f.m.Slots().InUse(), 0; have != want {
		t.Fatalf("slots in use = %d, want %d", have, want)
	}
	if have, want := f.m.Limiter().Count("luma"), 0; have != want {
		t.Fatalf("luma count = %d, want %d", have, want)
	}
}

func TestManagerLimitNoticeRequeuesJob(t *testing.T) {
	f := newFixture(t, genqueue.SetWaitTimeout(200*time.Millisecond))
	job := f.add(t, "a desert caravan at dusk", "sora")
	f.run(context.Background())

	f.submission(t)
	f.agent.Emit("Максимальное количество одновременных генераций: sora")
	f.rec.wait(t, job.ID, genqueue.LimitReached, 1)

	// The category stays saturated until the scheduler gives up waiting.
	sub := f.submission(t)
	if have, want := sub.Prompt, job.Prompt; have != want {
		t.Fatalf("submission = %q, want %q", have, want)
	}
	f.agent.EmitResult("", []byte("video"))

	if err := f.result(t); err != nil {
		t.Fatalf("Run failed with %v", err)
	}
	stored := f.lookup(t, job.ID)
	if have, want := stored.Status, genqueue.Completed; have != want {
		t.Fatalf("status = %s, want %s", have, want)
	}
	if have, want := stored.AttemptCount, 2; have != want {
		t.Fatalf("attempts = %d, want %d", have, want)
	}
}

func TestManagerErrorWithRetryPolicy(t *testing.T) {
	var mu sync.Mutex
	var decisions []genqueue.Decision
	policy := genqueue.RetryPolicyFunc(func(ctx context.Context, job *genqueue.Job, err error) genqueue.Decision {
		mu.Lock()
		defer mu.Unlock()
		d := genqueue.Retry
		if len(decisions) > 0 {
			d = genqueue.Skip
		}
		decisions = append(decisions, d)
		return d
	})
	f := newFixture(t, genqueue.SetRetryPolicy(policy))
	job := f.add(t, "a glass of water on a wooden table", "runway")
	f.run(context.Background())

	f.submission(t)
	f.agent.Emit("❌ Ошибка генерации")
	f.submission(t)
	f.agent.Emit("❌ Ошибка генерации")

	if err := f.result(t); err != nil {
		t.Fatalf("Run failed with %v", err)
	}
	if have, want := f.lookup(t, job.ID).Status, genqueue.Skipped; have != want {
		t.Fatalf("status = %s, want %s", have, want)
	}
	if have, want := len(decisions), 2; have != want {
		t.Fatalf("decisions = %d, want %d", have, want)
	}
}

func TestManagerErrorWithoutPolicyStaysFailed(t *testing.T) {
	f := newFixture(t, genqueue.SetSendAttempts(2))
	f.agent.FailSends(10)
	job := f.add(t, "a bridge over a frozen river", "hailuo")
	f.run(context.Background())

	if err := f.result(t); err != nil {
		t.Fatalf("Run failed with %v", err)
	}
	stored := f.lookup(t, job.ID)
	if have, want := stored.Status, genqueue.Error; have != want {
		t.Fatalf("status = %s, want %s", have, want)
	}
	if have, want := stored.AttemptCount, 0; have != want {
		t.Fatalf("attempts = %d, want %d", have, want)
	}
}

func TestManagerSendIsRetried(t *testing.T) {
	f := newFixture(t)
	f.agent.FailSends(2)
	job := f.add(t, "rain falling on a neon-lit street", "pika")
	f.run(context.Background())

	f.submission(t)
	f.agent.EmitResult("", []byte("video"))
	if err := f.result(t); err != nil {
		t.Fatalf("Run failed with %v", err)
	}
	if have, want := f.lookup(t, job.ID).Status, genqueue.Completed; have != want {
		t.Fatalf("status = %s, want %s", have, want)
	}
}

func TestManagerSkipActiveJob(t *testing.T) {
	f := newFixture(t)
	job := f.add(t, "an astronaut planting a tree on the moon", "sora")
	f.run(context.Background())

	f.submission(t)
	f.rec.wait(t, job.ID, genqueue.PromptSent, 1)
	if err := f.m.Skip(context.Background(), job.ID); err != nil {
		t.Fatalf("Skip failed with %v", err)
	}
	if err := f.result(t); err != nil {
		t.Fatalf("Run failed with %v", err)
	}
	if have, want := f.lookup(t, job.ID).Status, genqueue.Skipped; have != want {
		t.Fatalf("status = %s, want %s", have, want)
	}
}

func TestManagerSkipUnknownJob(t *testing.T) {
	f := newFixture(t)
	if err := f.m.Skip(context.Background(), "deadbeef"); !errors.Is(err, genqueue.ErrNotFound) {
		t.Fatalf("want ErrNotFound, have %v", err)
	}
}

func TestManagerAbortReturnsJobsToPending(t *testing.T) {
	f := newFixture(t)
	job := f.add(t, "a paper boat in a puddle", "kling")
	other := f.add(t, "a cat watching snowflakes from a window", "kling")
	f.run(context.Background())

	f.submission(t)
	f.rec.wait(t, job.ID, genqueue.PromptSent, 1)
	f.m.Abort()

	if err := f.result(t); err != genqueue.ErrAborted {
		t.Fatalf("want ErrAborted, have %v", err)
	}
	for _, id := range []string{job.ID, other.ID} {
		if have, want := f.lookup(t, id).Status, genqueue.Pending; have != want {
			t.Fatalf("job %s status = %s, want %s", id, have, want)
		}
	}
}

func TestManagerCancelContext(t *testing.T) {
	f := newFixture(t)
	job := f.add(t, "a hot air balloon over a canyon", "luma")
	ctx, cancel := context.WithCancel(context.Background())
	f.run(ctx)

	f.submission(t)
	cancel()
	if err := f.result(t); err != context.Canceled {
		t.Fatalf("want context.Canceled, have %v", err)
	}
	if have, want := f.lookup(t, job.ID).Status, genqueue.Pending; have != want {
		t.Fatalf("status = %s, want %s", have, want)
	}
}

func TestManagerKeepsUnattributedResult(t *testing.T) {
	f := newFixture(t, genqueue.SetSlots(2), genqueue.SetCategoryCap(1))
	a := f.add(t, "a lighthouse keeper reading by candlelight", "sora")
	b := f.add(t, "a flock of starlings over the harbor", "pika")
	f.run(context.Background())

	f.submission(t)
	f.submission(t)
	f.agent.EmitResult("", []byte("stray"))
	f.agent.EmitResult("Ваш промпт: "+a.Prompt, []byte("a"))
	f.agent.EmitResult("Ваш промпт: "+b.Prompt, []byte("b"))

	if err := f.result(t); err != nil {
		t.Fatalf("Run failed with %v", err)
	}
	unknown := f.m.UnknownArtifacts()
	if have, want := len(unknown), 1; have != want {
		t.Fatalf("unknown artifacts = %d, want %d", have, want)
	}
	data, err := os.ReadFile(unknown[0])
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(data), "stray"; have != want {
		t.Fatalf("unknown artifact = %q, want %q", have, want)
	}
}

func TestManagerReconcileResetsActiveJobs(t *testing.T) {
	f := newFixture(t)
	job := genqueue.NewJob("a windmill in a tulip field", "sora")
	job.Status = genqueue.WaitingResult
	job.Slot = 1
	if err := f.st.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	f.run(context.Background())

	if have, want := f.submission(t).Prompt, job.Prompt; have != want {
		t.Fatalf("submission = %q, want %q", have, want)
	}
	f.agent.EmitResult("", []byte("video"))
	if err := f.result(t); err != nil {
		t.Fatalf("Run failed with %v", err)
	}
	if have, want := f.rec.count(job.ID, genqueue.Pending), 1; have != want {
		t.Fatalf("resets = %d, want %d", have, want)
	}
}

func TestManagerReconcileMarksStaleJobs(t *testing.T) {
	f := newFixture(t, genqueue.SetReconcileWait(50*time.Millisecond))
	job := genqueue.NewJob("a train crossing a viaduct", "sora")
	job.Status = genqueue.GenerationStarted
	if err := f.st.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	f.run(context.Background())
	if err := f.result(t); err != nil {
		t.Fatalf("Run failed with %v", err)
	}
	stored := f.lookup(t, job.ID)
	if have, want := stored.Status, genqueue.Error; have != want {
		t.Fatalf("status = %s, want %s", have, want)
	}
	if have, want := stored.LastStatusMessage, "stale after restart"; have != want {
		t.Fatalf("message = %q, want %q", have, want)
	}
}

func TestManagerReconcileRecoversTimedOutJobs(t *testing.T) {
	f := newFixture(t, genqueue.SetTimeoutRetries(1))
	retry := genqueue.NewJob("a kite stuck in a tall birch", "sora")
	retry.Status = genqueue.Timeout
	spent := genqueue.NewJob("a ferry leaving a foggy harbor", "sora")
	spent.Status = genqueue.Timeout
	spent.Retries = 1
	for _, job := range []*genqueue.Job{retry, spent} {
		if err := f.st.Create(context.Background(), job); err != nil {
			t.Fatal(err)
		}
	}
	f.run(context.Background())

	if have, want := f.submission(t).Prompt, retry.Prompt; have != want {
		t.Fatalf("submission = %q, want %q", have, want)
	}
	f.agent.EmitResult("Видео для промпта: "+retry.Prompt, []byte("kite"))
	if err := f.result(t); err != nil {
		t.Fatalf("Run failed with %v", err)
	}

	stored := f.lookup(t, retry.ID)
	if have, want := stored.Status, genqueue.Completed; have != want {
		t.Fatalf("status = %s, want %s", have, want)
	}
	if have, want := stored.Retries, 1; have != want {
		t.Fatalf("retries = %d, want %d", have, want)
	}
	stored = f.lookup(t, spent.ID)
	if have, want := stored.Status, genqueue.Error; have != want {
		t.Fatalf("status = %s, want %s", have, want)
	}
	if have := f.rec.count(spent.ID, genqueue.Queued); have != 0 {
		t.Fatalf("spent job queued %d time(s)", have)
	}
}

// flakyStore fails the first n calls to Persist.
type flakyStore struct {
	*genqueue.InMemoryStore
	mu sync.Mutex
	n  int
}

func (st *flakyStore) Persist(ctx context.Context, id string, u genqueue.StatusUpdate) error {
	st.mu.Lock()
	fail := st.n > 0
	if fail {
		st.n--
	}
	st.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return st.InMemoryStore.Persist(ctx, id, u)
}

func TestManagerPersistFailureDoesNotStopJob(t *testing.T) {
	st := &flakyStore{InMemoryStore: genqueue.NewInMemoryStore(), n: 1000}
	f := newFixture(t)
	f.m = genqueue.New(
		genqueue.SetLogger(&stringLogger{}),
		genqueue.SetStore(st),
		genqueue.SetTransport(f.agent),
		genqueue.SetDownloadDir(f.dir),
		genqueue.SetObserver(f.rec.observe),
	)
	job := genqueue.NewJob("a snail crossing a garden path", "sora")
	if err := f.m.Add(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	f.run(context.Background())
	f.submission(t)
	f.agent.EmitResult("", []byte("video"))
	f.rec.wait(t, job.ID, genqueue.Completed, 1)

	// Let the final flush succeed.
	st.mu.Lock()
	st.n = 0
	st.mu.Unlock()

	if err := f.result(t); err != nil {
		t.Fatalf("Run failed with %v", err)
	}
	stored, err := st.Lookup(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stored.Status, genqueue.Completed; have != want {
		t.Fatalf("status = %s, want %s", have, want)
	}
}

func TestManagerPersistFailureIsReported(t *testing.T) {
	st := &flakyStore{InMemoryStore: genqueue.NewInMemoryStore(), n: 1 << 20}
	agent := agenttest.New()
	m := genqueue.New(
		genqueue.SetLogger(&stringLogger{}),
		genqueue.SetStore(st),
		genqueue.SetTransport(agent),
		genqueue.SetDownloadDir(t.TempDir()),
		genqueue.SetSendAttempts(1),
	)
	agent.FailSends(100)
	if err := m.Add(context.Background(), genqueue.NewJob("a moth near a lamp", "sora")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := m.Run(ctx)
	var perr *genqueue.PersistError
	if !errors.As(err, &perr) {
		t.Fatalf("want *PersistError, have %v", err)
	}
}
