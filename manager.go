// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package genqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	defaultSlots          = 1
	defaultCategoryCap    = 2
	defaultConfirmTimeout = 30 * time.Second
	defaultWaitTimeout    = 20 * time.Minute
	defaultTimeoutRetries = 1
	defaultSendTimeout    = 30 * time.Second
	defaultSendAttempts   = 3
	defaultDownloadDir    = "downloads"
	eventBacklog          = 256
	flushAttempts         = 5
)

func nop() {}

// Manager keeps up to the configured number of generation jobs running
// against the agent. Create a new manager via New.
type Manager struct {
	logger          Logger
	st              Store // persistent storage
	tr              Transport
	recipient       string
	reg             *Registry
	corr            *Correlator
	backoff         BackoffFunc
	policy          RetryPolicy
	observer        func(Transition)
	maxSlots        int
	categoryCap     int
	confirmTimeout  time.Duration
	waitTimeout     time.Duration
	reconcileWait   time.Duration
	timeoutRetries  int
	sendAttempts    int
	sendTimeout     time.Duration
	downloadDir     string
	defaultCategory string

	slots   *Slots
	limiter *CategoryLimiter
	events  chan InboundEvent
	hookup  sync.Once
	bg      sync.WaitGroup // unknown-bucket downloads

	mu       sync.Mutex // guards the following block
	running  bool
	stop     chan struct{}           // closed when Run returns
	abort    context.CancelCauseFunc // cancels the current run
	queue    []*Job                  // pending jobs in order
	queued   map[string]bool
	active   map[string]*machine
	seq      int
	dirty    map[string]StatusUpdate // updates the store refused
	wake     chan struct{}
	resultc  chan struct{} // closed and replaced on every result event
	unknown  []string      // artifacts that could not be attributed

	testManagerStarted  func()        // testing hook
	testManagerStopped  func()        // testing hook
	testJobStarted      func()        // testing hook
	testJobCompleted    func()        // testing hook
	testJobRequeued     func()        // testing hook
	testJobFailed       func()        // testing hook
	testJobSkipped      func()        // testing hook
	testEventDispatched func()        // testing hook
	testUnknownKept     func()        // testing hook
	testCategoryBlocked func(string)  // testing hook
	testPersistFailed   func(string)  // testing hook
}

// New creates a new manager. Pass options to Manager to configure it.
func New(options ...ManagerOption) *Manager {
	m := &Manager{
		logger:              stdLogger{},
		st:                  NewInMemoryStore(),
		reg:                 DefaultRegistry(),
		backoff:             exponentialBackoff,
		observer:            func(Transition) {},
		maxSlots:            defaultSlots,
		categoryCap:         defaultCategoryCap,
		confirmTimeout:      defaultConfirmTimeout,
		waitTimeout:         defaultWaitTimeout,
		timeoutRetries:      defaultTimeoutRetries,
		sendAttempts:        defaultSendAttempts,
		sendTimeout:         defaultSendTimeout,
		downloadDir:         defaultDownloadDir,
		events:              make(chan InboundEvent, eventBacklog),
		queued:              make(map[string]bool),
		active:              make(map[string]*machine),
		dirty:               make(map[string]StatusUpdate),
		wake:                make(chan struct{}, 1),
		resultc:             make(chan struct{}),
		testManagerStarted:  nop,
		testManagerStopped:  nop,
		testJobStarted:      nop,
		testJobCompleted:    nop,
		testJobRequeued:     nop,
		testJobFailed:       nop,
		testJobSkipped:      nop,
		testEventDispatched: nop,
		testUnknownKept:     nop,
		testCategoryBlocked: func(string) {},
		testPersistFailed:   func(string) {},
	}
	for _, opt := range options {
		opt(m)
	}
	m.corr = NewCorrelator(m.reg)
	if m.defaultCategory == "" && len(m.reg.Categories) > 0 {
		m.defaultCategory = m.reg.Categories[0].Name
	}
	return m
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		} else {
			m.logger = nopLogger{}
		}
	}
}

// SetStore specifies the backing Store implementation for the manager.
func SetStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.st = store
	}
}

// SetTransport specifies the connection to the agent.
func SetTransport(tr Transport) ManagerOption {
	return func(m *Manager) {
		m.tr = tr
	}
}

// SetRecipient specifies the chat the prompts are sent to.
func SetRecipient(recipient string) ManagerOption {
	return func(m *Manager) {
		m.recipient = recipient
	}
}

// SetSlots sets the number of jobs that may run at the same time.
// The agent allows 1 or 2; the default is 1.
func SetSlots(n int) ManagerOption {
	return func(m *Manager) {
		m.maxSlots = n
	}
}

// SetCategoryCap sets the number of jobs per category that may run at the
// same time. It is 2 by default.
func SetCategoryCap(n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		m.categoryCap = n
	}
}

// SetConfirmTimeout specifies how long to wait for the agent to acknowledge
// a prompt. The job keeps waiting for its result when no acknowledgment
// arrives.
func SetConfirmTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.confirmTimeout = d
	}
}

// SetWaitTimeout specifies how long to wait for the result of a job.
func SetWaitTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.waitTimeout = d
	}
}

// SetTimeoutRetries specifies how often a job that timed out is put back
// into the queue before it is considered failed.
func SetTimeoutRetries(n int) ManagerOption {
	return func(m *Manager) {
		if n < 0 {
			n = 0
		}
		m.timeoutRetries = n
	}
}

// SetSendAttempts specifies how often sending a message to the agent is
// tried before the job fails.
func SetSendAttempts(n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		m.sendAttempts = n
	}
}

// SetSendTimeout specifies how long a single attempt to send a message
// may take. Skipping the job or aborting the run does not cut it short.
func SetSendTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sendTimeout = d
		}
	}
}

// SetBackoffFunc specifies the backoff function that returns the time span
// between attempts to send a message. Exponential backoff is used by default.
func SetBackoffFunc(fn BackoffFunc) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.backoff = fn
		} else {
			m.backoff = exponentialBackoff
		}
	}
}

// SetRetryPolicy specifies who decides about failed jobs. Without a policy,
// failed jobs stay failed.
func SetRetryPolicy(p RetryPolicy) ManagerOption {
	return func(m *Manager) {
		m.policy = p
	}
}

// SetObserver specifies a callback that is invoked on every status change.
// It must not block.
func SetObserver(fn func(Transition)) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.observer = fn
		} else {
			m.observer = func(Transition) {}
		}
	}
}

// SetRegistry specifies the markers used to understand the agent.
func SetRegistry(reg *Registry) ManagerOption {
	return func(m *Manager) {
		if reg != nil {
			m.reg = reg
		}
	}
}

// SetDownloadDir specifies the directory artifacts are stored in.
func SetDownloadDir(dir string) ManagerOption {
	return func(m *Manager) {
		m.downloadDir = dir
	}
}

// SetReconcileWait specifies how long Run waits for the agent to finish
// the jobs of a previous run before it gives up on them. With 0, those
// jobs are queued again right away.
func SetReconcileWait(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.reconcileWait = d
	}
}

// SetDefaultCategory specifies the category of jobs added without one.
func SetDefaultCategory(category string) ManagerOption {
	return func(m *Manager) {
		m.defaultCategory = category
	}
}

// -- Accessors --

// Registry returns the markers used by the manager.
func (m *Manager) Registry() *Registry {
	return m.reg
}

// Slots returns the slot allocator of the manager.
func (m *Manager) Slots() *Slots {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots
}

// Limiter returns the category limiter of the manager.
func (m *Manager) Limiter() *CategoryLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limiter
}

// -- Jobs --

// Add adds a job to the store and, if the manager is running, to the queue.
// A job with an empty category gets the default category.
func (m *Manager) Add(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = JobID(job.Prompt)
	}
	if job.Status == "" {
		job.Status = Pending
	}
	if job.Category == "" {
		job.Category = m.defaultCategory
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
		job.LastEventAt = job.CreatedAt
	}
	if err := m.st.Create(ctx, job); err != nil {
		return err
	}
	stored, err := m.st.Lookup(ctx, job.ID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.running && stored.Status == Pending {
		m.enqueue(stored)
	}
	m.mu.Unlock()
	m.kick()
	return nil
}

// AddPrompts adds one job per prompt with the given category.
func (m *Manager) AddPrompts(ctx context.Context, category string, prompts ...string) error {
	for _, p := range prompts {
		if err := m.Add(ctx, NewJob(p, category)); err != nil {
			return err
		}
	}
	return nil
}

// enqueue appends job to the queue unless it is already waiting or active.
// m.mu must be held.
func (m *Manager) enqueue(job *Job) {
	if m.queued[job.ID] || m.active[job.ID] != nil {
		return
	}
	m.queued[job.ID] = true
	m.queue = append(m.queue, job)
}

func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Lookup returns the job with the given identifier.
func (m *Manager) Lookup(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	mc := m.active[id]
	m.mu.Unlock()
	if mc != nil {
		return mc.snapshot(), nil
	}
	return m.st.Lookup(ctx, id)
}

// Active returns the jobs currently bound to a slot, by slot.
func (m *Manager) Active() []*Job {
	m.mu.Lock()
	var list []*machine
	for _, mc := range m.active {
		list = append(list, mc)
	}
	m.mu.Unlock()
	jobs := make([]*Job, 0, len(list))
	for _, mc := range list {
		jobs = append(jobs, mc.snapshot())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Slot < jobs[j].Slot })
	return jobs
}

// Stats returns the number of jobs per status.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	return m.st.Stats(ctx)
}

// UnknownArtifacts returns the files of results that could not be
// attributed to any job.
func (m *Manager) UnknownArtifacts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unknown...)
}

// Skip removes a job from the run. A waiting job is skipped right away;
// an active job is cancelled and skipped by its workflow.
func (m *Manager) Skip(ctx context.Context, id string) error {
	m.mu.Lock()
	if mc := m.active[id]; mc != nil {
		cancel := mc.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel(ErrSkipped)
		}
		return nil
	}
	var job *Job
	for i, j := range m.queue {
		if j.ID == id {
			job = j
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			delete(m.queued, id)
			break
		}
	}
	m.mu.Unlock()

	if job == nil {
		stored, err := m.st.Lookup(ctx, id)
		if err != nil {
			return err
		}
		if stored.Status != Pending && stored.Status != Error {
			return &TransitionError{JobID: id, From: stored.Status, To: Skipped}
		}
		job = stored
	}
	if err := m.move(ctx, newMachine(job, 0), Skipped, "skipped by operator"); err != nil {
		return err
	}
	m.testJobSkipped()
	m.kick()
	return nil
}

// Abort stops the current run. Active jobs are put back into the queue of
// the store. Run returns ErrAborted.
func (m *Manager) Abort() {
	m.mu.Lock()
	abort := m.abort
	m.mu.Unlock()
	if abort != nil {
		m.logger.Printf("genqueue: aborting run")
		abort(ErrAborted)
	}
}

// -- Run --

// Run processes the pending jobs of the store until none is left, ctx is
// done, or the run is aborted.
func (m *Manager) Run(ctx context.Context) error {
	if m.tr == nil {
		return ErrNoTransport
	}
	if m.maxSlots < 1 || m.maxSlots > 2 {
		return fmt.Errorf("genqueue: slots must be 1 or 2, have %d", m.maxSlots)
	}

	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrManagerRunning
	}
	m.running = true
	m.stop = make(chan struct{})
	m.abort = abort
	m.slots = NewSlots(m.maxSlots)
	m.limiter = NewCategoryLimiter(m.categoryCap)
	m.queue = nil
	m.queued = make(map[string]bool)
	m.dirty = make(map[string]StatusUpdate)
	stop := m.stop
	m.mu.Unlock()

	m.hookup.Do(func() { m.tr.OnInboundEvent(m.receive) })
	m.discardStale()

	var dispatcher sync.WaitGroup
	dispatcher.Add(1)
	go func() {
		defer dispatcher.Done()
		m.dispatch(stop)
	}()

	defer func() {
		m.mu.Lock()
		m.abort = nil
		m.running = false
		m.mu.Unlock()
		m.testManagerStopped()
	}()

	m.logger.Printf("genqueue: starting run with %d slot(s), category cap %d", m.maxSlots, m.categoryCap)
	m.testManagerStarted()

	err := m.prepare(ctx)
	if err == nil {
		err = m.schedule(ctx)
	}

	m.mu.Lock()
	close(m.stop)
	m.stop = nil
	m.mu.Unlock()
	dispatcher.Wait()
	m.bg.Wait()

	if ferr := m.flush(context.WithoutCancel(ctx)); ferr != nil {
		if err == nil {
			return ferr
		}
		m.logger.Printf("genqueue: %v", ferr)
	}
	if err != nil {
		return err
	}
	m.logger.Printf("genqueue: run finished")
	return nil
}

// discardStale drops events left over from a previous run.
func (m *Manager) discardStale() {
	for {
		select {
		case ev := <-m.events:
			m.logger.Printf("genqueue: dropping message from previous run %q", shorten(ev.Text, 50))
		default:
			return
		}
	}
}

// prepare starts the store, reconciles jobs left over from a previous
// run and fills the queue.
func (m *Manager) prepare(ctx context.Context) error {
	if err := m.st.Start(ctx); err != nil {
		return &PersistError{Err: err}
	}
	if err := m.reconcile(ctx); err != nil {
		return err
	}
	pending, err := m.st.LoadPending(ctx)
	if err != nil {
		return &PersistError{Err: err}
	}
	m.mu.Lock()
	for _, job := range pending {
		if job.Status == LimitReached {
			job.Status = Pending
		}
		if job.Category == "" {
			job.Category = m.defaultCategory
		}
		m.enqueue(job)
	}
	n := len(m.queue)
	m.mu.Unlock()
	m.logger.Printf("genqueue: %d job(s) pending", n)
	return nil
}

// reconcile forces jobs the store reports as active into a state the
// scheduler can work with.
func (m *Manager) reconcile(ctx context.Context) error {
	if err := m.recoverTimeouts(ctx); err != nil {
		return err
	}
	active, err := m.st.ListActive(ctx)
	if err != nil {
		return &PersistError{Err: err}
	}
	if len(active) == 0 {
		return nil
	}

	to, message := Pending, "reset after restart"
	if m.reconcileWait > 0 {
		m.logger.Printf("genqueue: %d job(s) active from a previous run, waiting %v for the agent", len(active), m.reconcileWait)
		m.mu.Lock()
		resultc := m.resultc
		m.mu.Unlock()
		timer := time.NewTimer(m.reconcileWait)
		select {
		case <-resultc:
		case <-timer.C:
			to, message = Error, "stale after restart"
		case <-ctx.Done():
			timer.Stop()
			return context.Cause(ctx)
		}
		timer.Stop()
	}
	for _, job := range active {
		if err := m.move(ctx, newMachine(job, 0), to, message); err != nil {
			return err
		}
	}
	return nil
}

// recoverTimeouts settles jobs a previous run stored as Timeout without
// requeueing them: a job with a retry left goes back to Pending, the
// others fail.
func (m *Manager) recoverTimeouts(ctx context.Context) error {
	res, err := m.st.List(ctx, &ListRequest{Status: Timeout})
	if err != nil {
		return &PersistError{Err: err}
	}
	for _, job := range res.Jobs {
		mc := newMachine(job, 0)
		if job.Retries < m.timeoutRetries {
			job.Retries++
			if err := m.move(ctx, mc, Pending, fmt.Sprintf("timed out, retry %d of %d", job.Retries, m.timeoutRetries)); err != nil {
				return err
			}
			continue
		}
		if err := m.move(ctx, mc, Error, ErrResultTimeout.Error()); err != nil {
			return err
		}
	}
	return nil
}

// outcome is what a workflow reports when it returns.
type outcome struct {
	mc  *machine
	err error
}

// schedule is the scheduler loop. It keeps the slots busy until the queue
// is empty and no job is running.
func (m *Manager) schedule(ctx context.Context) error {
	done := make(chan outcome)
	running := 0

	for {
		released := m.limiter.Released()
		blocked := m.fill(ctx, done, &running)

		m.mu.Lock()
		pending := len(m.queue)
		m.mu.Unlock()

		if running == 0 && pending == 0 {
			return nil
		}
		if ctx.Err() != nil {
			return m.drain(ctx, done, running)
		}

		var idle <-chan time.Time
		var timer *time.Timer
		if running == 0 {
			// Everything waiting is limited by the agent. Give it one wait
			// budget to report a result, then try again.
			timer = time.NewTimer(m.waitTimeout)
			idle = timer.C
		}

		select {
		case o := <-done:
			running--
			m.finish(ctx, o)
		case <-released:
		case <-m.wake:
		case <-idle:
			for _, category := range blocked {
				m.logger.Printf("genqueue: no result within %v, clearing limit of %s", m.waitTimeout, category)
				m.limiter.Clear(category)
			}
		case <-ctx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// fill starts jobs from the queue while slots are free. Every waiting job
// is looked at no more than once per call. It returns the categories that
// kept jobs from starting.
func (m *Manager) fill(ctx context.Context, done chan<- outcome, running *int) []string {
	var blocked []string
	seen := make(map[string]bool)

	m.mu.Lock()
	scan := len(m.queue)
	m.mu.Unlock()

	for ; scan > 0 && *running < m.maxSlots && ctx.Err() == nil; scan-- {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			break
		}
		job := m.queue[0]
		slot, ok := m.slots.Acquire(job.ID)
		if !ok {
			m.mu.Unlock()
			break
		}
		m.queue = m.queue[1:]
		if !m.limiter.TryReserve(job.Category) {
			m.slots.Release(slot)
			m.queue = append(m.queue, job)
			m.mu.Unlock()
			if !seen[job.Category] {
				seen[job.Category] = true
				blocked = append(blocked, job.Category)
			}
			m.logger.Printf("genqueue: job=%s category %s is limited, trying next job", job.ID, job.Category)
			m.testCategoryBlocked(job.ID)
			continue
		}
		delete(m.queued, job.ID)
		m.seq++
		mc := newMachine(job, m.seq)
		jobCtx, cancel := context.WithCancelCause(ctx)
		mc.cancel = cancel
		job.Slot = slot
		m.active[job.ID] = mc
		m.mu.Unlock()

		if err := m.move(ctx, mc, Queued, ""); err != nil {
			cancel(nil)
			m.mu.Lock()
			delete(m.active, job.ID)
			m.mu.Unlock()
			m.slots.Release(slot)
			m.limiter.Release(job.Category)
			continue
		}

		*running++
		go func() {
			err := m.run(jobCtx, mc, slot)
			cancel(nil)
			done <- outcome{mc: mc, err: err}
		}()
	}
	return blocked
}

// run executes the workflow of a job and releases its slot and category
// when the workflow returns, whatever the outcome.
func (m *Manager) run(ctx context.Context, mc *machine, slot int) (err error) {
	category := mc.snapshot().Category
	defer func() {
		m.slots.Release(slot)
		m.limiter.Release(category)
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("genqueue: workflow panic: %v", r)
			m.logger.Printf("genqueue: slot=%d %v", slot, err)
			if !mc.status().IsTerminal() {
				m.move(context.WithoutCancel(ctx), mc, Error, err.Error())
			}
		}
	}()
	m.testJobStarted()
	return m.work(ctx, mc)
}

// drain waits for the running jobs after the run was cancelled.
func (m *Manager) drain(ctx context.Context, done <-chan outcome, running int) error {
	for ; running > 0; running-- {
		m.finish(ctx, <-done)
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

// finish resolves the outcome of a workflow: requeue, retry, or report.
func (m *Manager) finish(ctx context.Context, o outcome) {
	mc := o.mc
	job := mc.snapshot()

	m.mu.Lock()
	delete(m.active, job.ID)
	m.mu.Unlock()

	pctx := context.WithoutCancel(ctx)
	switch job.Status {
	case Completed:
		m.logger.Printf("genqueue: job=%s completed: %s", job.ID, job.ArtifactPath)
		m.testJobCompleted()
		return
	case Skipped:
		m.logger.Printf("genqueue: job=%s skipped", job.ID)
		m.testJobSkipped()
		return
	case Pending:
		// Cancelled with the run. The store has it as pending.
		return
	case LimitReached:
		m.requeue(pctx, mc, "category limit reached")
		return
	case Timeout:
		if ctx.Err() != nil {
			m.move(pctx, mc, Pending, "run aborted")
			return
		}
		if job.Retries < m.timeoutRetries {
			mc.mu.Lock()
			mc.job.Retries++
			mc.mu.Unlock()
			m.requeue(pctx, mc, fmt.Sprintf("timed out, retry %d of %d", job.Retries+1, m.timeoutRetries))
			return
		}
		if err := m.move(pctx, mc, Error, ErrResultTimeout.Error()); err != nil {
			return
		}
		if o.err == nil {
			o.err = ErrResultTimeout
		}
	}

	// Error
	m.logger.Printf("genqueue: job=%s failed: %v", job.ID, o.err)
	m.testJobFailed()
	if m.policy == nil || ctx.Err() != nil {
		return
	}
	switch d := m.policy.Decide(ctx, mc.snapshot(), o.err); d {
	case Retry:
		m.requeue(pctx, mc, "retry requested")
	case Skip:
		if err := m.move(pctx, mc, Skipped, "skipped after failure"); err == nil {
			m.testJobSkipped()
		}
	case Abort:
		m.Abort()
	}
}

// requeue moves a job back to pending and appends it to the queue.
func (m *Manager) requeue(ctx context.Context, mc *machine, message string) {
	if err := m.move(ctx, mc, Pending, message); err != nil {
		return
	}
	job := mc.snapshot()
	m.mu.Lock()
	m.enqueue(job)
	m.mu.Unlock()
	m.logger.Printf("genqueue: job=%s requeued: %s", job.ID, message)
	m.testJobRequeued()
}

// move transitions the job of mc, persists and publishes the change.
func (m *Manager) move(ctx context.Context, mc *machine, to Status, message string) error {
	t, upd, err := mc.move(to, message, time.Now())
	if err != nil {
		m.logger.Printf("genqueue: %v", err)
		return err
	}
	m.logger.Printf("genqueue: job=%s slot=%d %s -> %s", t.JobID, t.Slot, t.From, t.To)
	m.persist(ctx, t.JobID, upd)
	m.observer(t)
	return nil
}

// persist writes upd to the store. A failure does not stop the job: the
// update is kept and written again when the run ends.
func (m *Manager) persist(ctx context.Context, id string, upd StatusUpdate) {
	err := m.st.Persist(context.WithoutCancel(ctx), id, upd)
	m.mu.Lock()
	if err != nil {
		m.dirty[id] = upd
	} else {
		delete(m.dirty, id)
	}
	m.mu.Unlock()
	if err != nil {
		m.logger.Printf("genqueue: job=%s cannot persist %s: %v", id, upd.Status, err)
		m.testPersistFailed(id)
	}
}

// flush retries the updates the store refused during the run.
func (m *Manager) flush(ctx context.Context) error {
	m.mu.Lock()
	dirty := m.dirty
	m.dirty = make(map[string]StatusUpdate)
	m.mu.Unlock()

	ids := make([]string, 0, len(dirty))
	for id := range dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var first error
	for _, id := range ids {
		upd := dirty[id]
		err := retry(ctx, flushAttempts, 15*time.Second, func() error {
			return m.st.Persist(ctx, id, upd)
		})
		if err != nil {
			m.logger.Printf("genqueue: job=%s update lost: %v", id, err)
			if first == nil {
				first = &PersistError{JobID: id, Err: err}
			}
		}
	}
	return first
}

// -- Inbound events --

// receive is registered with the transport.
func (m *Manager) receive(ev InboundEvent) {
	if ev.ArrivalTime.IsZero() {
		ev.ArrivalTime = time.Now()
	}
	m.mu.Lock()
	stop := m.stop
	m.mu.Unlock()
	if stop == nil {
		m.logger.Printf("genqueue: not running, dropping message %q", shorten(ev.Text, 50))
		return
	}
	select {
	case m.events <- ev:
	case <-stop:
		m.logger.Printf("genqueue: run ended, dropping message %q", shorten(ev.Text, 50))
	}
}

// dispatch handles inbound events one at a time, in arrival order.
func (m *Manager) dispatch(stop <-chan struct{}) {
	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
			m.testEventDispatched()
		case <-stop:
			return
		}
	}
}

// handle classifies ev, attributes it to an active job and notifies that
// job's workflow.
func (m *Manager) handle(ev InboundEvent) {
	kind := m.reg.Classify(ev.Text, ev.HasMedia)
	switch kind {
	case KindIgnored, KindReady:
		m.logger.Printf("genqueue: %s message %q", kind, shorten(ev.Text, 50))
		return
	case KindResult:
		m.limiter.ObserveResult()
		m.mu.Lock()
		close(m.resultc)
		m.resultc = make(chan struct{})
		m.mu.Unlock()
	}

	m.mu.Lock()
	machines := make([]*machine, 0, len(m.active))
	for _, mc := range m.active {
		machines = append(machines, mc)
	}
	m.mu.Unlock()
	var candidates []Candidate
	byID := make(map[string]*machine, len(machines))
	for _, mc := range machines {
		if c, ok := mc.candidate(); ok {
			candidates = append(candidates, c)
			byID[c.JobID] = mc
		}
	}

	match := m.corr.Correlate(kind, ev, candidates)

	if kind == KindLimit {
		category, ok := "", false
		if match.Matched() {
			category, ok = byID[match.JobID].snapshot().Category, true
		} else {
			category, ok = m.reg.DetectCategory(ev.Text)
		}
		if ok {
			m.logger.Printf("genqueue: agent reports limit for category %s", category)
			m.limiter.Saturate(category)
		}
	}

	if match.Matched() {
		mc := byID[match.JobID]
		if !mc.deliver(signal{kind: kind, ev: ev, match: match}) {
			m.logger.Printf("genqueue: job=%s is not listening, dropping %s message", match.JobID, kind)
		}
		return
	}
	if match.Unknown {
		m.keepUnknown(ev)
		return
	}
	m.logger.Printf("genqueue: cannot attribute %s message %q", kind, shorten(ev.Text, 50))
}

// keepUnknown stores a result that belongs to no known job.
func (m *Manager) keepUnknown(ev InboundEvent) {
	path := UnknownArtifactPath(m.downloadDir, ev.ArrivalTime)
	m.logger.Printf("genqueue: cannot attribute result, keeping it as %s", path)
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		err := retry(context.Background(), m.sendAttempts, time.Minute, func() error {
			if _, err := m.tr.DownloadMedia(context.Background(), ev.MediaHandle, path); err != nil {
				return err
			}
			return checkArtifact(path)
		})
		if err != nil {
			m.logger.Printf("genqueue: cannot download unattributed result: %v", err)
			return
		}
		m.mu.Lock()
		m.unknown = append(m.unknown, path)
		m.mu.Unlock()
		m.testUnknownKept()
	}()
}
