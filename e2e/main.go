// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Command e2e runs a queue of random prompts against a simulated agent
// that acknowledges late, refuses jobs because of its category limit, and
// fails now and then.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/olivere/genqueue"
	"github.com/olivere/genqueue/agenttest"
	"github.com/olivere/genqueue/mongodb"
	"github.com/olivere/genqueue/mysql"
	"github.com/olivere/genqueue/sqlite"
	"github.com/olivere/genqueue/ui/server"
)

func main() {
	const (
		exampleDBURL = "root@tcp(127.0.0.1:3306)/genqueue_e2e?loc=UTC"
	)
	var (
		numPrompts     = flag.Int("n", 20, "number of prompts")
		slots          = flag.Int("c", 2, "number of slots (1 or 2)")
		categoryCap    = flag.Int("cap", 2, "concurrent jobs per category")
		categoriesList = flag.String("categories", "sora,kling", "comma-separated list of categories")
		runTime        = flag.Duration("run-time", 3*time.Second, "maximum generation time of a single job")
		waitTimeout    = flag.Duration("wait-timeout", 10*time.Second, "wait budget for a result")
		failureRate    = flag.Float64("failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
		limitRate      = flag.Float64("limit-rate", 0.1, "rate of category limit notices in the interval [0.0,1.0]")
		silentRate     = flag.Float64("silent-rate", 0.02, "rate of lost results in the interval [0.0,1.0]")
		logInterval    = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		downloads      = flag.String("downloads", "", "download directory (default: temporary directory)")
		addr           = flag.String("addr", "", "HTTP bind address of the operator UI (disabled if empty)")
		dbtype         = flag.String("dbtype", "memory", "Storage type (memory, sqlite, mysql or mongodb)")
		dburl          = flag.String("dburl", "", "database file or URL, e.g. "+exampleDBURL)
		dbdebug        = flag.Bool("dbdebug", false, "Enabled debug output for DB store")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rnd := &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}

	// Initialize the store
	var err error
	var store genqueue.Store
	switch *dbtype {
	case "sqlite":
		path := *dburl
		if path == "" {
			path = "genqueue_e2e.db"
		}
		store, err = sqlite.NewStore(path, sqlite.SetDebug(*dbdebug))
	case "mysql":
		var dboptions []mysql.StoreOption
		if *dbdebug {
			dboptions = append(dboptions, mysql.SetDebug(true))
		}
		store, err = mysql.NewStore(*dburl, dboptions...)
	case "mongodb":
		var dboptions []mongodb.StoreOption
		store, err = mongodb.NewStore(*dburl, dboptions...)
	case "memory":
		store = genqueue.NewInMemoryStore()
	default:
		log.Fatal("unsupported dbtype; use either memory, sqlite, mysql or mongodb")
	}
	if err != nil {
		log.Fatal(err)
	}

	dir := *downloads
	if dir == "" {
		if dir, err = os.MkdirTemp("", "genqueue-e2e"); err != nil {
			log.Fatal(err)
		}
		defer os.RemoveAll(dir)
	}

	sim := &simulator{
		rnd:         rnd,
		runTime:     *runTime,
		failureRate: *failureRate,
		limitRate:   *limitRate,
		silentRate:  *silentRate,
	}
	agent := agenttest.New(agenttest.WithResponder(sim.respond))

	srv := server.New()
	m := genqueue.New(
		genqueue.SetStore(store),
		genqueue.SetTransport(agent),
		genqueue.SetSlots(*slots),
		genqueue.SetCategoryCap(*categoryCap),
		genqueue.SetConfirmTimeout(*runTime),
		genqueue.SetWaitTimeout(*waitTimeout),
		genqueue.SetDownloadDir(dir),
		genqueue.SetObserver(srv.Notify),
		genqueue.SetRetryPolicy(genqueue.RetryPolicyFunc(func(ctx context.Context, job *genqueue.Job, err error) genqueue.Decision {
			if job.AttemptCount < 3 {
				return genqueue.Retry
			}
			return genqueue.Skip
		})),
	)

	// Add prompts
	categories := strings.Split(*categoriesList, ",")
	for i := 0; i < *numPrompts; i++ {
		category := categories[rnd.Intn(len(categories))]
		prompt := fmt.Sprintf("scene %05d: %s", i+1, subjects[rnd.Intn(len(subjects))])
		if err := m.Add(context.Background(), genqueue.NewJob(prompt, category)); err != nil {
			log.Fatal(err)
		}
	}

	// Wait for e.g. Ctrl+C
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return m.Run(ctx)
	})
	if *addr != "" {
		g.Go(func() error {
			log.Printf("web server listening on %v", *addr)
			return srv.Serve(ctx, *addr, m)
		})
	}

	// Print stats
	go logger(ctx, m, *logInterval)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
	ss, err := m.Stats(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Completed=%d Error=%d Timeout=%d Skipped=%d Pending=%d Unknown=%d\n",
		ss.Completed, ss.Error, ss.Timeout, ss.Skipped, ss.Pending, len(m.UnknownArtifacts()))
	log.Print("exiting")
}

func logger(ctx context.Context, m *genqueue.Manager, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			ss, err := m.Stats(ctx)
			if err == nil {
				fmt.Printf("Pending=%6d Active=%6d Completed=%6d Error=%6d Skipped=%6d\n",
					ss.Pending,
					ss.Active,
					ss.Completed,
					ss.Error,
					ss.Skipped)
			}
		case <-ctx.Done():
			return
		}
	}
}

var subjects = []string{
	"a lighthouse in a storm at night",
	"a red fox running through fresh snow",
	"a tram crossing a bridge in the rain",
	"an astronaut planting tomatoes on the moon",
	"a paper boat drifting down a flooded street",
	"a hummingbird hovering over purple flowers",
}

// simulator scripts the agent's replies.
type simulator struct {
	rnd         *lockedRand
	runTime     time.Duration
	failureRate float64
	limitRate   float64
	silentRate  float64
}

func (s *simulator) respond(a *agenttest.Agent, sub agenttest.Submission) {
	s.sleep(s.runTime / 4)
	switch p := s.rnd.Float64(); {
	case p < s.limitRate:
		a.Emit("Максимальное количество одновременных генераций для " + sub.Category)
		return
	case p < s.limitRate+s.failureRate:
		a.Emit("❌ Ошибка генерации. Промпт: " + sub.Prompt)
		return
	}
	a.Emit("⏳ Генерация видео. Ваш запрос: " + sub.Prompt)
	s.sleep(s.runTime)
	if s.rnd.Float64() < s.silentRate {
		return
	}
	a.EmitResult("Видео для промпта: "+sub.Prompt, []byte("video:"+sub.Prompt))
}

func (s *simulator) sleep(max time.Duration) {
	if max <= 0 {
		return
	}
	time.Sleep(time.Duration(s.rnd.Int63n(int64(max))))
}

// lockedRand is a *rand.Rand safe for concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

func (l *lockedRand) Int63n(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Int63n(n)
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}
