/*
Copyright 2021 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package executor runs approved deployment jobs off the request path.
// A single worker goroutine drains a shared queue, so merges never run
// concurrently with each other.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/cakekindel/mergebot/deploy"
	"github.com/cakekindel/mergebot/git"
	"github.com/cakekindel/mergebot/jobs"
)

// RepoContext is the slice of the git gateway the pipeline drives.
type RepoContext interface {
	FetchAll() error
	Switch(branch string) error
	UpdateBranch() error
	Merge(target string) error
	Push() error
	Close()
}

// Gateway acquires exclusive repository contexts.
type Gateway interface {
	Repo(url, dirname string) (RepoContext, error)
}

// NewGitGateway wraps a git client as a Gateway.
func NewGitGateway(c *git.Client) Gateway {
	return gitGateway{client: c}
}

type gitGateway struct {
	client *git.Client
}

func (g gitGateway) Repo(url, dirname string) (RepoContext, error) {
	return g.client.Repo(url, dirname)
}

// WorkItem is one queued execution. Retry items carry an errored job and
// become ready at its NextAttempt; fresh items are ready immediately.
type WorkItem struct {
	Job   jobs.Job
	Retry bool
}

// readyIn is how long until the item may be executed.
func (w WorkItem) readyIn(now time.Time) time.Duration {
	if !w.Retry {
		return 0
	}
	until := w.Job.State.Errored.NextAttempt.Sub(now)
	if until < 0 {
		return 0
	}
	return until
}

// Executor owns the work queue and the single worker that drains it.
type Executor struct {
	logger *logrus.Entry
	clock  clock.Clock
	store  *jobs.Store
	git    Gateway

	// ready is closed by main once every listener is attached, so the
	// worker never executes against a partially wired store.
	ready <-chan struct{}

	mu    sync.Mutex
	cond  *sync.Cond
	queue []WorkItem
}

// New returns an executor draining into the given store and git gateway.
// The worker does not start until Run is called and ready is closed.
func New(store *jobs.Store, gateway Gateway, ready <-chan struct{}) *Executor {
	e := &Executor{
		logger: logrus.WithField("component", "executor"),
		clock:  clock.RealClock{},
		store:  store,
		git:    gateway,
		ready:  ready,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Schedule queues a freshly approved job for execution.
func (e *Executor) Schedule(job jobs.Job) {
	e.push(WorkItem{Job: job})
}

// ScheduleRetry queues an errored job to be re-attempted once its backoff
// elapses.
func (e *Executor) ScheduleRetry(job jobs.Job) {
	e.push(WorkItem{Job: job, Retry: true})
}

func (e *Executor) push(item WorkItem) {
	e.mu.Lock()
	e.queue = append(e.queue, item)
	queueDepth.Set(float64(len(e.queue)))
	e.mu.Unlock()
	e.cond.Signal()
	e.logger.WithFields(logrus.Fields{
		"job":   item.Job.ID,
		"retry": item.Retry,
	}).Info("Queued job for execution.")
}

// Run blocks draining the queue until ctx is cancelled. Call it on its
// own goroutine; there must be exactly one.
//
// The worker dequeues before it waits out a retry's backoff, so items
// pushed during that sleep sit in the queue until the retry finishes.
// Deploys are rare enough that the delay has not mattered.
func (e *Executor) Run(ctx context.Context) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return
	}
	go func() {
		<-ctx.Done()
		e.cond.Broadcast()
	}()

	e.logger.Info("Executor worker started.")
	for {
		item, delay, ok := e.next(ctx)
		if !ok {
			e.logger.Info("Executor worker stopping.")
			return
		}
		if delay > 0 {
			e.logger.WithFields(logrus.Fields{
				"job":   item.Job.ID,
				"delay": delay.String(),
			}).Info("Waiting for retry backoff.")
			e.clock.Sleep(delay)
		}
		e.execute(item)
	}
}

// next removes the item closest to ready and reports how long to wait
// before executing it. It blocks while the queue is empty.
func (e *Executor) next(ctx context.Context) (WorkItem, time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.queue) == 0 {
		if ctx.Err() != nil {
			return WorkItem{}, 0, false
		}
		e.cond.Wait()
	}
	if ctx.Err() != nil {
		return WorkItem{}, 0, false
	}

	now := e.clock.Now()
	best := 0
	bestReady := e.queue[0].readyIn(now)
	for i, item := range e.queue[1:] {
		if ready := item.readyIn(now); ready < bestReady {
			best = i + 1
			bestReady = ready
		}
	}
	item := e.queue[best]
	e.queue = append(e.queue[:best], e.queue[best+1:]...)
	queueDepth.Set(float64(len(e.queue)))
	return item, bestReady, true
}

// execute runs the merge pipeline for every repo of the job's app,
// collects per-repo failures, and records the outcome on the store. A
// failure that lands the job back in the retry queue is re-queued here
// with its fresh backoff.
func (e *Executor) execute(item WorkItem) {
	job := item.Job
	logger := e.logger.WithFields(logrus.Fields{
		"job": job.ID,
		"app": job.App.Name,
		"env": job.Command.EnvName,
	})
	logger.Info("Executing job.")
	start := time.Now()

	var errs []string
	for _, repo := range job.App.Repos {
		env, ok := repo.Environment(job.Command.EnvName)
		if !ok {
			continue
		}
		if err := e.deployRepo(repo, env); err != nil {
			logger.WithError(err).WithField("gitRepo", repo.Name).Error("Repo deployment failed.")
			errs = append(errs, err.Error())
		}
	}
	attemptDuration.Observe(time.Since(start).Seconds())

	if len(errs) == 0 {
		attemptCounter.WithLabelValues("success").Inc()
		e.store.StateDone(job.ID)
		return
	}
	attemptCounter.WithLabelValues("failure").Inc()
	after, ok := e.store.StateErrored(job.ID, errs)
	if !ok || after.State.Name != jobs.StateNameErrored {
		return
	}
	e.ScheduleRetry(after)
}

// deployRepo fast-forwards one repo: refresh both branches from their
// upstreams, merge base into target, push. The context is always
// released before the next repo is touched.
func (e *Executor) deployRepo(repo deploy.Repo, env deploy.Mergeable) error {
	ctx, err := e.git.Repo(repo.URL, repo.Name)
	if err != nil {
		return fmt.Errorf("acquiring repo %s: %v", repo.Name, err)
	}
	defer ctx.Close()

	if err := ctx.FetchAll(); err != nil {
		return fmt.Errorf("fetching %s: %v", repo.Name, err)
	}
	if err := ctx.Switch(env.Base); err != nil {
		return fmt.Errorf("switching %s to %s: %v", repo.Name, env.Base, err)
	}
	if err := ctx.UpdateBranch(); err != nil {
		return fmt.Errorf("updating %s branch %s: %v", repo.Name, env.Base, err)
	}
	if err := ctx.Switch(env.Target); err != nil {
		return fmt.Errorf("switching %s to %s: %v", repo.Name, env.Target, err)
	}
	if err := ctx.UpdateBranch(); err != nil {
		return fmt.Errorf("updating %s branch %s: %v", repo.Name, env.Target, err)
	}
	if err := ctx.Merge(env.Base); err != nil {
		return fmt.Errorf("merging %s into %s on %s: %v", env.Base, env.Target, repo.Name, err)
	}
	if err := ctx.Push(); err != nil {
		return fmt.Errorf("pushing %s: %v", repo.Name, err)
	}
	return nil
}
