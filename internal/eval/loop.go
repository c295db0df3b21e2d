package eval

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"webeval/internal/browser"
	"webeval/internal/cache"
	"webeval/internal/config"
	"webeval/internal/logging"
	"webeval/internal/sites"
)

// Session is the browsing surface the loop drives. *browser.EvalSession
// satisfies it; tests supply fakes.
type Session interface {
	Navigate(url string) error
	HTML() (string, error)
	URL() (string, error)
	Close()
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	TaskID     string
	Answer     string
	Score      Score
	Steps      int
	Duration   time.Duration
	Intercept  browser.Stats
	MissedURLs []string
	Err        string
}

// Runner executes tasks: it warms the cache, opens an instrumented
// session per task, drives the agent and scores the answer.
type Runner struct {
	cfg      config.EvalConfig
	store    *cache.Store
	registry *sites.Registry
	chat     ChatClient
	scorer   *Scorer

	openSession func(ctx context.Context, it *browser.Interceptor) (Session, error)
}

// NewRunner wires a runner over the production browser layer.
func NewRunner(cfg config.EvalConfig, store *cache.Store, mgr *browser.SessionManager, registry *sites.Registry, chat ChatClient, scorer *Scorer) *Runner {
	return &Runner{
		cfg:      cfg,
		store:    store,
		registry: registry,
		chat:     chat,
		scorer:   scorer,
		openSession: func(ctx context.Context, it *browser.Interceptor) (Session, error) {
			return mgr.OpenSession(ctx, it)
		},
	}
}

// Run executes all tasks within the configured wall-clock budget. A cache
// fatal error (mandatory ground truth unavailable) aborts the whole run;
// per-task agent failures are recorded in the results instead.
func (r *Runner) Run(ctx context.Context, tasks []Task) ([]TaskResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DeadlineDuration())
	defer cancel()

	parallelism := r.cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	results := make([]TaskResult, len(tasks))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, task := range tasks {
		g.Go(func() error {
			res, err := r.RunTask(ctx, task)
			if err != nil {
				var fatal *cache.FatalError
				if errors.As(err, &fatal) || ctx.Err() != nil {
					return err
				}
				res = TaskResult{TaskID: task.ID, Err: err.Error()}
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// RunTask executes one task end to end.
func (r *Runner) RunTask(ctx context.Context, task Task) (TaskResult, error) {
	timer := logging.StartTimer(logging.CategoryEval, "task "+task.ID)
	defer timer.StopWithInfo()
	start := time.Now()

	// Every page the task names is cached before the agent sees anything.
	pagesByKey, err := r.store.EnsureCached(ctx, task.Requirements(), r.fetcher())
	if err != nil {
		return TaskResult{}, fmt.Errorf("warm cache for task %s: %w", task.ID, err)
	}

	pages := make([]*cache.CachedPage, 0, len(pagesByKey))
	for _, p := range pagesByKey {
		pages = append(pages, p)
	}
	ground := groundTruth(task, pagesByKey)

	interceptor := browser.NewInterceptor(r.store, pages, r.cfg.AllowedDomains, r.blockedPatterns())
	session, err := r.openSession(ctx, interceptor)
	if err != nil {
		return TaskResult{}, fmt.Errorf("open session for task %s: %w", task.ID, err)
	}
	defer session.Close()

	answer, steps, loopErr := r.driveAgent(ctx, task, session)

	result := TaskResult{
		TaskID:     task.ID,
		Answer:     answer,
		Steps:      steps,
		Duration:   time.Since(start),
		Intercept:  interceptor.Stats(),
		MissedURLs: interceptor.MissedURLs(),
	}
	if loopErr != nil {
		result.Err = loopErr.Error()
		return result, nil
	}

	score, err := r.scorer.Score(ctx, task, answer, ground)
	if err != nil {
		result.Err = err.Error()
		return result, nil
	}
	result.Score = score
	return result, nil
}

// driveAgent runs the observe-act loop until the agent answers or the step
// budget runs out.
func (r *Runner) driveAgent(ctx context.Context, task Task, session Session) (string, int, error) {
	if err := session.Navigate(task.StartURL); err != nil {
		return "", 0, fmt.Errorf("initial navigation: %w", err)
	}

	maxSteps := r.cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 15
	}

	var history []string
	for step := 1; step <= maxSteps; step++ {
		html, err := session.HTML()
		if err != nil {
			return "", step, fmt.Errorf("read page: %w", err)
		}

		prompt := BuildPrompt(task, Observation(html), history, step, maxSteps)
		response, err := r.chat.CompleteWithSystem(ctx, agentSystemPrompt, prompt)
		if err != nil {
			return "", step, fmt.Errorf("agent completion: %w", err)
		}

		action, ok := ParseAction(response)
		if !ok {
			history = append(history, "unparseable response, asked again")
			continue
		}
		if action.IsAnswer() {
			logging.Eval("task %s answered after %d steps", task.ID, step)
			return action.Answer, step, nil
		}

		target, err := r.resolveTarget(session, action.Navigate)
		if err != nil {
			history = append(history, fmt.Sprintf("NAVIGATE %s (rejected: %v)", action.Navigate, err))
			continue
		}

		// The orchestrator guarantees the page is cached before the agent
		// is shown it; misses fall through to the interceptor's live path.
		if _, err := r.store.EnsureCached(ctx, []cache.PageRequirement{cache.Nav(target)}, r.fetcher()); err != nil {
			var fatal *cache.FatalError
			if errors.As(err, &fatal) {
				return "", step, err
			}
			logging.Get(logging.CategoryEval).Warn("pre-cache %s failed: %v", target, err)
		}

		if err := session.Navigate(target); err != nil {
			history = append(history, fmt.Sprintf("NAVIGATE %s (failed: %v)", target, err))
			continue
		}
		history = append(history, "NAVIGATE "+target)
	}
	return "", maxSteps, fmt.Errorf("no answer within %d steps", maxSteps)
}

// resolveTarget makes a navigation target absolute against the current
// page URL.
func (r *Runner) resolveTarget(session Session, target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("bad url: %w", err)
	}
	if u.IsAbs() {
		return target, nil
	}
	current, err := session.URL()
	if err != nil {
		return "", fmt.Errorf("current url: %w", err)
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("parse current url: %w", err)
	}
	return base.ResolveReference(u).String(), nil
}

// groundTruth finds the structured payload for the task's first data page.
func groundTruth(task Task, pages map[string]*cache.CachedPage) map[string]interface{} {
	for _, p := range task.Pages {
		if !p.NeedsData {
			continue
		}
		if page, ok := pages[cache.Normalize(p.URL)]; ok && page.StructuredData != nil {
			return page.StructuredData
		}
	}
	return nil
}

// fetcher adapts the plugin registry to the store's Fetcher interface,
// avoiding a typed-nil interface when no registry is configured.
func (r *Runner) fetcher() cache.Fetcher {
	if r.registry == nil {
		return nil
	}
	return r.registry
}

func (r *Runner) blockedPatterns() []string {
	patterns := append([]string(nil), r.cfg.BlockedPatterns...)
	if r.registry != nil {
		patterns = append(patterns, r.registry.BlockedPatterns()...)
	}
	return patterns
}
