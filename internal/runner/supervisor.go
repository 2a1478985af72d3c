package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/neuroutine/internal/signals"
)

// #region resolve
// DefaultExecutable is looked up on PATH when no local build is found.
const DefaultExecutable = "noxlocal"

// Resolve picks the runner executable: override when set, else the first
// existing local build under root, else DefaultExecutable.
func Resolve(root, override string) string {
	if override != "" {
		return override
	}
	candidates := []string{
		filepath.Join(root, "bin", DefaultExecutable),
		filepath.Join(root, "noxpy", "localrunner", DefaultExecutable),
		filepath.Join(filepath.Dir(root), "noxpy", "localrunner", DefaultExecutable),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return DefaultExecutable
}

// #endregion resolve

// #region restart-policy
// RestartPolicy bounds how often a failed request is retried on a fresh process.
type RestartPolicy struct {
	MaxAttempts     int // total attempts per request; 1 disables restarts
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRestartPolicy allows three attempts per request.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxAttempts:     3,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// #endregion restart-policy

// #region supervisor
// Supervisor wraps a Handle and restarts the subprocess when a request fails.
// The request is re-sent on the fresh process. Once attempts are exhausted the
// last error is returned; a failed restart is returned immediately.
type Supervisor struct {
	cfg    Config
	policy RestartPolicy
	start  func(Config) (*Handle, error)

	mu       sync.Mutex
	h        *Handle
	restarts int

	// OnRestart, when set, is called after each successful restart.
	OnRestart func(name string)
}

// NewSupervisor starts the runner. The initial start is not retried.
func NewSupervisor(cfg Config, policy RestartPolicy) (*Supervisor, error) {
	return newSupervisor(cfg, policy, Start)
}

func newSupervisor(cfg Config, policy RestartPolicy, start func(Config) (*Handle, error)) (*Supervisor, error) {
	cfg = cfg.withDefaults()
	h, err := start(cfg)
	if err != nil {
		return nil, err
	}
	return &Supervisor{cfg: cfg, policy: policy, start: start, h: h}, nil
}

// Name returns the runner name.
func (s *Supervisor) Name() string { return s.cfg.Name }

// Restarts reports how many times the subprocess was replaced.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Send forwards to the current process, restarting it between attempts.
func (s *Supervisor) Send(ctx context.Context, prompt string) (string, error) {
	b := backoff.NewExponentialBackOff()
	if s.policy.InitialInterval > 0 {
		b.InitialInterval = s.policy.InitialInterval
	}
	if s.policy.MaxInterval > 0 {
		b.MaxInterval = s.policy.MaxInterval
	}

	op := func() (string, error) {
		h, err := s.current()
		if err != nil {
			return "", backoff.Permanent(err)
		}
		out, err := h.Send(ctx, prompt)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		s.discard(h)
		return "", err
	}
	notify := func(err error, d time.Duration) {
		slog.Warn("runner request failed, restarting", "runner", s.cfg.Name, "err", err, "retry_in", d)
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(1, s.policy.MaxAttempts))),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return "", fmt.Errorf("%s runner failed after %d attempt(s): %w", s.cfg.Name, max(1, s.policy.MaxAttempts), err)
	}
	return out, nil
}

// current returns the live handle, starting a replacement if the last one was discarded.
func (s *Supervisor) current() (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h != nil {
		return s.h, nil
	}
	h, err := s.start(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("restart %s runner: %w", s.cfg.Name, err)
	}
	s.h = h
	s.restarts++
	if s.OnRestart != nil {
		s.OnRestart(s.cfg.Name)
	}
	return h, nil
}

func (s *Supervisor) discard(h *Handle) {
	s.mu.Lock()
	if s.h == h {
		s.h = nil
	}
	s.mu.Unlock()
	h.Close()
}

// NextMetrics reads from the current process's side channel.
func (s *Supervisor) NextMetrics(timeout time.Duration) (signals.Metrics, bool) {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	if h == nil {
		return signals.Metrics{}, false
	}
	return h.NextMetrics(timeout)
}

// Pending reports queued metrics records on the current process.
func (s *Supervisor) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return 0
	}
	return s.h.Pending()
}

// Close tears down the current process.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	h := s.h
	s.h = nil
	s.mu.Unlock()
	if h != nil {
		return h.Close()
	}
	return nil
}

// #endregion supervisor

// #region pair
// Pair is the draft and verify runners of one run.
type Pair struct {
	Draft  *Supervisor
	Verify *Supervisor
}

// StartPair starts both runners concurrently. If either fails the other is
// closed and the first error is returned.
func StartPair(ctx context.Context, draft, verify Config, policy RestartPolicy) (*Pair, error) {
	var p Pair
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := NewSupervisor(draft, policy)
		p.Draft = s
		return err
	})
	g.Go(func() error {
		s, err := NewSupervisor(verify, policy)
		p.Verify = s
		return err
	})
	if err := g.Wait(); err != nil {
		p.Close()
		return nil, err
	}
	return &p, nil
}

// Close tears down both runners concurrently and joins their errors.
func (p *Pair) Close() error {
	sups := []*Supervisor{p.Draft, p.Verify}
	errs := make([]error, len(sups))
	var g errgroup.Group
	for i, s := range sups {
		if s == nil {
			continue
		}
		g.Go(func() error {
			errs[i] = s.Close()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// #endregion pair
