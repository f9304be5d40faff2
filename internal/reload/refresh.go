// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package reload

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sethvargo/go-retry"

	"github.com/holomush/reloader/internal/logging"
	"github.com/holomush/reloader/internal/observability"
)

// Runtimes from this version on always load the User package, so the dummy
// module lives there; older runtimes only scan the packages root.
var userPackageRuntime = semver.MustParse("3.8.0")

var errNotYet = errors.New("host has not caught up")

// RefreshOptions bounds the dummy refresh.
type RefreshOptions struct {
	Interval time.Duration
	MaxTries uint64
	Timeout  time.Duration
}

// DefaultRefreshOptions polls every 100ms, at most 300 times per phase, and
// gives up after 30 seconds overall.
func DefaultRefreshOptions() RefreshOptions {
	return RefreshOptions{
		Interval: 100 * time.Millisecond,
		MaxTries: 300,
		Timeout:  30 * time.Second,
	}
}

// DummyLayout is where the throwaway module is written and the name the host
// registers it under.
type DummyLayout struct {
	Module string
	Path   string
}

// DummyFor selects the dummy layout for the host's runtime version.
// Unparseable versions get the legacy layout.
func DummyFor(h Host) DummyLayout {
	file := "_dummy" + h.SourceExt()

	v, err := semver.NewVersion(h.Version())
	if err == nil && !v.LessThan(userPackageRuntime) {
		return DummyLayout{
			Module: "User._dummy",
			Path:   filepath.Join(h.PackagesPath(), "User", file),
		}
	}
	if err != nil {
		slog.Debug("unparseable host version, using legacy dummy layout",
			"version", h.Version(),
			"error", err)
	}
	return DummyLayout{
		Module: "_dummy",
		Path:   filepath.Join(h.PackagesPath(), file),
	}
}

// RefreshHandle tracks a running dummy refresh.
type RefreshHandle struct {
	layout  DummyLayout
	done    chan struct{}
	cancel  context.CancelFunc
	mu      sync.Mutex
	outcome string
}

// StartRefresh writes a throwaway module where the host watches, waits for
// the host to load it, deletes it and waits for the host to unload it.
// Loading any new module makes the host rescan its plugin registry, which
// also picks up classes registered by a silent reload.
//
// The refresh is best effort: if the host never reacts the file is removed
// and the handle completes with a timed-out outcome.
func StartRefresh(ctx context.Context, h Host, opts RefreshOptions, diag *logging.Diag, metrics *observability.Metrics) *RefreshHandle {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	handle := &RefreshHandle{
		layout: DummyFor(h),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(handle.done)
		defer cancel()

		outcome := handle.run(ctx, h, opts, diag)
		handle.mu.Lock()
		handle.outcome = outcome
		handle.mu.Unlock()
		metrics.RecordRefresh(outcome)
	}()

	return handle
}

func (r *RefreshHandle) run(ctx context.Context, h Host, opts RefreshOptions, diag *logging.Diag) string {
	diag.Print([]any{"installing dummy package"})

	if err := os.MkdirAll(filepath.Dir(r.layout.Path), 0o750); err != nil {
		slog.WarnContext(ctx, "cannot create dummy directory", "path", r.layout.Path, "error", err)
		return observability.RefreshTimedOut
	}
	if err := os.WriteFile(r.layout.Path, nil, 0o600); err != nil {
		slog.WarnContext(ctx, "cannot write dummy module", "path", r.layout.Path, "error", err)
		return observability.RefreshTimedOut
	}

	if err := poll(ctx, opts, func() bool { return h.IsLoaded(r.layout.Module) }); err != nil {
		removeDummy(r.layout.Path)
		slog.DebugContext(ctx, "host did not load dummy module",
			"module", r.layout.Module,
			"error", err)
		return outcomeOf(ctx)
	}

	diag.Print([]any{"removing dummy package"})
	removeDummy(r.layout.Path)

	if err := poll(ctx, opts, func() bool { return !h.IsLoaded(r.layout.Module) }); err != nil {
		slog.DebugContext(ctx, "host did not unload dummy module",
			"module", r.layout.Module,
			"error", err)
		return outcomeOf(ctx)
	}
	return observability.RefreshCompleted
}

func poll(ctx context.Context, opts RefreshOptions, ready func() bool) error {
	b := retry.WithMaxRetries(opts.MaxTries, retry.NewConstant(opts.Interval))
	//nolint:wrapcheck // callers only log the error
	return retry.Do(ctx, b, func(_ context.Context) error {
		if ready() {
			return nil
		}
		return retry.RetryableError(errNotYet)
	})
}

func outcomeOf(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.Canceled) {
		return observability.RefreshCancelled
	}
	return observability.RefreshTimedOut
}

func removeDummy(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("cannot remove dummy module", "path", path, "error", err)
	}
}

// Layout returns where the dummy module was written.
func (r *RefreshHandle) Layout() DummyLayout {
	return r.layout
}

// Done is closed when the refresh has finished, whatever the outcome.
func (r *RefreshHandle) Done() <-chan struct{} {
	return r.done
}

// Cancel stops the refresh early. The dummy file is still removed.
func (r *RefreshHandle) Cancel() {
	r.cancel()
}

// Wait blocks until the refresh finishes or ctx is done and reports whether
// the host loaded and unloaded the dummy module.
func (r *RefreshHandle) Wait(ctx context.Context) bool {
	select {
	case <-r.done:
		return r.Outcome() == observability.RefreshCompleted
	case <-ctx.Done():
		return false
	}
}

// Outcome returns the refresh outcome, or "" while it is still running.
func (r *RefreshHandle) Outcome() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}
