// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package reload

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/reloader/internal/discovery"
	"github.com/holomush/reloader/internal/logging"
	"github.com/holomush/reloader/internal/module"
	"github.com/holomush/reloader/internal/observability"
	"github.com/holomush/reloader/internal/resolver"
	"github.com/holomush/reloader/pkg/errutil"
)

var tracer = otel.Tracer("reloader/reload")

// Reloader reloads packages in a live module registry.
//
// Reloader does not serialize calls: overlapping reloads must be serialized
// by the caller.
type Reloader struct {
	registry *module.Registry
	host     Host
	loader   module.Loader
	settings Settings
	diag     *logging.Diag
	metrics  *observability.Metrics
	refresh  RefreshOptions
}

// Option configures a Reloader.
type Option func(*Reloader)

// WithSettings sets the per-package settings reader. Without it no package
// declares dependencies or excludes.
func WithSettings(s Settings) Option {
	return func(r *Reloader) {
		r.settings = s
	}
}

// WithDiag sets the diagnostic sink used in verbose mode.
func WithDiag(d *logging.Diag) Option {
	return func(r *Reloader) {
		r.diag = d
	}
}

// WithMetrics records reload metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reloader) {
		r.metrics = m
	}
}

// WithRefreshOptions overrides the dummy refresh bounds.
func WithRefreshOptions(o RefreshOptions) Option {
	return func(r *Reloader) {
		r.refresh = o
	}
}

// New creates a reloader over reg. loader re-executes module source and host
// receives the plugin lifecycle calls.
func New(reg *module.Registry, host Host, loader module.Loader, opts ...Option) *Reloader {
	r := &Reloader{
		registry: reg,
		host:     host,
		loader:   loader,
		settings: noSettings{},
		refresh:  DefaultRefreshOptions(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReloadOption configures a single ReloadPackage call.
type ReloadOption func(*reloadOptions)

type reloadOptions struct {
	dummy   bool
	verbose bool
}

// WithDummy enables or disables the dummy refresh after the reload.
// Enabled by default.
func WithDummy(enabled bool) ReloadOption {
	return func(o *reloadOptions) {
		o.dummy = enabled
	}
}

// WithVerbose enables or disables diagnostic output. Enabled by default.
func WithVerbose(enabled bool) ReloadOption {
	return func(o *reloadOptions) {
		o.verbose = enabled
	}
}

// Plan is the set of modules a reload of one package touches.
type Plan struct {
	Target     string
	Packages   []string
	Dependents []string
	Plugins    []module.Module
	Modules    []module.Module
}

// Plan computes the reload scope of pkg: the package, its declared
// dependencies and every loaded package depending on any of them.
// Modules are ordered by dotted name.
func (r *Reloader) Plan(pkg string) Plan {
	scope := []string{pkg}
	for _, dep := range r.settings.Strings(pkg, KeyDependencies, nil) {
		if !slices.Contains(scope, dep) {
			scope = append(scope, dep)
		}
	}

	dependents := resolver.ResolveAll(r.registry, scope)
	for _, p := range scope {
		delete(dependents, p)
	}
	parents := resolver.Sorted(dependents)

	packages := append(slices.Clone(scope), parents...)
	excluded := r.excludes(pkg)

	plan := Plan{
		Target:     pkg,
		Packages:   packages,
		Dependents: parents,
	}
	for _, c := range discovery.Collect(discovery.PackageModules(r.registry, rootsOf(r.host), packages)) {
		if excluded(c.Module.Name()) {
			continue
		}
		if c.IsPlugin {
			plan.Plugins = append(plan.Plugins, c.Module)
		}
		plan.Modules = append(plan.Modules, c.Module)
	}
	return plan
}

func (r *Reloader) excludes(pkg string) func(string) bool {
	patterns := r.settings.Strings(pkg, KeyExclude, nil)
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '.')
		if err != nil {
			slog.Warn("ignoring invalid exclude pattern",
				"package", pkg,
				"pattern", p,
				"error", err)
			continue
		}
		globs = append(globs, g)
	}
	return func(name string) bool {
		for _, g := range globs {
			if g.Match(name) {
				return true
			}
		}
		return false
	}
}

// ReloadPackage unloads, re-executes and reloads pkg together with its
// declared dependencies and its dependents.
//
// If pkg is not loaded a diagnostic is printed and nil is returned. If a
// module fails to execute, the registry is left exactly as it was, the
// original plugins are loaded again and the error is returned. A panic is
// handled the same way before it propagates. Load hook failures after a
// successful reload are returned joined; the reloaded modules stay
// installed.
func (r *Reloader) ReloadPackage(ctx context.Context, pkg string, opts ...ReloadOption) (err error) {
	o := reloadOptions{dummy: true, verbose: true}
	for _, opt := range opts {
		opt(&o)
	}

	var diag *logging.Diag
	if o.verbose {
		diag = r.diag
	}

	if !r.registry.Has(pkg) {
		diag.Print([]any{"error:", pkg, "is not loaded."})
		slog.InfoContext(ctx, "package not loaded", "package", pkg)
		r.metrics.RecordReload(observability.ResultNotLoaded, 0)
		return nil
	}

	ctx = logging.WithRunID(ctx, ulid.Make().String())
	ctx, span := tracer.Start(ctx, "reload.package",
		trace.WithAttributes(attribute.String("reload.package", pkg)))
	start := time.Now()
	defer func() {
		result := observability.ResultOK
		if err != nil {
			result = observability.ResultFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		r.metrics.RecordReload(result, time.Since(start))
		span.End()
	}()

	diag.Print([]any{"begin"}, logging.WithFill('='))

	plan := r.Plan(pkg)
	span.SetAttributes(
		attribute.StringSlice("reload.packages", plan.Packages),
		attribute.Int("reload.plugins", len(plan.Plugins)),
		attribute.Int("reload.modules", len(plan.Modules)),
	)
	slog.InfoContext(ctx, "reloading package",
		"package", pkg,
		"packages", plan.Packages,
		"plugins", len(plan.Plugins),
		"modules", len(plan.Modules))

	r.unloadPlugins(ctx, plan.Plugins)
	defer func() {
		if p := recover(); p != nil {
			r.restorePlugins(ctx, plan.Plugins)
			err = oops.In("reload").Code("RELOAD_FAILED").With("package", pkg).Errorf("reload panicked: %v", p)
			panic(p)
		}
	}()

	var loadErrs []error
	tx := NewTransaction(r.registry, r.loader, plan.Modules, WithTrace(diag))
	err = tx.Run(ctx, func(ctx context.Context, tx *Transaction) error {
		ctx, txSpan := tracer.Start(ctx, "reload.transaction")
		defer txSpan.End()

		if len(plan.Plugins) == 0 {
			// Nothing imports a pure dependency package, so reload it directly.
			return reloadAll(ctx, tx, plan.Modules)
		}

		// Only top-level plugins are reloaded, mirroring the host's load
		// order; their imports pull the nested modules in.
		if err := reloadAll(ctx, tx, plan.Plugins); err != nil {
			return err
		}
		loadErrs = r.loadPlugins(ctx, plan.Plugins)
		return nil
	})
	if err != nil {
		r.restorePlugins(ctx, plan.Plugins)
		return oops.In("reload").Code("RELOAD_FAILED").With("package", pkg).Wrap(err)
	}
	r.metrics.RecordModules(pkg, len(tx.Reloaded()))

	if o.dummy {
		r.runRefresh(ctx, diag)
	}

	diag.Print([]any{"end"}, logging.WithFill('-'))
	return errors.Join(loadErrs...)
}

func reloadAll(ctx context.Context, tx *Transaction, mods []module.Module) error {
	for _, m := range mods {
		if _, err := tx.Reload(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reloader) unloadPlugins(ctx context.Context, plugins []module.Module) {
	ctx, span := tracer.Start(ctx, "reload.unload")
	defer span.End()

	for _, m := range plugins {
		if err := r.host.UnloadModule(ctx, m); err != nil {
			errutil.LogErrorContext(ctx, slog.Default(), "unload hook failed",
				oops.In("reload").With("module", m.Name()).Wrap(err))
		}
	}
}

// loadPlugins resolves each plugin to the object now registered under its
// name before handing it to the host.
func (r *Reloader) loadPlugins(ctx context.Context, plugins []module.Module) []error {
	ctx, span := tracer.Start(ctx, "reload.load")
	defer span.End()

	var errs []error
	for _, m := range plugins {
		current, ok := r.registry.Get(m.Name())
		if !ok {
			current = m
		}
		if err := r.host.LoadModule(ctx, current); err != nil {
			errs = append(errs, oops.In("reload").Code("LOAD_HOOK_FAILED").With("module", m.Name()).Wrap(err))
		}
	}
	return errs
}

// restorePlugins hands the plugins back to the host after the transaction
// put the original objects back in the registry.
func (r *Reloader) restorePlugins(ctx context.Context, plugins []module.Module) {
	for _, lerr := range r.loadPlugins(ctx, plugins) {
		errutil.LogErrorContext(ctx, slog.Default(), "restoring plugin failed", lerr)
	}
}

func (r *Reloader) runRefresh(ctx context.Context, diag *logging.Diag) {
	ctx, span := tracer.Start(ctx, "reload.refresh")
	defer span.End()

	handle := StartRefresh(ctx, r.host, r.refresh, diag, r.metrics)
	if !handle.Wait(ctx) {
		slog.DebugContext(ctx, "dummy refresh did not complete",
			"module", handle.Layout().Module,
			"outcome", handle.Outcome())
	}
}
