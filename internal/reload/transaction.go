// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package reload

import (
	"context"
	"log/slog"

	"github.com/samber/oops"

	"github.com/holomush/reloader/internal/logging"
	"github.com/holomush/reloader/internal/module"
)

// Transaction forces a fresh execution of a fixed set of modules and
// guarantees the registry is restored if the reload fails.
//
// Modules in the set stay registered under their old objects until they are
// re-executed, so readers never observe a missing entry. The first import of
// a pending name re-executes its source; later imports return the new object.
// A Transaction is used from a single goroutine.
type Transaction struct {
	registry  *module.Registry
	loader    module.Loader
	diag      *logging.Diag
	pending   map[string]bool
	original  map[string]module.Module
	executing map[string]bool
	touched   []string
}

// TxOption configures a Transaction.
type TxOption func(*Transaction)

// WithTrace prints each module as it is re-executed.
func WithTrace(d *logging.Diag) TxOption {
	return func(tx *Transaction) {
		tx.diag = d
	}
}

// NewTransaction prepares a transaction over mods. Nothing changes in reg
// until Run is called.
func NewTransaction(reg *module.Registry, loader module.Loader, mods []module.Module, opts ...TxOption) *Transaction {
	tx := &Transaction{
		registry:  reg,
		loader:    loader,
		pending:   make(map[string]bool, len(mods)),
		original:  make(map[string]module.Module, len(mods)),
		executing: make(map[string]bool),
	}
	for _, m := range mods {
		tx.pending[m.Name()] = true
		if current, ok := reg.Get(m.Name()); ok {
			tx.original[m.Name()] = current
		}
	}
	for _, opt := range opts {
		opt(tx)
	}
	return tx
}

// WithTransaction runs fn in a new transaction over mods.
func WithTransaction(ctx context.Context, reg *module.Registry, loader module.Loader, mods []module.Module, fn func(ctx context.Context, tx *Transaction) error) error {
	return NewTransaction(reg, loader, mods).Run(ctx, fn)
}

// Run calls fn inside the transaction. If fn returns an error or panics,
// every module installed by the transaction is replaced by its original
// object, or removed if it had none, before the error or panic propagates.
func (tx *Transaction) Run(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) error {
	committed := false
	defer func() {
		if !committed {
			tx.rollback(ctx)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	committed = true
	return nil
}

// Reload re-executes m if it is still pending and returns the module now
// registered under its name.
func (tx *Transaction) Reload(ctx context.Context, m module.Module) (module.Module, error) {
	name := m.Name()
	if tx.pending[name] {
		return tx.exec(ctx, name)
	}
	if current, ok := tx.registry.Get(name); ok {
		return current, nil
	}
	return m, nil
}

// Import implements module.Importer for nested imports made while a module
// executes inside the transaction.
func (tx *Transaction) Import(ctx context.Context, name string) (module.Module, error) {
	if tx.executing[name] {
		return nil, oops.In("reload").Code("IMPORT_CYCLE").With("module", name).Errorf("import cycle through %s", name)
	}
	if tx.pending[name] {
		return tx.exec(ctx, name)
	}
	if m, ok := tx.registry.Get(name); ok {
		return m, nil
	}
	return tx.exec(ctx, name)
}

// Reloaded returns the names installed by the transaction, in order.
func (tx *Transaction) Reloaded() []string {
	return append([]string(nil), tx.touched...)
}

// Pending reports whether name still awaits re-execution.
func (tx *Transaction) Pending(name string) bool {
	return tx.pending[name]
}

func (tx *Transaction) exec(ctx context.Context, name string) (module.Module, error) {
	delete(tx.pending, name)
	tx.executing[name] = true
	defer delete(tx.executing, name)

	tx.diag.Print([]any{"reloading", name})

	m, err := tx.loader.Exec(ctx, name, tx)
	if err != nil {
		return nil, err
	}

	tx.registry.Set(m)
	tx.touched = append(tx.touched, name)
	return m, nil
}

func (tx *Transaction) rollback(ctx context.Context) {
	for i := len(tx.touched) - 1; i >= 0; i-- {
		name := tx.touched[i]
		if orig, ok := tx.original[name]; ok {
			tx.registry.Set(orig)
		} else {
			tx.registry.Delete(name)
		}
	}
	if len(tx.touched) > 0 {
		slog.WarnContext(ctx, "reload rolled back",
			"modules", tx.touched)
	}
	tx.touched = nil
}
