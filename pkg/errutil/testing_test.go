// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package errutil_test

import (
	"errors"
	"testing"

	"github.com/samber/oops"

	"github.com/holomush/reloader/pkg/errutil"
)

func TestAssertErrorCode_InnermostCode(t *testing.T) {
	inner := oops.In("lua").Code("LUA_ERROR").Errorf("syntax error")
	err := oops.In("reload").Wrap(inner)
	errutil.AssertErrorCode(t, err, "LUA_ERROR")
}

func TestAssertErrorDomain(t *testing.T) {
	err := oops.In("watcher").Wrap(errors.New("closed"))
	errutil.AssertErrorDomain(t, err, "watcher")
}

func TestAssertErrorContext_MergesLayers(t *testing.T) {
	inner := oops.With("module", "demo.loader").Errorf("hook failed")
	err := oops.With("package", "demo").Wrap(inner)
	errutil.AssertErrorContext(t, err, "module", "demo.loader")
	errutil.AssertErrorContext(t, err, "package", "demo")
}
