// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

// Package reload_test exercises live reloading of Lua packages end to end:
// a file save seen by the watcher reloads the package inside a running host.
package reload_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
)

func TestReload(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Reload Integration Suite")
}
