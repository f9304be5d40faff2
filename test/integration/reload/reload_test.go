// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package reload_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/holomush/reloader/internal/discovery"
	luahost "github.com/holomush/reloader/internal/lua"
	"github.com/holomush/reloader/internal/module"
	"github.com/holomush/reloader/internal/observability"
	"github.com/holomush/reloader/internal/pkgconfig"
	"github.com/holomush/reloader/internal/reload"
	"github.com/holomush/reloader/internal/watcher"
)

const helpersV1 = `return { greeting = "hello" }`

const loaderSrc = `
local helpers = require("demo.util.helpers")
commands = {
  greet = function(name) return helpers.greeting .. ", " .. name end,
}
`

const appSrc = `
local helpers = require("demo.util.helpers")
commands = {
  welcome = function() return "app says " .. helpers.greeting end,
}
`

type session struct {
	roots   discovery.Roots
	reg     *module.Registry
	host    *luahost.Host
	metrics *observability.Metrics
	cancel  context.CancelFunc
	done    chan struct{}
}

func writeFile(root, rel, code string) {
	path := filepath.Join(root, filepath.FromSlash(rel))
	Expect(os.MkdirAll(filepath.Dir(path), 0o750)).To(Succeed())
	Expect(os.WriteFile(path, []byte(code), 0o600)).To(Succeed())
}

// start boots a host over the packages in roots and runs its plugin watch
// and the reload-on-save watcher until the session is stopped.
func start(roots discovery.Roots) *session {
	reg := module.NewRegistry()
	host, err := luahost.NewHost(reg, roots)
	Expect(err).NotTo(HaveOccurred())

	ctx, cancel := context.WithCancel(context.Background())
	Expect(host.Boot(ctx)).To(Succeed())

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	store := pkgconfig.NewStore(roots)
	r := reload.New(reg, host, host,
		reload.WithSettings(store),
		reload.WithMetrics(metrics),
		reload.WithRefreshOptions(reload.RefreshOptions{
			Interval: 10 * time.Millisecond,
			MaxTries: 200,
			Timeout:  5 * time.Second,
		}))

	w, err := watcher.New(watcher.Config{
		PackagesPath: roots.Packages,
		SourceExt:    luahost.SourceExt,
		Exclude:      []string{"**.tmp"},
		Debounce:     50 * time.Millisecond,
		OnChange: func(ctx context.Context, pkg string, _ []string) error {
			store.Invalidate(pkg)
			return r.ReloadPackage(ctx, pkg, reload.WithVerbose(false))
		},
	})
	Expect(err).NotTo(HaveOccurred())

	s := &session{roots: roots, reg: reg, host: host, metrics: metrics, cancel: cancel, done: make(chan struct{})}
	watchErr, err := host.StartWatch(ctx)
	Expect(err).NotTo(HaveOccurred())
	go func() {
		defer GinkgoRecover()
		defer close(s.done)
		Expect(w.Run(ctx)).To(Succeed())
		Expect(<-watchErr).To(Succeed())
	}()
	return s
}

func (s *session) stop() {
	s.cancel()
	Eventually(s.done).WithTimeout(5 * time.Second).Should(BeClosed())
	s.host.Close()
}

func (s *session) run(cmd string, args ...string) func() (string, error) {
	return func() (string, error) {
		return s.host.Run(context.Background(), cmd, args...)
	}
}

var _ = Describe("Reloading packages on save", func() {
	var (
		roots discovery.Roots
		s     *session
	)

	BeforeEach(func() {
		base := GinkgoT().TempDir()
		roots = discovery.Roots{
			Installed: filepath.Join(base, "Installed Packages"),
			Packages:  filepath.Join(base, "Packages"),
		}
		Expect(os.MkdirAll(roots.Installed, 0o750)).To(Succeed())
		writeFile(roots.Packages, "demo/loader.lua", loaderSrc)
		writeFile(roots.Packages, "demo/util/helpers.lua", helpersV1)
		writeFile(roots.Packages, "app/main.lua", appSrc)
		s = start(roots)
	})

	AfterEach(func() {
		s.stop()
	})

	It("picks up an edited helper in the plugin and in dependent packages", func() {
		Expect(s.run("greet", "bob")()).To(Equal("hello, bob"))
		Expect(s.run("welcome")()).To(Equal("app says hello"))

		writeFile(roots.Packages, "demo/util/helpers.lua", `return { greeting = "howdy" }`)

		Eventually(s.run("greet", "bob")).WithTimeout(10 * time.Second).Should(Equal("howdy, bob"))
		Eventually(s.run("welcome")).WithTimeout(10 * time.Second).Should(Equal("app says howdy"))
		Eventually(func() float64 {
			return testutil.ToFloat64(s.metrics.RefreshTotal.WithLabelValues(observability.RefreshCompleted))
		}).WithTimeout(10 * time.Second).Should(BeNumerically(">=", 1))
	})

	It("keeps the old code running when an edit does not compile", func() {
		writeFile(roots.Packages, "demo/util/helpers.lua", `return {`)

		Eventually(func() float64 {
			return testutil.ToFloat64(s.metrics.ReloadsTotal.WithLabelValues(observability.ResultFailed))
		}).WithTimeout(10 * time.Second).Should(BeNumerically(">=", 1))
		Expect(s.run("greet", "bob")()).To(Equal("hello, bob"))
		Expect(s.host.IsLoaded("demo.loader")).To(BeTrue())
	})

	It("honours excludes declared in the package manifest", func() {
		writeFile(roots.Packages, "demo/package.yaml", "name: demo\nexclude:\n  - demo.util.**\n")
		Eventually(func() float64 {
			return testutil.ToFloat64(s.metrics.ReloadsTotal.WithLabelValues(observability.ResultOK))
		}).WithTimeout(10 * time.Second).Should(BeNumerically(">=", 1))
		old, ok := s.reg.Get("demo.util.helpers")
		Expect(ok).To(BeTrue())

		writeFile(roots.Packages, "demo/loader.lua", loaderSrc+"\n-- touched\n")

		Eventually(func() float64 {
			return testutil.ToFloat64(s.metrics.ReloadsTotal.WithLabelValues(observability.ResultOK))
		}).WithTimeout(10 * time.Second).Should(BeNumerically(">=", 2))
		current, _ := s.reg.Get("demo.util.helpers")
		Expect(current).To(BeIdenticalTo(old))
	})

	It("loads plugins added while running", func() {
		writeFile(roots.Packages, "extra/main.lua", `commands = { extra = function() return "extra" end }`)

		Eventually(s.run("extra")).WithTimeout(10 * time.Second).Should(Equal("extra"))
	})
})
