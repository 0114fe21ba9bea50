package appstate_test

import (
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lfricker/crashcore/pkg/appstate"
)

func TestAppstate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Appstate Suite")
}

var _ = Describe("Tracker", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	paths := func(dir string) (string, string) {
		return filepath.Join(dir, "state.json"), filepath.Join(dir, "sentinel")
	}

	It("initializes fresh state with launchesSinceLastCrash = 1 on first run", func() {
		statePath, sentinelPath := paths(dir)
		tr, err := appstate.Open(statePath, sentinelPath, nil)
		Expect(err).NotTo(HaveOccurred())

		snap := tr.Snapshot()
		Expect(snap.LaunchesSinceLastCrash).To(Equal(1))
		Expect(snap.CrashedLastLaunch).To(BeFalse())
	})

	It("detects an unclean prior exit via the leftover sentinel file", func() {
		statePath, sentinelPath := paths(dir)

		tr1, err := appstate.Open(statePath, sentinelPath, nil)
		Expect(err).NotTo(HaveOccurred())
		_ = tr1 // simulate a crash: never call StopSentinel

		tr2, err := appstate.Open(statePath, sentinelPath, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(tr2.Snapshot().CrashedLastLaunch).To(BeTrue())
		Expect(tr2.Snapshot().LaunchesSinceLastCrash).To(Equal(1))
	})

	It("does not flag an unclean exit after a clean StopSentinel", func() {
		statePath, sentinelPath := paths(dir)

		tr1, err := appstate.Open(statePath, sentinelPath, nil)
		Expect(err).NotTo(HaveOccurred())
		tr1.NotifyAppTerminate()

		tr2, err := appstate.Open(statePath, sentinelPath, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(tr2.Snapshot().CrashedLastLaunch).To(BeFalse())
		Expect(tr2.Snapshot().LaunchesSinceLastCrash).To(Equal(2))
	})

	It("persists a session count across a foreground->background transition", func() {
		statePath, sentinelPath := paths(dir)
		tr, err := appstate.Open(statePath, sentinelPath, nil)
		Expect(err).NotTo(HaveOccurred())

		tr.NotifyAppInForeground(true)
		tr.NotifyAppInForeground(false)

		Expect(tr.Snapshot().SessionsSinceLastCrash).To(Equal(1))
	})

	It("resets since-last-crash counters after NotifyAppCrash on the next launch", func() {
		statePath, sentinelPath := paths(dir)
		tr, err := appstate.Open(statePath, sentinelPath, nil)
		Expect(err).NotTo(HaveOccurred())
		tr.NotifyAppInForeground(true)
		tr.NotifyAppInForeground(false)
		tr.NotifyAppCrash()

		tr2, err := appstate.Open(statePath, sentinelPath, nil)
		Expect(err).NotTo(HaveOccurred())
		snap := tr2.Snapshot()
		Expect(snap.CrashedLastLaunch).To(BeTrue())
		Expect(snap.SessionsSinceLastCrash).To(Equal(0))
	})
})
