package install_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lfricker/crashcore/pkg/install"
	"github.com/lfricker/crashcore/pkg/monitor"
)

func TestInstall(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Install Suite")
}

var _ = Describe("LoadConfig", func() {
	It("falls back to programmatic defaults when no config file exists", func() {
		cfg, err := install.LoadConfig("")
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.AppName).To(Equal("app"))
		Expect(cfg.MaxReportCount).To(Equal(5))
		Expect(cfg.MonitorMask).To(Equal(monitor.TypeSignal | monitor.TypeUserReported | monitor.TypeAppState))
	})

	It("honors CRASHCORE_* environment overrides", func() {
		t := GinkgoT()
		t.Setenv("CRASHCORE_APP_NAME", "envapp")
		t.Setenv("CRASHCORE_MAX_REPORT_COUNT", "9")
		t.Setenv("CRASHCORE_PRINT_PREVIOUS_LOG", "false")

		cfg, err := install.LoadConfig("")
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.AppName).To(Equal("envapp"))
		Expect(cfg.MaxReportCount).To(Equal(9))
		Expect(cfg.PrintPreviousLog).To(BeFalse())
	})
})

var _ = Describe("Installer", func() {
	var cfg install.Config
	var reportsDir, stateDir string

	BeforeEach(func() {
		reportsDir = GinkgoT().TempDir()
		stateDir = GinkgoT().TempDir()
		cfg = install.Config{
			AppName:          "demo",
			ReportsDir:       reportsDir,
			StateDir:         stateDir,
			MonitorMask:      monitor.TypeUserReported | monitor.TypeAppState,
			MaxReportCount:   5,
			IntrospectMemory: false,
			PrintPreviousLog: false,
		}
	})

	It("writes a standard report for a user-reported capture", func() {
		in, err := install.Install(cfg, nil)
		Expect(err).NotTo(HaveOccurred())

		in.ReportUserEvent("checkpoint", "go", "manual checkpoint")

		entries, err := os.ReadDir(reportsDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Name()).To(ContainSubstring("demo-report-"))

		data, err := os.ReadFile(filepath.Join(reportsDir, entries[0].Name()))
		Expect(err).NotTo(HaveOccurred())

		var parsed map[string]any
		Expect(json.Unmarshal(data, &parsed)).To(Succeed())

		report, ok := parsed["report"].(map[string]any)
		Expect(ok).To(BeTrue())
		Expect(report["type"]).To(Equal("standard"))

		crash, ok := parsed["crash"].(map[string]any)
		Expect(ok).To(BeTrue())
		errBlock, ok := crash["error"].(map[string]any)
		Expect(ok).To(BeTrue())
		Expect(errBlock["type"]).To(Equal("user_reported"))
		Expect(errBlock["name"]).To(Equal("checkpoint"))

		in.Shutdown()
		_, err = os.Stat(filepath.Join(stateDir, "appstate.sentinel"))
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("fixes up a written report's timestamp and returns valid JSON", func() {
		in, err := install.Install(cfg, nil)
		Expect(err).NotTo(HaveOccurred())

		in.ReportUserEvent("checkpoint", "go", "manual checkpoint")

		entries, err := os.ReadDir(reportsDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))

		id := entries[0].Name()
		id = id[len("demo-report-") : len(id)-len(".json")]

		fixed, err := in.FixReport(id)
		Expect(err).NotTo(HaveOccurred())

		var parsed map[string]any
		Expect(json.Unmarshal(fixed, &parsed)).To(Succeed())
		report, ok := parsed["report"].(map[string]any)
		Expect(ok).To(BeTrue())
		ts, ok := report["timestamp"].(string)
		Expect(ok).To(BeTrue())
		Expect(ts).To(HaveSuffix("Z"))
	})

	It("detects an unclean exit via the sentinel file across two installs", func() {
		in1, err := install.Install(cfg, nil)
		Expect(err).NotTo(HaveOccurred())
		// No Shutdown call: simulates a process that exited without
		// removing the sentinel (e.g. killed out from under the runtime).
		in1.Heartbeat()

		in2, err := install.Install(cfg, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(in2.AppState().CrashedLastLaunch).To(BeTrue())
		in2.Shutdown()
	})
})
