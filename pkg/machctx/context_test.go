package machctx_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sys/unix"

	"github.com/lfricker/crashcore/pkg/machctx"
)

func currentTID() int {
	return unix.Gettid()
}

func TestMachctx(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Machctx Suite")
}

var _ = Describe("GetContextForThread", func() {
	It("marks the calling thread as current", func() {
		var ctx machctx.Context
		err := machctx.GetContextForThread(int32(currentTID()), &ctx, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(ctx.IsCurrentThread).To(BeTrue())
		Expect(ctx.IsCrashedContext).To(BeFalse())
	})

	It("enumerates threads when isCrashed is true", func() {
		var ctx machctx.Context
		err := machctx.GetContextForThread(int32(currentTID()), &ctx, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(ctx.AllThreads).NotTo(BeEmpty())
		Expect(len(ctx.AllThreads)).To(BeNumerically("<=", machctx.MaxThreads))
	})
})

var _ = Describe("CanHaveCPUState", func() {
	It("is true for the current thread", func() {
		ctx := &machctx.Context{IsCurrentThread: true}
		Expect(machctx.CanHaveCPUState(ctx)).To(BeTrue())
	})

	It("is true for a signal-context capture", func() {
		ctx := &machctx.Context{IsSignalContext: true}
		Expect(machctx.CanHaveCPUState(ctx)).To(BeTrue())
	})

	It("is false for an unreached peer thread", func() {
		ctx := &machctx.Context{}
		Expect(machctx.CanHaveCPUState(ctx)).To(BeFalse())
	})
})

var _ = Describe("SuspendEnvironment / ResumeEnvironment", func() {
	It("is idempotent when called back to back", func() {
		_ = machctx.SuspendEnvironment()
		machctx.ResumeEnvironment()
		_ = machctx.SuspendEnvironment()
		machctx.ResumeEnvironment()
	})
})
