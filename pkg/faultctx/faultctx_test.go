package faultctx_test

import (
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lfricker/crashcore/pkg/faultctx"
)

func TestFaultctx(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Faultctx Suite")
}

var _ = Describe("Kind", func() {
	It("tests flag membership with Has", func() {
		k := faultctx.KindSignal | faultctx.KindAppStateSnapshot
		Expect(k.Has(faultctx.KindSignal)).To(BeTrue())
		Expect(k.Has(faultctx.KindAppStateSnapshot)).To(BeTrue())
		Expect(k.Has(faultctx.KindMachException)).To(BeFalse())
	})
})

var _ = Describe("New", func() {
	It("stamps a fresh 36-character lowercase event id", func() {
		fc := faultctx.New(faultctx.KindUserReported)
		Expect(fc.Kind).To(Equal(faultctx.KindUserReported))
		Expect(fc.EventID).To(HaveLen(36))
		Expect(fc.EventID).To(Equal(strings.ToLower(fc.EventID)))
	})

	It("stamps a distinct id on every call", func() {
		a := faultctx.New(faultctx.KindSignal)
		b := faultctx.New(faultctx.KindSignal)
		Expect(a.EventID).NotTo(Equal(b.EventID))
	})
})
