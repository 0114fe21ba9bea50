package introspect_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lfricker/crashcore/pkg/introspect"
)

func TestIntrospect(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Introspect Suite")
}

type widget struct {
	Name  string
	Count int
	Next  *widget
}

var _ = Describe("GoRuntimeIntrospector", func() {
	var ins *introspect.GoRuntimeIntrospector

	BeforeEach(func() {
		ins = introspect.NewGoRuntimeIntrospector(nil)
	})

	It("classifies an untracked address as NotAnObject", func() {
		obj := ins.Classify(0xdeadbeef)
		Expect(obj.Class).To(Equal(introspect.NotAnObject))
	})

	It("classifies a tracked string", func() {
		s := "hello world"
		addr := uintptr(1)
		ins.Track(addr, s)

		obj := ins.Classify(addr)
		Expect(obj.Class).To(Equal(introspect.String))
		Expect(obj.StringValue).To(Equal("hello world"))
	})

	It("classifies a tracked time.Time as Date", func() {
		now := time.Unix(1700000000, 0)
		addr := uintptr(2)
		ins.Track(addr, now)

		obj := ins.Classify(addr)
		Expect(obj.Class).To(Equal(introspect.Date))
		Expect(obj.DateValue).To(Equal(int64(1700000000)))
	})

	It("classifies a tracked numeric value", func() {
		addr := uintptr(3)
		ins.Track(addr, 42)

		obj := ins.Classify(addr)
		Expect(obj.Class).To(Equal(introspect.Number))
		Expect(obj.NumberValue).To(Equal(float64(42)))
	})

	It("enumerates struct fields up to the budget, typing pointers separately", func() {
		w := &widget{Name: "root", Count: 7}
		addr := uintptr(4)
		ins.Track(addr, w)

		obj := ins.Classify(addr)
		Expect(obj.Class).To(Equal(introspect.UnknownRuntimeObject))

		var foundCount, foundNext bool
		for _, f := range obj.Fields {
			if f.Name == "Count" {
				foundCount = true
				Expect(f.TypeTag).To(Equal(byte('i')))
				Expect(f.Int).To(Equal(int64(7)))
			}
			if f.Name == "Next" {
				foundNext = true
				Expect(f.TypeTag).To(Equal(byte('p')))
			}
		}
		Expect(foundCount).To(BeTrue())
		Expect(foundNext).To(BeTrue())
	})

	It("truncates long strings to 200 bytes", func() {
		long := make([]byte, 500)
		for i := range long {
			long[i] = 'x'
		}
		addr := uintptr(5)
		ins.Track(addr, string(long))

		obj := ins.Classify(addr)
		Expect(len(obj.StringValue)).To(Equal(200))
	})
})

var _ = Describe("ShouldIntrospect", func() {
	It("matches an exact class name", func() {
		ins := introspect.NewGoRuntimeIntrospector([]string{"SensitiveType"})
		Expect(ins.ShouldIntrospect("SensitiveType")).To(BeFalse())
		Expect(ins.ShouldIntrospect("OtherType")).To(BeTrue())
	})

	It("matches a trailing-glob pattern", func() {
		ins := introspect.NewGoRuntimeIntrospector([]string{"internal.secret.*"})
		Expect(ins.ShouldIntrospect("internal.secret.Token")).To(BeFalse())
		Expect(ins.ShouldIntrospect("internal.other.Token")).To(BeTrue())
	})
})

var _ = Describe("NopIntrospector", func() {
	It("always reports NotAnObject and allows introspection", func() {
		var n introspect.NopIntrospector
		Expect(n.Classify(123).Class).To(Equal(introspect.NotAnObject))
		Expect(n.ShouldIntrospect("anything")).To(BeTrue())
	})
})
