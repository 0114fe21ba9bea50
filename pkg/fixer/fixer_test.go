package fixer_test

import (
	"bytes"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lfricker/crashcore/pkg/fixer"
)

func TestFixer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Fixer Suite")
}

type upperDemangler struct{}

func (upperDemangler) Demangle(mangled string) (string, bool) {
	if strings.HasPrefix(mangled, "_Z") {
		return "demangled(" + mangled + ")", true
	}
	return "", false
}

var _ = Describe("Fixer.Fix", func() {
	It("reformats the top-level report timestamp to an ISO-8601 string", func() {
		raw := `{"report":{"version":"3.1.0","timestamp":1700000000},"crash":{}}`
		f := fixer.New(nil, nil)
		out, err := f.Fix(strings.NewReader(raw))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(ContainSubstring(`"timestamp":"2023-11-14T22:13:20Z"`))
		Expect(string(out)).To(ContainSubstring(`"version":"3.1.0"`))
	})

	It("leaves an unrelated integer field untouched", func() {
		raw := `{"report":{"timestamp":1700000000},"process":{"pid":42}}`
		f := fixer.New(nil, nil)
		out, err := f.Fix(strings.NewReader(raw))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(ContainSubstring(`"pid":42`))
	})

	It("demangles every backtrace frame's symbol_name via the wildcard thread/frame path", func() {
		raw := `{"crash":{"threads":[
			{"backtrace":{"contents":[{"symbol_name":"_Zfoo"},{"symbol_name":"_Zbar"}]}},
			{"backtrace":{"contents":[{"symbol_name":"_Zbaz"}]}}
		]}}`
		f := fixer.New([]fixer.Demangler{upperDemangler{}}, nil)
		out, err := f.Fix(strings.NewReader(raw))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(ContainSubstring(`"symbol_name":"demangled(_Zfoo)"`))
		Expect(string(out)).To(ContainSubstring(`"symbol_name":"demangled(_Zbar)"`))
		Expect(string(out)).To(ContainSubstring(`"symbol_name":"demangled(_Zbaz)"`))
	})

	It("falls back to the raw mangled name when no demangler matches", func() {
		raw := `{"crash":{"error":{"cpp_exception":{"name":"weird::symbol"}}}}`
		f := fixer.New([]fixer.Demangler{upperDemangler{}}, nil)
		out, err := f.Fix(strings.NewReader(raw))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(ContainSubstring(`"name":"weird::symbol"`))
	})

	It("demangles the embedded recrash_report's cpp_exception name", func() {
		raw := `{"recrash_report":{"crash":{"error":{"cpp_exception":{"name":"_Zold"}}}}}`
		f := fixer.New([]fixer.Demangler{upperDemangler{}}, nil)
		out, err := f.Fix(strings.NewReader(raw))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(ContainSubstring(`"name":"demangled(_Zold)"`))
	})

	It("does not touch a symbol_name-shaped field outside the matched path", func() {
		raw := `{"user":{"symbol_name":"_Znotmatched"}}`
		f := fixer.New([]fixer.Demangler{upperDemangler{}}, nil)
		out, err := f.Fix(strings.NewReader(raw))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(ContainSubstring(`"symbol_name":"_Znotmatched"`))
	})
})

var _ = Describe("PrintPreviousLog", func() {
	It("banners a clean exit in green and echoes the console log", func() {
		var buf bytes.Buffer
		fixer.PrintPreviousLog(&buf, false, "line one\nline two")
		out := buf.String()
		Expect(out).To(ContainSubstring("clean exit"))
		Expect(out).To(ContainSubstring("line one"))
		Expect(out).To(ContainSubstring("line two"))
	})

	It("banners a crashed previous launch and skips the log section when empty", func() {
		var buf bytes.Buffer
		fixer.PrintPreviousLog(&buf, true, "")
		out := buf.String()
		Expect(out).To(ContainSubstring("crashed"))
		Expect(out).NotTo(ContainSubstring("previous console log"))
	})
})
