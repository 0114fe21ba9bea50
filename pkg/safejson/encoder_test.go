package safejson_test

import (
	"encoding/json"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lfricker/crashcore/pkg/safejson"
)

func TestSafejson(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Safejson Suite")
}

func collect(fn func(*safejson.Encoder)) (string, bool) {
	var out []byte
	e := safejson.New(func(b []byte) bool {
		out = append(out, b...)
		return true
	})
	fn(e)
	return string(out), !e.Failed()
}

var _ = Describe("Encoder", func() {
	It("emits a flat object with mixed element types", func() {
		out, ok := collect(func(e *safejson.Encoder) {
			e.BeginObject("")
			e.AddString("name", "foo")
			e.AddInteger("count", 42)
			e.AddBool("active", true)
			e.AddNull("missing")
			e.EndObject()
		})
		Expect(ok).To(BeTrue())

		var decoded map[string]any
		Expect(json.Unmarshal([]byte(out), &decoded)).To(Succeed())
		Expect(decoded["name"]).To(Equal("foo"))
		Expect(decoded["count"]).To(Equal(float64(42)))
		Expect(decoded["active"]).To(Equal(true))
		Expect(decoded["missing"]).To(BeNil())
	})

	It("nests objects and arrays with correct commas", func() {
		out, ok := collect(func(e *safejson.Encoder) {
			e.BeginObject("")
			e.BeginArray("items")
			e.BeginObject("")
			e.AddInteger("a", 1)
			e.EndObject()
			e.BeginObject("")
			e.AddInteger("a", 2)
			e.EndObject()
			e.EndArray()
			e.EndObject()
		})
		Expect(ok).To(BeTrue())
		Expect(json.Valid([]byte(out))).To(BeTrue())

		var decoded struct {
			Items []struct{ A int } `json:"items"`
		}
		Expect(json.Unmarshal([]byte(out), &decoded)).To(Succeed())
		Expect(decoded.Items).To(HaveLen(2))
		Expect(decoded.Items[1].A).To(Equal(2))
	})

	It("formats floats with a locale-independent decimal point", func() {
		out, _ := collect(func(e *safejson.Encoder) {
			e.BeginObject("")
			e.AddDouble("pi", 3.5)
			e.EndObject()
		})
		Expect(out).To(ContainSubstring(`"pi":3.5`))
	})

	It("escapes control characters and quotes in strings", func() {
		out, _ := collect(func(e *safejson.Encoder) {
			e.BeginObject("")
			e.AddString("s", "line1\nline2\t\"quoted\"")
			e.EndObject()
		})
		Expect(json.Valid([]byte(out))).To(BeTrue())
		var decoded map[string]string
		Expect(json.Unmarshal([]byte(out), &decoded)).To(Succeed())
		Expect(decoded["s"]).To(Equal("line1\nline2\t\"quoted\""))
	})

	It("emits binary data as uppercase hex", func() {
		out, _ := collect(func(e *safejson.Encoder) {
			e.BeginObject("")
			e.AddData("blob", []byte{0xde, 0xad, 0xbe, 0xef})
			e.EndObject()
		})
		Expect(out).To(ContainSubstring(`"blob":"DEADBEEF"`))
	})

	It("latches an error after a sink failure and stops emitting", func() {
		var out []byte
		failed := false
		e := safejson.New(func(b []byte) bool {
			if failed {
				return false
			}
			out = append(out, b...)
			return true
		})
		e.BeginObject("")
		e.AddInteger("a", 1)
		failed = true
		lenBefore := len(out)
		e.AddInteger("b", 2)
		Expect(e.Failed()).To(BeTrue())
		Expect(out).To(HaveLen(lenBefore)) // nothing more reached the sink
	})

	It("renders addresses as decimal, not hex, per the report schema", func() {
		out, _ := collect(func(e *safejson.Encoder) {
			e.BeginObject("")
			e.AddAddress("addr", 4096)
			e.EndObject()
		})
		Expect(out).To(ContainSubstring(`"addr":4096`))
	})
})

var _ = Describe("FormatHexAddress", func() {
	It("renders zero distinctly", func() {
		Expect(safejson.FormatHexAddress(0)).To(Equal("0x0"))
	})

	It("renders a nonzero address in lowercase hex", func() {
		Expect(safejson.FormatHexAddress(0xABCD)).To(Equal("0xabcd"))
	})
})
