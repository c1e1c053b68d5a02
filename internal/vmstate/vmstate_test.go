package vmstate

import (
	"bytes"
	"errors"
	"testing"

	"gopkg.in/yaml.v3"
)

type testInner struct {
	A uint32
	B [3]uint32
}

type testOuter struct {
	X     int32
	Y     uint64
	Flag  bool
	Inner testInner
	Extra uint32
	Opt   uint32

	withOpt  bool
	postLoad int
	loadedAt int
	failPost bool
}

var testInnerDesc = &Description{
	Name:             "outer/inner",
	VersionID:        1,
	MinimumVersionID: 1,
	Fields: []Field{
		Uint32("a", func(s *testInner) *uint32 { return &s.A }),
		Uint32Array("b", 3, func(s *testInner) []uint32 { return s.B[:] }),
	},
}

var testOptDesc = &Description{
	Name:             "outer/opt",
	VersionID:        1,
	MinimumVersionID: 1,
	Fields: []Field{
		Uint32("opt", func(s *testOuter) *uint32 { return &s.Opt }),
	},
}

func newOuterDesc(version int) *Description {
	return &Description{
		Name:             "outer",
		VersionID:        version,
		MinimumVersionID: 2,
		Fields: []Field{
			Unused(4),
			Int32("x", func(s *testOuter) *int32 { return &s.X }),
			Uint64("y", func(s *testOuter) *uint64 { return &s.Y }),
			Bool("flag", func(s *testOuter) *bool { return &s.Flag }),
			Struct("inner", testInnerDesc, func(s *testOuter) *testInner { return &s.Inner }),
			Uint32("extra", func(s *testOuter) *uint32 { return &s.Extra }).Since(3),
		},
		Subsections: []Subsection{{
			Description: testOptDesc,
			Needed:      Needed(func(s *testOuter) bool { return s.withOpt }),
			Strict:      true,
		}},
		PostLoad: PostLoadHook(func(s *testOuter, v int) error {
			s.postLoad++
			s.loadedAt = v
			if s.failPost {
				return errors.New("rejected")
			}
			return nil
		}),
	}
}

func sampleOuter() *testOuter {
	return &testOuter{
		X:     -7,
		Y:     0x1122334455667788,
		Flag:  true,
		Inner: testInner{A: 9, B: [3]uint32{1, 2, 3}},
		Extra: 42,
		Opt:   0xdead,
	}
}

func TestRoundTrip(t *testing.T) {
	desc := newOuterDesc(3)
	for _, withOpt := range []bool{false, true} {
		src := sampleOuter()
		src.withOpt = withOpt

		data, err := Marshal(desc, src)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}

		dst := &testOuter{withOpt: withOpt}
		if err := Unmarshal(data, desc, dst); err != nil {
			t.Fatalf("Unmarshal(withOpt=%v): %v", withOpt, err)
		}
		if dst.X != src.X || dst.Y != src.Y || dst.Flag != src.Flag || dst.Inner != src.Inner || dst.Extra != src.Extra {
			t.Fatalf("round trip mismatch: got %+v, want %+v", dst, src)
		}
		if withOpt && dst.Opt != src.Opt {
			t.Fatalf("Opt = %#x, want %#x", dst.Opt, src.Opt)
		}
		if !withOpt && dst.Opt != 0 {
			t.Fatalf("Opt loaded without subsection: %#x", dst.Opt)
		}
		if dst.postLoad != 1 || dst.loadedAt != 3 {
			t.Fatalf("post-load ran %d times at version %d", dst.postLoad, dst.loadedAt)
		}
	}
}

func TestWireLayout(t *testing.T) {
	type flat struct{ V uint32 }
	desc := &Description{
		Name:             "t",
		VersionID:        1,
		MinimumVersionID: 1,
		Fields: []Field{
			Unused(2),
			Uint32("v", func(s *flat) *uint32 { return &s.V }),
		},
	}
	data, err := Marshal(desc, &flat{V: 0x01020304})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := []byte{1, 't', 0, 0, 0, 1, 0, 0, 1, 2, 3, 4, 0x7e}
	if !bytes.Equal(data, want) {
		t.Fatalf("wire = % x, want % x", data, want)
	}
}

func TestSubsectionLayout(t *testing.T) {
	src := sampleOuter()
	src.withOpt = true
	data, err := Marshal(newOuterDesc(3), src)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	tail := append([]byte{0x05, byte(len("outer/opt"))}, "outer/opt"...)
	tail = append(tail, 0, 0, 0, 1, 0, 0, 0xde, 0xad, 0x7e)
	if !bytes.HasSuffix(data, tail) {
		t.Fatalf("subsection tail missing: % x", data)
	}
}

func TestVersionBounds(t *testing.T) {
	data, err := Marshal(newOuterDesc(3), sampleOuter())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	tooOld := append([]byte(nil), data...)
	tooOld[1+len("outer")+3] = 1 // version 1 < minimum 2
	if err := Unmarshal(tooOld, newOuterDesc(3), &testOuter{}); !errors.Is(err, ErrVersionTooOld) {
		t.Fatalf("version 1: err = %v, want ErrVersionTooOld", err)
	}

	tooNew := append([]byte(nil), data...)
	tooNew[1+len("outer")+3] = 4
	if err := Unmarshal(tooNew, newOuterDesc(3), &testOuter{}); !errors.Is(err, ErrVersionTooNew) {
		t.Fatalf("version 4: err = %v, want ErrVersionTooNew", err)
	}
}

func TestFieldAddedInLaterVersion(t *testing.T) {
	// A version 2 writer does not know about "extra".
	data, err := Marshal(newOuterDesc(2), sampleOuter())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	dst := &testOuter{Extra: 77}
	if err := Unmarshal(data, newOuterDesc(3), dst); err != nil {
		t.Fatalf("Unmarshal v2 stream with v3 description: %v", err)
	}
	if dst.Extra != 77 {
		t.Fatalf("Extra = %d, want untouched 77", dst.Extra)
	}
	if dst.X != -7 || dst.loadedAt != 2 {
		t.Fatalf("X = %d, post-load version = %d", dst.X, dst.loadedAt)
	}
}

func TestStrictSubsectionMismatch(t *testing.T) {
	desc := newOuterDesc(3)

	src := sampleOuter()
	src.withOpt = true
	withOpt, err := Marshal(desc, src)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := Unmarshal(withOpt, desc, &testOuter{withOpt: false}); !errors.Is(err, ErrSubsectionMismatch) {
		t.Fatalf("present but not expected: err = %v", err)
	}

	src.withOpt = false
	without, err := Marshal(desc, src)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := Unmarshal(without, desc, &testOuter{withOpt: true}); !errors.Is(err, ErrSubsectionMismatch) {
		t.Fatalf("expected but absent: err = %v", err)
	}
}

func TestLenientSubsection(t *testing.T) {
	desc := newOuterDesc(3)
	desc.Subsections[0].Strict = false

	src := sampleOuter()
	src.withOpt = true
	data, err := Marshal(desc, src)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	dst := &testOuter{}
	if err := Unmarshal(data, desc, dst); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if dst.Opt != src.Opt {
		t.Fatalf("Opt = %#x, want %#x", dst.Opt, src.Opt)
	}
}

func TestUnknownSubsection(t *testing.T) {
	src := sampleOuter()
	src.withOpt = true
	data, err := Marshal(newOuterDesc(3), src)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	noSubs := newOuterDesc(3)
	noSubs.Subsections = nil
	if err := Unmarshal(data, noSubs, &testOuter{}); !errors.Is(err, ErrUnknownSubsection) {
		t.Fatalf("err = %v, want ErrUnknownSubsection", err)
	}
}

func TestPostLoadFailure(t *testing.T) {
	data, err := Marshal(newOuterDesc(3), sampleOuter())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	err = Unmarshal(data, newOuterDesc(3), &testOuter{failPost: true})
	if err == nil {
		t.Fatalf("expected post-load failure")
	}
}

func TestNameMismatch(t *testing.T) {
	data, err := Marshal(newOuterDesc(3), sampleOuter())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	other := newOuterDesc(3)
	other.Name = "other"
	if err := Unmarshal(data, other, &testOuter{}); !errors.Is(err, ErrNameMismatch) {
		t.Fatalf("err = %v, want ErrNameMismatch", err)
	}
}

func TestTruncatedAndTrailing(t *testing.T) {
	data, err := Marshal(newOuterDesc(3), sampleOuter())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if err := Unmarshal(data[:len(data)-1], newOuterDesc(3), &testOuter{}); !errors.Is(err, ErrMissingFooter) {
		t.Fatalf("truncated footer: err = %v, want ErrMissingFooter", err)
	}
	if err := Unmarshal(data[:10], newOuterDesc(3), &testOuter{}); err == nil {
		t.Fatalf("expected error for truncated record")
	}
	if err := Unmarshal(append(data, 0), newOuterDesc(3), &testOuter{}); !errors.Is(err, ErrTrailingData) {
		t.Fatalf("trailing byte: err = %v, want ErrTrailingData", err)
	}
}

func TestPreLoadResetsDefaults(t *testing.T) {
	type pair struct{ A, B uint32 }
	sub := &Description{
		Name:             "p/b",
		VersionID:        1,
		MinimumVersionID: 1,
		Fields:           []Field{Uint32("b", func(s *pair) *uint32 { return &s.B })},
	}
	desc := &Description{
		Name:             "p",
		VersionID:        1,
		MinimumVersionID: 1,
		Fields:           []Field{Uint32("a", func(s *pair) *uint32 { return &s.A })},
		Subsections: []Subsection{{
			Description: sub,
			Needed:      Needed(func(s *pair) bool { return s.B != 1 }),
		}},
		PreLoad: Hook(func(s *pair) error {
			s.B = 1
			return nil
		}),
	}

	data, err := Marshal(desc, &pair{A: 5, B: 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	dst := &pair{B: 99}
	if err := Unmarshal(data, desc, dst); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if dst.A != 5 || dst.B != 1 {
		t.Fatalf("got %+v, want {A:5 B:1}", *dst)
	}
}

func TestDecode(t *testing.T) {
	src := sampleOuter()
	src.withOpt = true
	data, err := Marshal(newOuterDesc(3), src)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	rec, err := Decode(data, newOuterDesc(3))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rec.Name != "outer" || rec.Version != 3 {
		t.Fatalf("record = %s v%d", rec.Name, rec.Version)
	}
	if x, ok := rec.Field("x"); !ok || x.Int != -7 {
		t.Fatalf("x = %+v", x)
	}
	inner, ok := rec.Field("inner")
	if !ok || inner.Struct == nil {
		t.Fatalf("inner missing")
	}
	if b, _ := inner.Struct.Field("b"); len(b.Array) != 3 || b.Array[2] != 3 {
		t.Fatalf("inner.b = %v", b.Array)
	}
	opt, ok := rec.Subsection("outer/opt")
	if !ok {
		t.Fatalf("subsection missing")
	}
	if v, _ := opt.Field("opt"); v.Uint != 0xdead {
		t.Fatalf("opt = %#x", v.Uint)
	}
}

func TestRecordYAML(t *testing.T) {
	src := sampleOuter()
	src.withOpt = true
	data, err := Marshal(newOuterDesc(3), src)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	rec, err := Decode(data, newOuterDesc(3))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	out, err := yaml.Marshal(rec)
	if err != nil {
		t.Fatalf("yaml.Marshal: %v", err)
	}
	if bytes.Contains(out, []byte("unused")) {
		t.Fatalf("padding rendered:\n%s", out)
	}
	if i, j := bytes.Index(out, []byte("x:")), bytes.Index(out, []byte("inner:")); i < 0 || j < i {
		t.Fatalf("field order not kept:\n%s", out)
	}

	var doc struct {
		Name    string         `yaml:"name"`
		Version int            `yaml:"version"`
		Fields  map[string]any `yaml:"fields"`
		Subs    []struct {
			Name   string         `yaml:"name"`
			Fields map[string]int `yaml:"fields"`
		} `yaml:"subsections"`
	}
	if err := yaml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("yaml.Unmarshal: %v\n%s", err, out)
	}
	if doc.Name != "outer" || doc.Version != 3 {
		t.Fatalf("doc = %s v%d", doc.Name, doc.Version)
	}
	if doc.Fields["x"] != -7 || doc.Fields["flag"] != true || doc.Fields["extra"] != 42 {
		t.Fatalf("fields = %v", doc.Fields)
	}
	if len(doc.Subs) != 1 || doc.Subs[0].Name != "outer/opt" || doc.Subs[0].Fields["opt"] != 0xdead {
		t.Fatalf("subsections = %+v", doc.Subs)
	}
}
