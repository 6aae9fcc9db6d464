package approval

import "testing"

func TestCallbackRoundtrip(t *testing.T) {
	t.Parallel()
	for _, verb := range []Verb{VerbApprove, VerbReject, VerbCancel} {
		data := EncodeCallback(verb, "sub-123")
		v, id, ok := DecodeCallback(data)
		if !ok {
			t.Fatalf("DecodeCallback(%q) not ok", data)
		}
		if v != verb || id != "sub-123" {
			t.Fatalf("DecodeCallback(%q) = (%s, %s), want (%s, sub-123)", data, v, id, verb)
		}
	}
}

func TestDecodeCallbackRejectsForeignData(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"plain text", "hello"},
		{"wrong prefix", "xx:a:sub-1"},
		{"unknown verb", "ap:z:sub-1"},
		{"missing id", "ap:a:"},
		{"missing parts", "ap:a"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, _, ok := DecodeCallback(tt.data); ok {
				t.Fatalf("DecodeCallback(%q) ok, want rejection", tt.data)
			}
		})
	}
}

func TestDecodeCallbackKeepsColonsInID(t *testing.T) {
	t.Parallel()
	v, id, ok := DecodeCallback("ap:c:a:b:c")
	if !ok || v != VerbCancel || id != "a:b:c" {
		t.Fatalf("got (%s, %q, %v), want (c, a:b:c, true)", v, id, ok)
	}
}
