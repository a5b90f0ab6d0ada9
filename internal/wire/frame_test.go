package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestValidateInbound(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
		ok    bool
	}{
		{"join", Frame{Type: TypeJoin, ProjectID: "p", FileID: "f"}, true},
		{"leave", Frame{Type: TypeLeave, ProjectID: "p", FileID: "f"}, true},
		{"update", Frame{Type: TypeUpdate, ProjectID: "p", FileID: "f", Data: []byte{1}}, true},
		{"awareness", Frame{Type: TypeAwareness, ProjectID: "p", FileID: "f", Data: []byte{1}}, true},
		{"join without file", Frame{Type: TypeJoin, ProjectID: "p"}, false},
		{"update without data", Frame{Type: TypeUpdate, ProjectID: "p", FileID: "f"}, false},
		{"update without routing", Frame{Type: TypeUpdate, Data: []byte{1}}, false},
		{"server type inbound", Frame{Type: TypeJoined, ProjectID: "p", FileID: "f"}, false},
		{"unknown type", Frame{Type: "compile", ProjectID: "p", FileID: "f"}, false},
		{"missing type", Frame{ProjectID: "p", FileID: "f"}, false},
	}
	for _, tc := range cases {
		err := ValidateInbound(tc.frame)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("%s: expected error, got nil", tc.name)
			} else if !errors.Is(err, ErrBadFrame) {
				t.Errorf("%s: expected ErrBadFrame, got %v", tc.name, err)
			}
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("not json"), []byte(`[1,2]`)} {
		if _, err := Decode(data); !errors.Is(err, ErrBadFrame) {
			t.Errorf("Decode(%q): expected ErrBadFrame, got %v", data, err)
		}
	}
}

func TestBinaryPayloadSurvivesEncoding(t *testing.T) {
	payload := []byte{0x00, 0xfe, 0x01, 0x80, 0x7f}
	data, err := Encode(Frame{Type: TypeUpdate, ProjectID: "p", FileID: "f", Data: payload})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if bytes.Contains(data, payload) {
		t.Fatal("payload should be base64 on the wire, not raw bytes")
	}

	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Type != TypeUpdate || f.ProjectID != "p" || f.FileID != "f" {
		t.Errorf("routing fields lost: %+v", f)
	}
	if !bytes.Equal(f.Data, payload) {
		t.Errorf("expected payload %x, got %x", payload, f.Data)
	}
}
