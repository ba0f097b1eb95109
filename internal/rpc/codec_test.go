package rpc

import (
	"testing"

	"github.com/dz-tools/cxproxy/internal/rpc/wire"
)

func TestCodecNameIsRegisteredSubtype(t *testing.T) {
	if got := (codec{}).Name(); got != contentSubtype {
		t.Fatalf("codec.Name() = %q, want %q", got, contentSubtype)
	}
}

func TestCodecRoundTripsWireMarshaler(t *testing.T) {
	in := &wire.DaemonRequest{Argv: []string{"g++", "-c", "a.cpp"}, Cwd: "/work"}
	c := codec{}

	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	out := new(wire.DaemonRequest)
	if err := c.Unmarshal(data, out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Cwd != in.Cwd || len(out.Argv) != len(in.Argv) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

type gobFallbackMsg struct {
	A int
	B string
}

func TestCodecFallsBackToGobForPlainStructs(t *testing.T) {
	in := gobFallbackMsg{A: 7, B: "hi"}
	c := codec{}

	data, err := c.Marshal(&in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out gobFallbackMsg
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("gob round trip mismatch: got %+v, want %+v", out, in)
	}
}
