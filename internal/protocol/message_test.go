package protocol

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestNewMessageDefaults(t *testing.T) {
	m := NewMessage("D1", "D2", []byte("hello"), TypeData, "", 0)

	if m.ID == "" {
		t.Error("ID is empty")
	}
	if m.TTL != DefaultTTL {
		t.Errorf("TTL = %d, want %d", m.TTL, DefaultTTL)
	}
	if m.Priority != PriorityNormal {
		t.Errorf("Priority = %q, want %q", m.Priority, PriorityNormal)
	}
	if !reflect.DeepEqual(m.Route, []string{"D1"}) {
		t.Errorf("Route = %v, want [D1]", m.Route)
	}
	if m.Checksum != Checksum([]byte("hello")) {
		t.Errorf("Checksum = %q, want %q", m.Checksum, Checksum([]byte("hello")))
	}
	if m.Timestamp == 0 {
		t.Error("Timestamp not set")
	}
}

func TestSequenceMonotonic(t *testing.T) {
	a := NewMessage("D1", "D2", nil, TypeData, PriorityLow, 1)
	b := NewMessage("D1", "D2", nil, TypeData, PriorityLow, 1)
	if b.Sequence <= a.Sequence {
		t.Errorf("sequence not increasing: %d then %d", a.Sequence, b.Sequence)
	}
	if a.ID == b.ID {
		t.Error("two messages share an id")
	}
}

func TestChecksumLength(t *testing.T) {
	if got := len(Checksum([]byte("x"))); got != 16 {
		t.Errorf("len(Checksum) = %d, want 16", got)
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		typ     MessageType
		prio    Priority
		target  string
	}{
		{"data", []byte("hello"), TypeData, PriorityNormal, "D2"},
		{"empty payload", []byte{}, TypeHeartbeat, PriorityLow, "D2"},
		{"nil payload", nil, TypeDiscovery, PriorityHigh, BroadcastTarget},
		{"binary payload", []byte{0x00, 0xff, 0x7e, 0x7d}, TypeSync, PriorityUrgent, "gw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMessage("D1", tt.target, tt.payload, tt.typ, tt.prio, 3)
			data, err := Serialize(m)
			if err != nil {
				t.Fatalf("Serialize: %v", err)
			}
			got, err := Parse(data)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if !reflect.DeepEqual(got, m) {
				t.Errorf("Parse(Serialize(m)) = %+v, want %+v", got, m)
			}
		})
	}
}

func TestValidateDetectsTamperedPayload(t *testing.T) {
	m := NewMessage("D1", "D2", []byte("hello"), TypeData, PriorityNormal, 0)
	if !m.Validate() {
		t.Fatal("fresh message should validate")
	}
	m.Payload = []byte("hellO")
	if m.Validate() {
		t.Error("tampered payload should fail validation")
	}
}

func TestParseChecksumMismatchYieldsNoMessage(t *testing.T) {
	m := NewMessage("D1", "D2", []byte("hello"), TypeData, PriorityNormal, 0)
	m.Payload = []byte("goodbye")
	data, err := Serialize(m)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := Parse(data)
	if err != nil {
		t.Errorf("Parse err = %v, want nil", err)
	}
	if got != nil {
		t.Errorf("Parse = %+v, want nil", got)
	}
}

func TestParseMalformed(t *testing.T) {
	for _, in := range [][]byte{nil, []byte("not json"), []byte(`{"id":`), []byte(`{"payload":42}`)} {
		_, err := Parse(in)
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Parse(%q) err = %v, want ErrMalformed", in, err)
		}
	}
}

func TestForwarded(t *testing.T) {
	m := NewMessage("D1", "D3", []byte("x"), TypeData, PriorityNormal, 4)
	fwd := m.Forwarded("D2")

	if fwd.TTL != 3 {
		t.Errorf("TTL = %d, want 3", fwd.TTL)
	}
	if !reflect.DeepEqual(fwd.Route, []string{"D1", "D2"}) {
		t.Errorf("Route = %v, want [D1 D2]", fwd.Route)
	}
	if !reflect.DeepEqual(m.Route, []string{"D1"}) {
		t.Errorf("original route mutated: %v", m.Route)
	}
	if !fwd.Validate() {
		t.Error("forwarded copy should still validate")
	}
	if !fwd.Visited("D2") || fwd.Visited("D3") {
		t.Errorf("Visited mismatch for route %v", fwd.Route)
	}
}

func TestAckAndNack(t *testing.T) {
	orig := NewMessage("D1", "D2", []byte("x"), TypeData, PriorityNormal, 0)

	ack := NewAck("D2", orig)
	if ack.Type != TypeAck || ack.Target != "D1" || string(ack.Payload) != orig.ID {
		t.Errorf("ack = %+v", ack)
	}
	nack := NewNack("D2", orig, "busy")
	if nack.Type != TypeNack || string(nack.Payload) != orig.ID+":busy" {
		t.Errorf("nack = %+v", nack)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, p := range [][]byte{[]byte("one"), {}, []byte("three")} {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for _, want := range []string{"one", "", "three"} {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if string(got) != want {
			t.Errorf("frame = %q, want %q", got, want)
		}
	}
}

func TestFrameTooLarge(t *testing.T) {
	if err := WriteFrame(&bytes.Buffer{}, make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("WriteFrame err = %v, want ErrFrameTooLarge", err)
	}

	header := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadFrame(bytes.NewReader(header)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("ReadFrame err = %v, want ErrFrameTooLarge", err)
	}
}
