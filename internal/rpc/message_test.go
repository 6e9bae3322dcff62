package rpc

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncoderAndReadMessages(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.Encode(&Message{Kind: KindExec, ID: 1, Name: "a", Parameters: map[string]any{"x": 1.0}}); err != nil {
		t.Fatal(err)
	}
	if err := enc.Encode(&Message{Kind: KindIntrospect, ID: 2}); err != nil {
		t.Fatal(err)
	}
	buf.WriteString("not json\n\n")

	var got []*Message
	var invalid []string
	err := ReadMessages(&buf, func(m *Message) { got = append(got, m) }, func(line []byte, _ error) {
		invalid = append(invalid, string(line))
	})
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].Kind != KindExec || got[0].Name != "a" || got[0].Parameters["x"] != 1.0 {
		t.Errorf("unexpected first message: %+v", got[0])
	}
	if got[1].Kind != KindIntrospect || got[1].ID != 2 {
		t.Errorf("unexpected second message: %+v", got[1])
	}
	if len(invalid) != 1 || invalid[0] != "not json" {
		t.Errorf("invalid lines = %q", invalid)
	}
}

func TestEncoder_OmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(&Message{Kind: KindIntrospect, ID: 7}); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(buf.String()); got != `{"kind":"introspect","id":7}` {
		t.Errorf("encoded = %s", got)
	}
}
