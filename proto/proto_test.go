package proto

import (
	"encoding/json"
	"testing"
)

func TestPushFlattensFields(t *testing.T) {
	p := Push{
		Type:      "incoming_call",
		Timestamp: "2026-08-26T12:00:00Z",
		Fields:    map[string]string{"caller_number": "+15551234567"},
	}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var obj map[string]string
	if err := json.Unmarshal(b, &obj); err != nil {
		t.Fatal(err)
	}
	if obj["type"] != "incoming_call" || obj["caller_number"] != "+15551234567" {
		t.Fatalf("encoded push = %v", obj)
	}
	if obj["timestamp"] == "" {
		t.Fatalf("timestamp missing: %v", obj)
	}
}

func TestResponseOmitsEmptyOptionalFields(t *testing.T) {
	b, err := json.Marshal(Response{Status: StatusSuccess, Message: "pong", RequestID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err != nil {
		t.Fatal(err)
	}
	if _, ok := obj["error_code"]; ok {
		t.Fatalf("error_code present on success: %v", obj)
	}
	if _, ok := obj["data"]; ok {
		t.Fatalf("empty data encoded: %v", obj)
	}
}
