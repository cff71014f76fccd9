package manifest

import (
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := New()
	m.SourceType = "sqlite"
	m.Format = "json"
	m.RecordCounts["chat_history"] = 42
	m.Checksums["chat_history"] = "abc123"
	m.Scope.UserID = "u1"

	b, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ExportVersion != Version {
		t.Errorf("got version %q, want %q", got.ExportVersion, Version)
	}
	if got.RecordCounts["chat_history"] != 42 {
		t.Errorf("got count %d, want 42", got.RecordCounts["chat_history"])
	}
	if got.Checksums["chat_history"] != "abc123" {
		t.Errorf("got checksum %q", got.Checksums["chat_history"])
	}
	if got.Scope.UserID != "u1" {
		t.Errorf("got scope user %q", got.Scope.UserID)
	}
}

func TestDecodeRejectsIncompatibleVersion(t *testing.T) {
	_, err := Decode([]byte(`{"export_version": "2.0"}`))
	if err == nil {
		t.Fatal("expected error for version 2.0")
	}
	var ive *IncompatibleVersionError
	if !errors.As(err, &ive) {
		t.Fatalf("expected IncompatibleVersionError, got %T: %v", err, err)
	}
	if ive.Found != "2.0" {
		t.Errorf("got found %q, want 2.0", ive.Found)
	}
}

func TestDecodeRejectsMissingVersion(t *testing.T) {
	if _, err := Decode([]byte(`{}`)); err == nil {
		t.Error("expected error for missing export_version")
	}
}

func TestDecodeAcceptsMinorVersions(t *testing.T) {
	m, err := Decode([]byte(`{"export_version": "1.7"}`))
	if err != nil {
		t.Fatalf("1.7 should be readable: %v", err)
	}
	if m.ExportVersion != "1.7" {
		t.Errorf("got %q", m.ExportVersion)
	}
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	if _, err := Decode([]byte(`{"export_version": "1.0", "future_field": {"x": 1}}`)); err != nil {
		t.Errorf("unknown fields should be ignored: %v", err)
	}
}
