// Package manifest defines the self-describing metadata record that
// accompanies every export artifact.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Version is the export format version this build writes and accepts.
const Version = "1.0"

// Scope records the filters and pipeline parameters an export ran with.
type Scope struct {
	UserID      string `json:"user_id,omitempty"`
	AssistantID string `json:"assistant_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	DateFrom    string `json:"date_from,omitempty"`
	DateTo      string `json:"date_to,omitempty"`
	ChunkSize   int    `json:"chunk_size"`
	Compression string `json:"compression,omitempty"`
}

// Manifest describes one export artifact: what it covers, how many records
// each table holds, and the digests to verify them against.
type Manifest struct {
	ExportVersion     string            `json:"export_version"`
	ExportTimestamp   time.Time         `json:"export_timestamp"`
	SourceType        string            `json:"source_type"`
	Scope             Scope             `json:"export_scope"`
	RecordCounts      map[string]int    `json:"record_counts"`
	Checksums         map[string]string `json:"checksums"`
	Format            string            `json:"format"`
	ChunkSize         int               `json:"chunk_size"`
	Compression       string            `json:"compression,omitempty"`
	ChecksumAlgorithm string            `json:"checksum_algorithm"`
	Encrypted         bool              `json:"encrypted"`
}

// New returns a manifest stamped with the current version and UTC time.
func New() *Manifest {
	return &Manifest{
		ExportVersion:   Version,
		ExportTimestamp: time.Now().UTC(),
		RecordCounts:    map[string]int{},
		Checksums:       map[string]string{},
	}
}

// IncompatibleVersionError reports an export version this build cannot read.
type IncompatibleVersionError struct {
	Found    string
	Expected string
}

func (e *IncompatibleVersionError) Error() string {
	return fmt.Sprintf("incompatible export version %q (this build reads %q)", e.Found, e.Expected)
}

// Encode serializes the manifest as JSON.
func (m *Manifest) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a manifest, tolerating unknown extra fields but rejecting
// an export version it does not recognize.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.CheckVersion(); err != nil {
		return nil, err
	}
	return &m, nil
}

// CheckVersion verifies the manifest's export version is one this build
// reads. Compatibility is by major version: any "1.x" is accepted.
func (m *Manifest) CheckVersion() error {
	major := func(v string) string {
		if i := strings.IndexByte(v, '.'); i >= 0 {
			return v[:i]
		}
		return v
	}
	if m.ExportVersion == "" || major(m.ExportVersion) != major(Version) {
		return &IncompatibleVersionError{Found: m.ExportVersion, Expected: Version}
	}
	return nil
}
