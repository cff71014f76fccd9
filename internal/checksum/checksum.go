// Package checksum builds a streaming digest over an ordered record
// sequence so exported and re-imported tables can be compared byte for byte.
package checksum

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"sort"
	"strconv"

	"github.com/memvault/memvault/internal/model"
)

// Algorithms lists the recognized hash algorithm names.
var Algorithms = []string{"sha256", "sha512", "sha1"}

func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	case "sha1":
		return sha1.New(), nil
	}
	return nil, fmt.Errorf("unsupported checksum algorithm: %q", algorithm)
}

// Supported reports whether the algorithm name is recognized.
func Supported(algorithm string) bool {
	_, err := newHash(algorithm)
	return err == nil
}

// Accumulator folds records into a running hash. One accumulator per table
// per run; the digest depends only on record content and order, never on
// streaming chunk boundaries.
type Accumulator struct {
	h         hash.Hash
	algorithm string
}

// New creates an accumulator for the given algorithm.
func New(algorithm string) (*Accumulator, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return nil, err
	}
	return &Accumulator{h: h, algorithm: algorithm}, nil
}

// Algorithm returns the algorithm name the accumulator was built with.
func (a *Accumulator) Algorithm() string { return a.algorithm }

// Update folds one record's canonical encoding into the digest.
func (a *Accumulator) Update(r model.Record) error {
	m, err := model.Map(r)
	if err != nil {
		return err
	}
	b, err := Canonical(m)
	if err != nil {
		return err
	}
	a.h.Write(b)
	return nil
}

// Sum returns the hex digest of everything folded in so far.
func (a *Accumulator) Sum() string {
	return hex.EncodeToString(a.h.Sum(nil))
}

// Canonical encodes a record map deterministically: keys sorted, scalar
// values stringified, nested values as compact JSON.
func Canonical(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 256)
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		buf = append(buf, kb...)
		buf = append(buf, ':')
		vb, err := canonicalValue(m[k])
		if err != nil {
			return nil, fmt.Errorf("canonicalize field %q: %w", k, err)
		}
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

func canonicalValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return json.Marshal("")
	case string:
		return json.Marshal(val)
	case bool:
		return json.Marshal(strconv.FormatBool(val))
	case float64:
		return json.Marshal(strconv.FormatFloat(val, 'f', -1, 64))
	case json.Number:
		return json.Marshal(val.String())
	default:
		// Lists and maps are embedded as compact JSON text. Go's encoder
		// already sorts map keys, so this stays deterministic.
		nested, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return json.Marshal(string(nested))
	}
}
