// Package pipeline applies the byte-stream stages around a codec: gzip
// compression, authenticated encryption, and atomic publication of the
// finished artifact.
package pipeline

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/chacha20poly1305"
)

// CompressionGzip is the only compression codec recognized today.
const CompressionGzip = "gzip"

// DefaultGzipLevel balances speed against artifact size.
const DefaultGzipLevel = 5

// encMagic prefixes every encrypted artifact so "wrong passphrase" and
// "not encrypted" stay distinguishable failures.
var encMagic = []byte("MVLT1")

var (
	// ErrNotEncrypted is returned when decryption is asked of a plain file.
	ErrNotEncrypted = errors.New("artifact is not encrypted")
	// ErrBadPassphrase is returned when authentication fails at decrypt time,
	// which also covers a tampered ciphertext.
	ErrBadPassphrase = errors.New("wrong passphrase or corrupted artifact")
	// ErrPassphraseRequired is returned before any other input is touched
	// when an .enc artifact is imported without a passphrase.
	ErrPassphraseRequired = errors.New("artifact is encrypted (.enc) but no passphrase was provided")
)

// ParseCompression validates a compression codec name. Empty means none.
func ParseCompression(s string) (string, error) {
	switch strings.ToLower(s) {
	case "":
		return "", nil
	case CompressionGzip:
		return CompressionGzip, nil
	}
	return "", fmt.Errorf("unsupported compression codec: %q", s)
}

// DetectCompression infers the codec from the file suffix.
func DetectCompression(path string) string {
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		return CompressionGzip
	}
	return ""
}

// TempFile creates a staging file in dir so the final rename stays on one
// filesystem.
func TempFile(dir, pattern string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()
	f.Close()
	return name, nil
}

// Compress gzips src into dst at the given level (DefaultGzipLevel if 0).
func Compress(src, dst string, level int) error {
	if level == 0 {
		level = DefaultGzipLevel
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open for compression: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create compressed file: %w", err)
	}
	defer out.Close()

	zw, err := gzip.NewWriterLevel(out, level)
	if err != nil {
		return fmt.Errorf("gzip level %d: %w", level, err)
	}
	if _, err := io.Copy(zw, in); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish compression: %w", err)
	}
	return out.Close()
}

// Decompress gunzips src into dst.
func Decompress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open compressed file: %w", err)
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("read gzip header: %w", err)
	}
	defer zr.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create decompressed file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, zr); err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	return out.Close()
}

// deriveKey turns an arbitrary passphrase into a fixed-length cipher key.
func deriveKey(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}

// Encrypt seals src into dst with XChaCha20-Poly1305. Tampering is detected
// at decrypt time by the authentication tag.
func Encrypt(src, dst, passphrase string) error {
	plain, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read for encryption: %w", err)
	}
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase))
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(encMagic)+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, encMagic...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plain, nil)
	if err := os.WriteFile(dst, out, 0o600); err != nil {
		return fmt.Errorf("write encrypted file: %w", err)
	}
	return nil
}

// Decrypt opens an encrypted artifact into dst.
func Decrypt(src, dst, passphrase string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read encrypted file: %w", err)
	}
	if len(data) < len(encMagic) || string(data[:len(encMagic)]) != string(encMagic) {
		return ErrNotEncrypted
	}
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase))
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	body := data[len(encMagic):]
	if len(body) < aead.NonceSize() {
		return ErrBadPassphrase
	}
	nonce, sealed := body[:aead.NonceSize()], body[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return ErrBadPassphrase
	}
	if err := os.WriteFile(dst, plain, 0o600); err != nil {
		return fmt.Errorf("write decrypted file: %w", err)
	}
	return nil
}

// Finalize runs the staged artifact through compression and encryption as
// requested, then atomically publishes it at dest. The staging file and any
// intermediates are removed regardless of outcome; a crash mid-way never
// leaves a partial file at dest.
func Finalize(staged, dest, compression, passphrase string, level int) error {
	dir := filepath.Dir(dest)
	current := staged
	cleanup := []string{staged}
	defer func() {
		for _, p := range cleanup {
			os.Remove(p)
		}
	}()

	if compression == CompressionGzip {
		next, err := TempFile(dir, filepath.Base(dest)+".gz-*")
		if err != nil {
			return err
		}
		cleanup = append(cleanup, next)
		if err := Compress(current, next, level); err != nil {
			return err
		}
		current = next
	} else if compression != "" {
		return fmt.Errorf("unsupported compression codec: %q", compression)
	}

	if passphrase != "" {
		next, err := TempFile(dir, filepath.Base(dest)+".enc-*")
		if err != nil {
			return err
		}
		cleanup = append(cleanup, next)
		if err := Encrypt(current, next, passphrase); err != nil {
			return err
		}
		current = next
	}

	if err := os.Rename(current, dest); err != nil {
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}

// Prepare reverses the pipeline for import: decrypt, then decompress, each
// into temp files. It fails fast on an .enc artifact without a passphrase,
// before touching any other input. The returned cleanup removes all temps.
func Prepare(path, compression, passphrase string) (string, func(), error) {
	var temps []string
	cleanup := func() {
		for _, p := range temps {
			os.Remove(p)
		}
	}

	current := path
	encrypted := strings.HasSuffix(strings.ToLower(path), ".enc")
	if encrypted && passphrase == "" {
		return "", func() {}, ErrPassphraseRequired
	}

	if encrypted || passphrase != "" {
		next, err := TempFile("", "memvault-*.dec")
		if err != nil {
			return "", cleanup, err
		}
		temps = append(temps, next)
		if err := Decrypt(current, next, passphrase); err != nil {
			cleanup()
			return "", func() {}, err
		}
		current = next
	}

	if compression == "" {
		compression = DetectCompression(strings.TrimSuffix(path, ".enc"))
	}
	if compression == CompressionGzip {
		next, err := TempFile("", "memvault-*.decomp")
		if err != nil {
			cleanup()
			return "", func() {}, err
		}
		temps = append(temps, next)
		if err := Decompress(current, next); err != nil {
			cleanup()
			return "", func() {}, err
		}
		current = next
	} else if compression != "" {
		cleanup()
		return "", func() {}, fmt.Errorf("unsupported compression codec: %q", compression)
	}

	return current, cleanup, nil
}
