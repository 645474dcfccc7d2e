// Package bundle implements the .fzbundle distribution format: a
// CBOR-encoded envelope carrying a plugin manifest, raw bytecode and a
// BLAKE3 integrity checksum.
package bundle

import (
	"errors"
	"fmt"
	"os"

	"github.com/zeebo/blake3"

	"github.com/scarablabs/fusabi/manifest"
	"github.com/scarablabs/fusabi/vm"
)

// ErrChecksumMismatch reports bundle contents that do not hash to the
// declared checksum.
var ErrChecksumMismatch = errors.New("bundle checksum mismatch")

// Bundle is the decoded distribution envelope. Checksum is the BLAKE3
// hash of the raw bytecode bytes.
type Bundle struct {
	Manifest manifest.Manifest `cbor:"manifest"`
	Bytecode []byte            `cbor:"bytecode"`
	Checksum [32]byte          `cbor:"checksum"`
}

// New wraps a manifest and bytecode into a bundle, computing the
// checksum.
func New(m manifest.Manifest, bytecode []byte) *Bundle {
	return &Bundle{
		Manifest: m,
		Bytecode: bytecode,
		Checksum: blake3.Sum256(bytecode),
	}
}

// Verify recomputes the bytecode checksum and compares it against the
// declared one.
func (b *Bundle) Verify() error {
	if blake3.Sum256(b.Bytecode) != b.Checksum {
		return ErrChecksumMismatch
	}
	return nil
}

// WriteFile encodes the bundle and writes it to path.
func (b *Bundle) WriteFile(path string) error {
	data, err := Marshal(b)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("bundle: write %s: %w", path, err)
	}
	return nil
}

// ReadFile reads and decodes a bundle without verifying it.
func ReadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bundle: read %s: %w", path, err)
	}
	return Unmarshal(data)
}

// Open reads a bundle, verifies its checksum, and loads and validates
// the contained bytecode. It returns the container alongside the
// capability policy and limits derived from the bundled manifest.
func Open(path string) (*vm.Container, *manifest.Manifest, error) {
	b, err := ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if err := b.Verify(); err != nil {
		return nil, nil, fmt.Errorf("bundle: %s: %w", path, err)
	}

	container, err := vm.Load(b.Bytecode)
	if err != nil {
		return nil, nil, fmt.Errorf("bundle: %s: %w", path, err)
	}
	if err := container.Validate(); err != nil {
		return nil, nil, fmt.Errorf("bundle: %s: %w", path, err)
	}
	return container, &b.Manifest, nil
}
