// Package fingerprint computes the content-addressable cache key for a
// task: a canonical encoding of its ordered key list, SHA-256 hashed, with
// a per-attempt rehash derived via HKDF over the previous digest with an
// attempt-scoped info string.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// Mode controls how file values contribute to the digest: by path plus
// size/mtime metadata, by full content, or by file name only.
type Mode int

const (
	// ModeStandard hashes file inputs by path plus size/mtime metadata.
	ModeStandard Mode = iota
	// ModeDeep hashes the full content of file inputs.
	ModeDeep
	// ModeLenient hashes only the file name, ignoring path and content.
	ModeLenient
)

func (m Mode) String() string {
	switch m {
	case ModeStandard:
		return "standard"
	case ModeDeep:
		return "deep"
	case ModeLenient:
		return "lenient"
	default:
		return "unknown"
	}
}

// Fingerprint is a 256-bit content hash.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return fmt.Sprintf("%x", [32]byte(f))
}

// IsZero reports whether the fingerprint has never been set.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Key is one entry of the ordered list that identifies a task's inputs and
// environment. Bag entries are unordered value sets (file collections)
// whose member order must not affect the digest.
type Key struct {
	Name  string
	Value string
	Bag   []string
}

// KeyList is the ordered list hashed by Digest. Order is significant
// across the list itself; only Bag-valued entries are order-insensitive
// internally.
type KeyList []Key

// canonicalKey is the CBOR-encoded shape of a Key, with Bag entries
// pre-sorted so permutations hash identically.
type canonicalKey struct {
	Name  string
	Value string
	Bag   []string `cbor:",omitempty"`
}

// Hasher computes fingerprints for a fixed Mode.
type Hasher struct {
	Mode Mode
}

// New returns a Hasher for the given mode.
func New(mode Mode) *Hasher {
	return &Hasher{Mode: mode}
}

// Digest canonicalizes keys via deterministic CBOR and SHA-256s the result.
// Two KeyLists with the same entries (bags reordered or not) always
// produce the same digest; two KeyLists differing in top-level order or
// content never do.
func (h *Hasher) Digest(keys KeyList) (Fingerprint, error) {
	canon := make([]canonicalKey, len(keys))
	for i, k := range keys {
		bag := append([]string(nil), k.Bag...)
		sort.Strings(bag)
		canon[i] = canonicalKey{Name: k.Name, Value: k.Value, Bag: bag}
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return Fingerprint{}, fmt.Errorf("fingerprint: build canonical encoder: %w", err)
	}

	payload := struct {
		Mode string
		Keys []canonicalKey
	}{Mode: h.Mode.String(), Keys: canon}

	data, err := encMode.Marshal(payload)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("fingerprint: canonical encode: %w", err)
	}

	return Fingerprint(sha256.Sum256(data)), nil
}

// FileToken renders a file path's contribution to the key list under the
// hasher's mode: lenient uses the base name only, standard the path plus
// size/mtime metadata, deep a digest of the full content. A path that
// cannot be statted or read falls back to the bare path string, so a
// missing file still fingerprints deterministically.
func (h *Hasher) FileToken(path string) string {
	switch h.Mode {
	case ModeLenient:
		return filepath.Base(path)
	case ModeDeep:
		f, err := os.Open(path)
		if err != nil {
			return path
		}
		defer f.Close()
		sum := sha256.New()
		if _, err := io.Copy(sum, f); err != nil {
			return path
		}
		return fmt.Sprintf("%x", sum.Sum(nil))
	default:
		info, err := os.Stat(path)
		if err != nil {
			return path
		}
		return fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano())
	}
}

// Rehash derives a new fingerprint from prev for the given attempt number,
// guaranteeing fingerprint(t,a) != fingerprint(t,b) for a != b so that each
// retry attempt gets its own work directory.
func Rehash(prev Fingerprint, attempt int) (Fingerprint, error) {
	info := []byte(fmt.Sprintf("taskproc/attempt/%d", attempt))
	kdf := hkdf.New(sha3.New256, prev[:], nil, info)

	var out Fingerprint
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		return Fingerprint{}, fmt.Errorf("fingerprint: rehash attempt %d: %w", attempt, err)
	}
	return out, nil
}
