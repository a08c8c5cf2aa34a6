package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Kind identifies what a generated artifact contains.
type Kind string

const (
	KindImage Kind = "image"
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

const digestPrefix = "sha256:"

// Ref is an opaque reference to generated media. Handle locates the bytes inside
// the artifact store; Digest identifies their content.
type Ref struct {
	Kind   Kind   `json:"kind"`
	Handle string `json:"handle,omitempty"`
	Digest string `json:"digest,omitempty"`
	Size   int64  `json:"size,omitempty"`
	// Skipped marks a placeholder that stands in for media that could not be produced.
	Skipped bool   `json:"skipped,omitempty"`
	Note    string `json:"note,omitempty"`
}

// Skipped returns a placeholder reference of the given kind.
func Skipped(kind Kind, note string) Ref {
	return Ref{Kind: kind, Skipped: true, Note: note}
}

// Usable reports whether the reference points at real content.
func (r Ref) Usable() bool {
	return !r.Skipped && r.Handle != ""
}

// SameContent reports whether both references carry the same digest.
func (r Ref) SameContent(o Ref) bool {
	return r.Digest != "" && r.Digest == o.Digest
}

// Digest formats a sha256 sum the way Ref.Digest stores it.
func Digest(sum []byte) string {
	return digestPrefix + hex.EncodeToString(sum)
}

// DigestBytes hashes b.
func DigestBytes(b []byte) string {
	s := sha256.Sum256(b)
	return Digest(s[:])
}

// ValidDigest reports whether d looks like a digest produced by this package.
func ValidDigest(d string) bool {
	if !strings.HasPrefix(d, digestPrefix) {
		return false
	}
	h := strings.TrimPrefix(d, digestPrefix)
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}
