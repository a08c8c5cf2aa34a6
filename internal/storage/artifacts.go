package storage

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/common"
)

// ErrInvalidHandle is returned for handles that do not resolve inside the store.
var ErrInvalidHandle = errors.New("invalid artifact handle")

// FileStore keeps generated artifacts on local disk under baseDir/artifacts/<kind>/.
type FileStore struct {
	baseDir string
	log     *slog.Logger
}

// NewFileStore creates a store rooted at baseDir/artifacts.
func NewFileStore(baseDir string, log *slog.Logger) *FileStore {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FileStore{baseDir: filepath.Join(baseDir, common.ArtifactsDirName), log: log}
}

// Root returns the directory holding all artifacts.
func (s *FileStore) Root() string { return s.baseDir }

// Put stores the content of r as a new artifact of the given kind.
// At most maxBytes are copied when maxBytes > 0.
func (s *FileStore) Put(kind artifact.Kind, ext string, r io.Reader, maxBytes int64) (artifact.Ref, error) {
	dst, err := s.Reserve(kind, ext)
	if err != nil {
		return artifact.Ref{}, err
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("create artifact file: %w", err)
	}
	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return artifact.Ref{}, fmt.Errorf("write artifact: %w", err)
	}
	if n == 0 {
		_ = os.Remove(dst)
		return artifact.Ref{}, errors.New("artifact is empty")
	}
	ref := artifact.Ref{
		Kind:   kind,
		Handle: s.handleFor(dst),
		Digest: artifact.Digest(h.Sum(nil)),
		Size:   n,
	}
	s.log.Debug("artifact stored", "kind", kind, "handle", ref.Handle, "size", humanize.Bytes(uint64(n)))
	return ref, nil
}

// Reserve allocates a fresh path for an artifact that an external tool will write.
// The file is not created; call Adopt once it has been written.
func (s *FileStore) Reserve(kind artifact.Kind, ext string) (string, error) {
	dir := filepath.Join(s.baseDir, string(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure artifact dir: %w", err)
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(dir, uuid.NewString()+ext), nil
}

// Adopt digests a file that already lives inside the store and returns its reference.
func (s *FileStore) Adopt(kind artifact.Kind, path string) (artifact.Ref, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return artifact.Ref{}, fmt.Errorf("resolve path: %w", err)
	}
	if !s.contains(abs) {
		return artifact.Ref{}, fmt.Errorf("%w: %s is outside the store", ErrInvalidHandle, path)
	}
	digest, size, err := digestFile(abs)
	if err != nil {
		return artifact.Ref{}, err
	}
	if size == 0 {
		return artifact.Ref{}, fmt.Errorf("artifact %s is empty", filepath.Base(abs))
	}
	ref := artifact.Ref{Kind: kind, Handle: s.handleFor(abs), Digest: digest, Size: size}
	s.log.Debug("artifact adopted", "kind", kind, "handle", ref.Handle, "size", humanize.Bytes(uint64(size)))
	return ref, nil
}

// Path resolves a reference to a filesystem path.
func (s *FileStore) Path(ref artifact.Ref) (string, error) {
	if !ref.Usable() {
		return "", fmt.Errorf("%w: artifact is a placeholder", ErrInvalidHandle)
	}
	p := filepath.Join(s.baseDir, filepath.FromSlash(ref.Handle))
	if !s.contains(p) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, ref.Handle)
	}
	return p, nil
}

// Verify recomputes the digest of the stored bytes and compares it with the reference.
func (s *FileStore) Verify(ref artifact.Ref) error {
	p, err := s.Path(ref)
	if err != nil {
		return err
	}
	digest, _, err := digestFile(p)
	if err != nil {
		return err
	}
	if digest != ref.Digest {
		return fmt.Errorf("artifact %s digest mismatch", ref.Handle)
	}
	return nil
}

// Prune removes artifact files last modified before now-maxAge and returns how many were removed.
func (s *FileStore) Prune(maxAge time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-maxAge)
	removed := 0
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove %s: %w", path, err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("prune artifacts: %w", err)
	}
	return removed, nil
}

// RunPruner prunes every interval until ctx is done.
func (s *FileStore) RunPruner(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.Prune(maxAge, now)
			if err != nil {
				s.log.Warn("artifact prune failed", "err", err)
				continue
			}
			if n > 0 {
				s.log.Info("pruned old artifacts", "removed", n, "max_age", maxAge.String())
			}
		}
	}
}

func (s *FileStore) handleFor(abs string) string {
	rel, err := filepath.Rel(s.baseDir, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

func (s *FileStore) contains(p string) bool {
	root, err := filepath.Abs(s.baseDir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

func digestFile(path string) (string, int64, error) {
	f, err := os.Open(path) // #nosec G304 - path is resolved inside the artifact root
	if err != nil {
		return "", 0, fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("digest artifact: %w", err)
	}
	return artifact.Digest(h.Sum(nil)), n, nil
}
