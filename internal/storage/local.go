package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Local stores files under a root directory. References are slash
// separated paths relative to the root, e.g. "2024/03/<uuid>.jpg".
type Local struct {
	Root string
	now  func() time.Time
}

// NewLocal creates root if needed.
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage: empty root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &Local{Root: root, now: time.Now}, nil
}

func (l *Local) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := objectKey(l.now(), name)
	dst := filepath.Join(l.Root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("storage: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	return ref, nil
}

func (l *Local) Fetch(_ context.Context, ref string) (string, func(), error) {
	p, err := l.resolve(ref)
	if err != nil {
		return "", nil, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return "", nil, err
	}
	return p, func() {}, nil
}

func (l *Local) Delete(_ context.Context, ref string) error {
	p, err := l.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// resolve maps ref into Root, refusing anything that escapes it.
func (l *Local) resolve(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if ref == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrBadRef, ref)
	}
	return filepath.Join(l.Root, clean), nil
}

// objectKey is "<yyyy>/<mm>/<uuid><ext>" with the extension of name.
func objectKey(now time.Time, name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 8 {
		ext = ""
	}
	return fmt.Sprintf("%04d/%02d/%s%s", now.Year(), int(now.Month()), uuid.NewString(), ext)
}
