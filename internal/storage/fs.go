package storage

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

const objectSuffix = ".obj"

// FSProvider stores each key as a file under a root directory. Key segments
// become directories; each segment is path-escaped so any key is a safe
// file name. Writes go through a temp file and a rename.
type FSProvider struct {
	root string
}

// NewFSProvider creates the root directory if needed.
func NewFSProvider(root string) (*FSProvider, error) {
	root = filepath.Clean(strings.TrimSpace(root))
	if root == "" || root == "." {
		return nil, &Error{Op: "open", Err: errors.New("filesystem root is required")}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, wrapErr("open", "", err, fsRetryable)
	}
	return &FSProvider{root: root}, nil
}

// Root returns the provider's directory.
func (p *FSProvider) Root() string {
	return p.root
}

func (p *FSProvider) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	segs := strings.Split(key, "/")
	parts := make([]string, 0, len(segs)+1)
	parts = append(parts, p.root)
	for _, seg := range segs {
		parts = append(parts, url.PathEscape(seg))
	}
	return filepath.Join(parts...) + objectSuffix, nil
}

func (p *FSProvider) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := p.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get", key, err, fsRetryable)
	}
	return data, nil
}

func (p *FSProvider) Set(ctx context.Context, key string, value []byte) error {
	path, err := p.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return wrapErr("set", key, err, fsRetryable)
	}
	return wrapErr("set", key, writeFileAtomic(path, value, 0o644), fsRetryable)
}

func (p *FSProvider) Delete(ctx context.Context, key string) error {
	path, err := p.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return wrapErr("delete", key, err, fsRetryable)
}

func (p *FSProvider) List(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), objectSuffix) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		key, ok := keyFromRel(strings.TrimSuffix(filepath.ToSlash(rel), objectSuffix))
		if ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("list", prefix, err, fsRetryable)
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *FSProvider) Close() error {
	return nil
}

func keyFromRel(rel string) (string, bool) {
	segs := strings.Split(rel, "/")
	for i, seg := range segs {
		s, err := url.PathUnescape(seg)
		if err != nil {
			return "", false
		}
		segs[i] = s
	}
	return strings.Join(segs, "/"), true
}

func fsRetryable(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.EINTR)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

var _ Provider = (*FSProvider)(nil)
