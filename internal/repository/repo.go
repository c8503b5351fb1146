package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/klauspost/compress/zip"
)

// MaxFileSize bounds the files LoadFiles returns.
const MaxFileSize = 64 << 10

// emptyTree is git's well-known empty tree object, the diff base of a
// repository without commits.
const emptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// Repo is one working tree. Operations on a Repo are serialized.
type Repo struct {
	AllocID string
	Name    string

	dir string
	m   *Manager

	mu sync.Mutex
	// base is the last accepted commit; Diff reports changes since it.
	base string
}

// Dir returns the working tree directory.
func (r *Repo) Dir() string {
	return r.dir
}

// LoadFiles returns the tracked and untracked, not ignored, text files of
// the working tree keyed by slash-separated path. Binary and oversized
// files are skipped.
func (r *Repo) LoadFiles(ctx context.Context) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out, err := r.m.git(ctx, r.dir, "ls-files", "--cached", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	files := make(map[string]string)
	for _, rel := range lines(out) {
		full := filepath.Join(r.dir, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil || !info.Mode().IsRegular() || info.Size() > MaxFileSize {
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", rel, err)
		}
		if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
			continue
		}
		files[rel] = string(data)
	}
	return files, nil
}

// UpdateFiles writes every file with its complete new content and stages
// it. Nothing is committed until Commit accepts the change.
func (r *Repo) UpdateFiles(ctx context.Context, files map[string]string) error {
	if len(files) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]string, 0, len(files))
	for rel, content := range files {
		full, err := r.resolve(rel)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", rel, err)
		}
		paths = append(paths, full)
	}

	_, err := r.m.git(ctx, r.dir, append([]string{"add", "--"}, paths...)...)
	return err
}

// resolve maps a repository-relative path to an absolute path inside the
// working tree.
func (r *Repo) resolve(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if rel == "" || filepath.IsAbs(clean) || clean == "." ||
		clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	first := strings.SplitN(filepath.ToSlash(clean), "/", 2)[0]
	if first == ".git" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return filepath.Join(r.dir, clean), nil
}

// Diff returns the unified diff of the working tree against the last
// accepted commit.
func (r *Repo) Diff(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.m.git(ctx, r.dir, "add", "-A"); err != nil {
		return "", err
	}
	return r.m.git(ctx, r.dir, "diff", "--cached", r.base)
}

// Commit records all pending changes with message and makes the result the
// new diff base. A clean tree is not an error.
func (r *Repo) Commit(ctx context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.m.git(ctx, r.dir, "add", "-A"); err != nil {
		return err
	}
	if err := r.commitStaged(ctx, message); err != nil {
		return err
	}
	head, err := r.m.git(ctx, r.dir, "rev-parse", "HEAD")
	if err != nil {
		return err
	}
	r.base = strings.TrimSpace(head)
	return nil
}

func (r *Repo) commitStaged(ctx context.Context, message string) error {
	staged, err := r.m.git(ctx, r.dir, "diff", "--cached", "--name-only")
	if err != nil {
		return err
	}
	if strings.TrimSpace(staged) == "" {
		return nil
	}
	_, err = r.m.git(ctx, r.dir, "commit", "-q", "-m", message)
	return err
}

// Archive writes the working tree, without git metadata, as a zip archive
// rooted at the repository name.
func (r *Repo) Archive(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	zw := zip.NewWriter(w)
	err := filepath.WalkDir(r.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(r.dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = r.Name + "/" + filepath.ToSlash(rel)
		hdr.Method = zip.Deflate
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(fw, f)
		return err
	})
	if err != nil {
		_ = zw.Close()
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, r.dir)
		}
		return fmt.Errorf("archiving %s: %w", r.Name, err)
	}
	return zw.Close()
}
