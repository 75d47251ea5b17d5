package storage

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ErrTooLarge is returned when a staged upload exceeds its size limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// FileStore stages multipart uploads on local disk before they are forwarded
// to the object store.
type FileStore struct {
	basePath string
}

// StagedFile is one upload written to the staging directory.
type StagedFile struct {
	Path        string
	Name        string
	Size        int64
	ContentType string
}

// NewFileStore creates the staging directory if missing.
func NewFileStore(basePath string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

// Stage copies r into a uniquely named file. At most limit bytes are accepted
// when limit > 0. The content type is sniffed from the first bytes.
func (f *FileStore) Stage(name string, r io.Reader, limit int64) (StagedFile, error) {
	name = SafeFilename(name)
	out, err := os.CreateTemp(f.basePath, "upload-*-"+name)
	if err != nil {
		return StagedFile{}, fmt.Errorf("create staged file: %w", err)
	}
	staged := StagedFile{Path: out.Name(), Name: name}
	fail := func(err error) (StagedFile, error) {
		out.Close()
		_ = os.Remove(staged.Path)
		return StagedFile{}, err
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fail(fmt.Errorf("read upload: %w", err))
	}
	staged.ContentType = http.DetectContentType(head[:n])
	if _, err := out.Write(head[:n]); err != nil {
		return fail(fmt.Errorf("write staged file: %w", err))
	}
	written, err := io.Copy(out, src)
	if err != nil {
		return fail(fmt.Errorf("write staged file: %w", err))
	}
	staged.Size = int64(n) + written
	if limit > 0 && staged.Size > limit {
		return fail(ErrTooLarge)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(staged.Path)
		return StagedFile{}, fmt.Errorf("close staged file: %w", err)
	}
	return staged, nil
}

// Remove deletes a staged file. Missing files are not an error.
func (f *FileStore) Remove(s StagedFile) error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SafeFilename strips directories and characters that do not belong in object keys.
func SafeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		}
		return -1
	}, strings.TrimSpace(name))
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "image"
	}
	return name
}
