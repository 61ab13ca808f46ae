// Package workspace manages the per-deployment files the kernels and the UI
// share: notebooks and uploaded data files.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ovictorfarias/pegasus/internal/log"
	"github.com/ovictorfarias/pegasus/internal/model"
)

const (
	notebooksDir = "Notebooks"
	uploadsDir   = "Uploads"

	notebookExt = ".ipynb"
)

// NotebookInfo describes a stored notebook.
type NotebookInfo struct {
	Filename string `json:"filename"`
}

// FileInfo describes an uploaded workspace file.
type FileInfo struct {
	Filename string `json:"filename"`
	SizeKB   int64  `json:"size_kb"`
}

// ServiceConfig is the configuration for the workspace service.
type ServiceConfig struct {
	// RootPath is the host directory mounted into the kernels.
	RootPath string
	Logger   log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.RootPath == "" {
		return fmt.Errorf("root path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "workspace.Service"})
	return nil
}

// Service stores notebooks and uploads under the workspace root. Every name
// coming from a client goes through traversal validation before touching the
// filesystem.
type Service struct {
	root   string
	logger log.Logger
}

// NewService creates a new workspace service, creating the namespace
// directories when missing.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("could not resolve workspace root: %w", err)
	}

	for _, dir := range []string{notebooksDir, uploadsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("could not create workspace directory %s: %w", dir, err)
		}
	}

	return &Service{
		root:   root,
		logger: cfg.Logger,
	}, nil
}

// ListNotebooks returns the stored notebooks.
func (s *Service) ListNotebooks() ([]NotebookInfo, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, notebooksDir))
	if err != nil {
		return nil, fmt.Errorf("could not list notebooks: %w", err)
	}

	notebooks := []NotebookInfo{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), notebookExt) {
			continue
		}
		notebooks = append(notebooks, NotebookInfo{Filename: e.Name()})
	}

	return notebooks, nil
}

// ReadNotebook returns the content of a notebook.
func (s *Service) ReadNotebook(name string) ([]byte, error) {
	path, err := s.notebookPath(name)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("notebook %s: %w", name, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not read notebook: %w", err)
	}

	return content, nil
}

// WriteNotebook creates or overwrites a notebook.
func (s *Service) WriteNotebook(name string, content []byte) error {
	path, err := s.notebookPath(name)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("could not write notebook: %w", err)
	}

	return nil
}

// DeleteNotebook removes a notebook.
func (s *Service) DeleteNotebook(name string) error {
	path, err := s.notebookPath(name)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("notebook %s: %w", name, model.ErrNotFound)
		}
		return fmt.Errorf("could not delete notebook: %w", err)
	}

	return nil
}

// RenameNotebook renames a notebook. Renaming over an existing notebook is a
// conflict, not an overwrite.
func (s *Service) RenameNotebook(oldName, newName string) error {
	oldPath, err := s.notebookPath(oldName)
	if err != nil {
		return err
	}
	newPath, err := s.notebookPath(newName)
	if err != nil {
		return err
	}

	if _, err := os.Stat(oldPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("notebook %s: %w", oldName, model.ErrNotFound)
		}
		return fmt.Errorf("could not stat notebook: %w", err)
	}
	if _, err := os.Stat(newPath); err == nil {
		return fmt.Errorf("notebook %s: %w", newName, model.ErrAlreadyExists)
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("could not rename notebook: %w", err)
	}

	return nil
}

// ListFiles returns the uploaded workspace files.
func (s *Service) ListFiles() ([]FileInfo, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, uploadsDir))
	if err != nil {
		return nil, fmt.Errorf("could not list files: %w", err)
	}

	files := []FileInfo{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Filename: e.Name(),
			SizeKB:   (info.Size() + 1023) / 1024,
		})
	}

	return files, nil
}

// SaveFile streams an upload into the workspace.
func (s *Service) SaveFile(name string, r io.Reader) error {
	path, err := s.uploadPath(name)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("could not write file: %w", err)
	}

	return nil
}

// OpenFile opens an uploaded file for download. The caller closes it.
func (s *Service) OpenFile(name string) (io.ReadCloser, error) {
	path, err := s.uploadPath(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file %s: %w", name, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not open file: %w", err)
	}

	return f, nil
}

// DeleteFile removes an uploaded file.
func (s *Service) DeleteFile(name string) error {
	path, err := s.uploadPath(name)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file %s: %w", name, model.ErrNotFound)
		}
		return fmt.Errorf("could not delete file: %w", err)
	}

	return nil
}

// notebookPath validates a notebook name, normalizing the extension, and
// resolves it inside the notebooks namespace.
func (s *Service) notebookPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("invalid file name %q: %w", name, model.ErrNotValid)
	}
	if !strings.HasSuffix(name, notebookExt) {
		name += notebookExt
	}
	return s.safeJoin(notebooksDir, name)
}

// uploadPath validates a file name and resolves it inside the uploads
// namespace.
func (s *Service) uploadPath(name string) (string, error) {
	return s.safeJoin(uploadsDir, name)
}

// safeJoin joins a client-provided name into a namespace directory, rejecting
// anything that could escape it.
func (s *Service) safeJoin(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid file name %q: %w", name, model.ErrNotValid)
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid file name %q: %w", name, model.ErrNotValid)
	}

	base := filepath.Join(s.root, dir)
	path := filepath.Join(base, name)

	// Containment check after resolution, in case something slipped through.
	if !strings.HasPrefix(path, base+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid file name %q: %w", name, model.ErrNotValid)
	}

	return path, nil
}
