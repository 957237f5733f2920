// Package staging stores files uploaded before a job starts and
// materializes them into the workspace during the staging stage. Stored
// names carry a uuid suffix so concurrent uploads of the same filename
// never collide.
package staging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
	"git.home.luguber.info/inful/agentbatch/internal/logfields"
)

// imageDir is the workspace subdirectory image uploads land in.
const imageDir = "images"

// Paths locates a job's staging directory. Satisfied by workspace.Manager.
type Paths interface {
	StagingPath(jobID string) string
}

// Store manages per-job staging directories under <root>/staging/.
type Store struct {
	layout Paths
}

// NewStore creates a staging store over the workspace layout.
func NewStore(layout Paths) *Store {
	return &Store{layout: layout}
}

// Entry describes one staged file.
type Entry struct {
	StoredName   string `json:"storedName"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	Image        bool   `json:"image"`
}

// storedName builds `<stem>_<uuid><ext>` from the client filename.
func storedName(original string) string {
	ext := filepath.Ext(original)
	stem := strings.TrimSuffix(original, ext)
	return fmt.Sprintf("%s_%s%s", stem, uuid.NewString(), ext)
}

// originalName inverts storedName: strips the uuid suffix if present.
func originalName(stored string) string {
	ext := filepath.Ext(stored)
	stem := strings.TrimSuffix(stored, ext)
	if i := strings.LastIndex(stem, "_"); i >= 0 {
		if _, err := uuid.Parse(stem[i+1:]); err == nil {
			return stem[:i] + ext
		}
	}
	return stored
}

// validateFilename rejects anything that is not a bare filename.
func validateFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return derrors.ValidationError("invalid filename")
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return derrors.ValidationError("filename must not contain path separators")
	}
	for _, r := range name {
		if r < 0x20 {
			return derrors.ValidationError("filename must not contain control characters")
		}
	}
	return nil
}

// Save stores the stream for a job and returns the stored name clients key
// subsequent operations on.
func (s *Store) Save(jobID, filename string, r io.Reader) (string, error) {
	return s.save(jobID, filename, r, "")
}

// SaveImage stores an image upload. It is materialized under images/ in the
// workspace rather than the workspace root.
func (s *Store) SaveImage(jobID, filename string, r io.Reader) (string, error) {
	return s.save(jobID, filename, r, imageDir)
}

func (s *Store) save(jobID, filename string, r io.Reader, subdir string) (string, error) {
	if err := validateFilename(filename); err != nil {
		return "", err
	}

	dir := s.layout.StagingPath(jobID)
	if subdir != "" {
		dir = filepath.Join(dir, subdir)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", derrors.WrapSystem(err, "create staging directory")
	}

	name := storedName(filename)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", derrors.WrapSystem(err, "create staged file")
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", derrors.WrapSystem(err, "write staged file")
	}
	if err := f.Close(); err != nil {
		return "", derrors.WrapSystem(err, "close staged file")
	}

	slog.Debug("File staged", logfields.JobID(jobID), logfields.File(name))
	return filepath.Join(subdir, name), nil
}

// List enumerates staged files for a job. A job with no uploads yields an
// empty list.
func (s *Store) List(jobID string) ([]Entry, error) {
	root := s.layout.StagingPath(jobID)
	var out []Entry

	for _, sub := range []string{"", imageDir} {
		dir := filepath.Join(root, sub)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, derrors.WrapSystem(err, "read staging directory")
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, Entry{
				StoredName:   filepath.Join(sub, e.Name()),
				OriginalName: originalName(e.Name()),
				Size:         info.Size(),
				Image:        sub == imageDir,
			})
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StoredName < out[b].StoredName })
	return out, nil
}

// Resolve maps a requested name to the absolute staged path. Exact stored
// names win; otherwise the original filename resolves when exactly one
// staged file matches it, and is ambiguous otherwise.
func (s *Store) Resolve(jobID, requested string) (string, error) {
	if err := validateFilename(filepath.Base(requested)); err != nil {
		return "", err
	}

	entries, err := s.List(jobID)
	if err != nil {
		return "", err
	}
	root := s.layout.StagingPath(jobID)

	for _, e := range entries {
		if e.StoredName == requested || filepath.Base(e.StoredName) == requested {
			return filepath.Join(root, e.StoredName), nil
		}
	}

	var matches []string
	for _, e := range entries {
		if e.OriginalName == requested {
			matches = append(matches, e.StoredName)
		}
	}
	switch len(matches) {
	case 0:
		return "", derrors.NotFoundError("no staged file matches " + requested)
	case 1:
		return filepath.Join(root, matches[0]), nil
	default:
		return "", derrors.ValidationError("filename matches multiple staged files, use the stored name")
	}
}

// MaterializeInto copies every staged file into the workspace: plain files
// at the workspace root, images under images/. Returns the workspace paths
// of materialized images for the executor invocation.
func (s *Store) MaterializeInto(jobID, workspacePath string) (images []string, err error) {
	entries, err := s.List(jobID)
	if err != nil {
		return nil, err
	}
	root := s.layout.StagingPath(jobID)

	for _, e := range entries {
		src := filepath.Join(root, e.StoredName)
		dst := filepath.Join(workspacePath, e.StoredName)
		if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return nil, derrors.WrapSystem(err, "create workspace directory")
		}
		if err := copyFile(src, dst); err != nil {
			return nil, derrors.WrapSystem(err, "materialize staged file")
		}
		if e.Image {
			images = append(images, dst)
		}
	}
	if len(entries) > 0 {
		slog.Info("Staged files materialized",
			logfields.JobID(jobID), slog.Int("files", len(entries)))
	}
	return images, nil
}

// Remove deletes the staged file uniquely matching the requested name.
// Reports whether anything was removed; used by the overwrite upload path.
func (s *Store) Remove(jobID, requested string) bool {
	path, err := s.Resolve(jobID, requested)
	if err != nil {
		return false
	}
	return os.Remove(path) == nil
}

// Destroy removes the job's staging directory. Idempotent.
func (s *Store) Destroy(jobID string) error {
	if err := os.RemoveAll(s.layout.StagingPath(jobID)); err != nil {
		return derrors.WrapSystem(err, "remove staging directory")
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
