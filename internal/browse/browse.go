// Package browse serves read-only views into a job's workspace: directory
// and file listings, bounded UTF-8 content reads, and raw downloads. Every
// client path passes the workspace resolver first; listings during a
// running job are best-effort snapshots.
package browse

import (
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
)

// maxTextBytes bounds content reads; larger files must use download.
const maxTextBytes = 2 << 20

// Resolver scopes client paths to a workspace. Satisfied by
// workspace.Manager.
type Resolver interface {
	ResolveInside(workspace, userPath string) (string, error)
}

// Browser answers file-browsing requests against workspace trees.
type Browser struct {
	resolver Resolver
}

// New creates a browser using the given path resolver.
func New(resolver Resolver) *Browser {
	return &Browser{resolver: resolver}
}

// DirectoryInfo is one directory entry in a listing.
type DirectoryInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Modified time.Time `json:"modified"`
}

// FileInfo is one file entry in a listing.
type FileInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Directory bool      `json:"directory"`
	Modified  time.Time `json:"modified"`
}

// ListDirectories enumerates immediate subdirectories of relPath.
func (b *Browser) ListDirectories(workspace, relPath string) ([]DirectoryInfo, error) {
	abs, err := b.resolver.ResolveInside(workspace, relPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, classifyReadErr(err)
	}

	out := make([]DirectoryInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, DirectoryInfo{
			Name:     e.Name(),
			Path:     filepath.ToSlash(filepath.Join(relPath, e.Name())),
			Modified: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

// ListOptions narrows a file listing.
type ListOptions struct {
	Mask  string // comma-separated globs, basenames only
	Type  string // "files", "directories", or "" for both
	Depth int    // 0 or 1: single level; >1: recursion bound
}

// ListFiles enumerates entries under relPath applying the mask, type
// filter, and depth bound.
func (b *Browser) ListFiles(workspace, relPath string, opts ListOptions) ([]FileInfo, error) {
	if err := ValidateMask(opts.Mask); err != nil {
		return nil, err
	}
	switch opts.Type {
	case "", "files", "directories":
	default:
		return nil, derrors.ValidationError("type must be files or directories")
	}
	abs, err := b.resolver.ResolveInside(workspace, relPath)
	if err != nil {
		return nil, err
	}

	depth := opts.Depth
	if depth < 1 {
		depth = 1
	}

	var out []FileInfo
	err = walkBounded(abs, relPath, depth, func(rel string, d fs.DirEntry) {
		if opts.Type == "files" && d.IsDir() {
			return
		}
		if opts.Type == "directories" && !d.IsDir() {
			return
		}
		if !d.IsDir() && !MatchMask(opts.Mask, d.Name()) {
			return
		}
		info, err := d.Info()
		if err != nil {
			return
		}
		out = append(out, FileInfo{
			Name:      d.Name(),
			Path:      filepath.ToSlash(rel),
			Size:      info.Size(),
			Directory: d.IsDir(),
			Modified:  info.ModTime().UTC(),
		})
	})
	if err != nil {
		return nil, classifyReadErr(err)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Path < out[b].Path })
	return out, nil
}

// walkBounded visits entries up to depth levels below root.
func walkBounded(absRoot, relRoot string, depth int, visit func(rel string, d fs.DirEntry)) error {
	entries, err := os.ReadDir(absRoot)
	if err != nil {
		return err
	}
	for _, e := range entries {
		rel := filepath.Join(relRoot, e.Name())
		visit(rel, e)
		if e.IsDir() && depth > 1 {
			// Listing races with a running job; vanished subtrees are skipped.
			if err := walkBounded(filepath.Join(absRoot, e.Name()), rel, depth-1, visit); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

// TextContent is a bounded UTF-8 file read.
type TextContent struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// ReadText reads a workspace file as UTF-8, bounded to maxTextBytes.
func (b *Browser) ReadText(workspace, relPath string) (*TextContent, error) {
	abs, err := b.resolver.ResolveInside(workspace, relPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, classifyReadErr(err)
	}
	if info.IsDir() {
		return nil, derrors.ValidationError("path is a directory")
	}
	if info.Size() > maxTextBytes {
		return nil, derrors.ValidationError("file too large for text read, use download")
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, classifyReadErr(err)
	}
	if !utf8.Valid(data) {
		return nil, derrors.ValidationError("file is not valid UTF-8, use download")
	}
	return &TextContent{Content: string(data), Encoding: "utf8"}, nil
}

// Open returns a reader over a workspace file together with its size and
// the content type derived from the extension. Caller closes the reader.
func (b *Browser) Open(workspace, relPath string) (io.ReadCloser, int64, string, error) {
	abs, err := b.resolver.ResolveInside(workspace, relPath)
	if err != nil {
		return nil, 0, "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, 0, "", classifyReadErr(err)
	}
	if info.IsDir() {
		return nil, 0, "", derrors.ValidationError("path is a directory")
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, 0, "", classifyReadErr(err)
	}

	ctype := mime.TypeByExtension(strings.ToLower(filepath.Ext(abs)))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	return f, info.Size(), ctype, nil
}

func classifyReadErr(err error) error {
	if os.IsNotExist(err) {
		return derrors.NotFoundError("file not found")
	}
	return derrors.WrapSystem(err, "workspace read")
}
