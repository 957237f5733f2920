package workspace

import (
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
)

// Reserved device names that must never appear as path elements when the
// tree is later served to or from Windows clients.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
}

// ResolveInside resolves a client-supplied path to an absolute path strictly
// inside the given workspace. Inputs containing traversal, absolute
// prefixes, NULs, reserved tokens, or symlinks escaping the workspace are
// rejected with a validation error. This is the only path entry into
// workspace I/O.
func (m *Manager) ResolveInside(workspace, userPath string) (string, error) {
	if strings.ContainsRune(userPath, 0) {
		return "", derrors.ValidationError("path contains NUL byte")
	}
	if strings.HasPrefix(userPath, "/") || strings.HasPrefix(userPath, "\\") {
		return "", derrors.ValidationError("absolute paths are not allowed")
	}
	// Windows-style separators and drive letters never name workspace files.
	if strings.Contains(userPath, "\\") || (len(userPath) > 1 && userPath[1] == ':') {
		return "", derrors.ValidationError("path contains reserved separators")
	}
	for _, seg := range strings.Split(userPath, "/") {
		if seg == ".." {
			return "", derrors.ValidationError("path traversal is not allowed")
		}
		base := strings.ToLower(seg)
		if dot := strings.IndexByte(base, '.'); dot > 0 {
			base = base[:dot]
		}
		if reservedNames[base] {
			return "", derrors.ValidationError("path contains a reserved name")
		}
	}

	// SecureJoin resolves symlinks lexically scoped to the workspace root,
	// so a link pointing outside cannot escape.
	resolved, err := securejoin.SecureJoin(workspace, userPath)
	if err != nil {
		return "", derrors.ValidationError("path could not be resolved")
	}

	cleanRoot := filepath.Clean(workspace)
	if resolved != cleanRoot && !strings.HasPrefix(resolved, cleanRoot+string(filepath.Separator)) {
		return "", derrors.ValidationError("path escapes workspace")
	}
	return resolved, nil
}
