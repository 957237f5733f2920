package workspace

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"git.home.luguber.info/inful/agentbatch/internal/logfields"
)

// Method is the copy-on-write technique used for workspace clones.
type Method string

const (
	MethodReflink  Method = "reflink"  // cp --reflink=always (xfs, btrfs, bcachefs)
	MethodSnapshot Method = "snapshot" // btrfs subvolume snapshot
	MethodHardlink Method = "hardlink" // hardlink tree, shares blocks until replaced
	MethodCopy     Method = "copy"     // plain recursive copy
)

// detectMethod probes the filesystem containing root once at startup,
// cheapest technique first.
func detectMethod(root string) Method {
	if probeReflink(root) {
		return MethodReflink
	}
	if probeSubvolume(root) {
		return MethodSnapshot
	}
	if probeHardlink(root) {
		return MethodHardlink
	}
	return MethodCopy
}

func probeReflink(root string) bool {
	src := filepath.Join(root, ".cow-probe-src")
	dst := filepath.Join(root, ".cow-probe-dst")
	defer os.Remove(src)
	defer os.Remove(dst)

	if err := os.WriteFile(src, []byte("probe"), 0o600); err != nil {
		return false
	}
	return exec.Command("cp", "--reflink=always", src, dst).Run() == nil
}

func probeSubvolume(root string) bool {
	return exec.Command("btrfs", "subvolume", "show", root).Run() == nil
}

func probeHardlink(root string) bool {
	src := filepath.Join(root, ".link-probe-src")
	dst := filepath.Join(root, ".link-probe-dst")
	defer os.Remove(src)
	defer os.Remove(dst)

	if err := os.WriteFile(src, []byte("probe"), 0o600); err != nil {
		return false
	}
	return os.Link(src, dst) == nil
}

// clone materializes dst from src using the manager's method. Callers own
// cleanup of a partially created dst on error.
func (m *Manager) clone(src, dst string) error {
	switch m.method {
	case MethodReflink:
		if err := exec.Command("cp", "-a", "--reflink=always", src, dst).Run(); err == nil {
			return nil
		}
		slog.Warn("reflink clone failed, falling back to plain copy", logfields.Path(src))
		return copyTree(src, dst)
	case MethodSnapshot:
		if err := exec.Command("btrfs", "subvolume", "snapshot", src, dst).Run(); err == nil {
			return nil
		}
		// Masters created before the filesystem was converted may not be
		// subvolumes; degrade per clone rather than failing the job.
		slog.Warn("subvolume snapshot failed, falling back to plain copy", logfields.Path(src))
		return copyTree(src, dst)
	case MethodHardlink:
		return linkTree(src, dst)
	default:
		return copyTree(src, dst)
	}
}

func deleteSubvolume(path string) error {
	return exec.Command("btrfs", "subvolume", "delete", path).Run()
}

// linkTree recreates the directory structure and hardlinks regular files.
func linkTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return os.Link(path, target)
		default:
			// Sockets, devices and the like have no place in a workspace.
			return nil
		}
	})
}

// copyTree performs a plain recursive copy preserving permissions.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
