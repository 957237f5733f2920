package browse

import (
	"strings"

	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
)

// ValidateMask rejects masks that could smuggle path syntax into matching.
// Masks filter basenames only; separators and traversal have no business
// in them.
func ValidateMask(mask string) error {
	if strings.Contains(mask, "..") {
		return derrors.ValidationError("mask must not contain traversal")
	}
	if strings.ContainsAny(mask, "/\\") {
		return derrors.ValidationError("mask must not contain path separators")
	}
	for _, r := range mask {
		if r < 0x20 {
			return derrors.ValidationError("mask must not contain control characters")
		}
	}
	return nil
}

// MatchMask reports whether name matches the comma-separated mask.
// `*` matches everything, `*.ext` matches the extension case-insensitively,
// anything else matches the name literally. An empty mask matches all.
func MatchMask(mask, name string) bool {
	if mask == "" {
		return true
	}
	for _, pat := range strings.Split(mask, ",") {
		pat = strings.TrimSpace(pat)
		switch {
		case pat == "":
			continue
		case pat == "*":
			return true
		case strings.HasPrefix(pat, "*."):
			if strings.HasSuffix(strings.ToLower(name), strings.ToLower(pat[1:])) {
				return true
			}
		default:
			if name == pat {
				return true
			}
		}
	}
	return false
}
