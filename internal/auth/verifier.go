package auth

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
	"git.home.luguber.info/inful/agentbatch/internal/logfields"
)

// Refined failure kinds. These never cross the component boundary; callers
// always receive the generic auth error so responses cannot disclose whether
// a username exists.
var (
	errUserUnknown     = fmt.Errorf("user unknown")
	errBadCredential   = fmt.Errorf("bad credential")
	errMalformedSecret = fmt.Errorf("malformed secret")
	errSystem          = fmt.Errorf("password database unavailable")
)

// Verifier authenticates users against the host passwd/shadow files.
type Verifier struct {
	passwdPath string
	shadowPath string
	admins     map[string]bool
}

// NewVerifier creates a verifier reading the standard host database.
func NewVerifier(adminUsers []string) *Verifier {
	return NewVerifierWithPaths("/etc/passwd", "/etc/shadow", adminUsers)
}

// NewVerifierWithPaths creates a verifier with explicit database paths (tests).
func NewVerifierWithPaths(passwdPath, shadowPath string, adminUsers []string) *Verifier {
	admins := make(map[string]bool, len(adminUsers))
	for _, u := range adminUsers {
		admins[u] = true
	}
	return &Verifier{passwdPath: passwdPath, shadowPath: shadowPath, admins: admins}
}

// Verify authenticates the pair and returns the resolved principal.
// The secret is either a plaintext password or, when it carries a
// $<scheme>$ prefix, a pre-computed password record compared against the
// stored record directly.
func (v *Verifier) Verify(username, secret string) (*Principal, error) {
	principal, err := v.verify(username, secret)
	if err != nil {
		// Log the refined kind; surface only the indistinguishable error.
		slog.Warn("authentication rejected",
			logfields.Principal(username),
			slog.String("reason", err.Error()))
		return nil, derrors.AuthError()
	}
	return principal, nil
}

func (v *Verifier) verify(username, secret string) (*Principal, error) {
	if username == "" || strings.ContainsAny(username, ":\n\x00") {
		return nil, errMalformedSecret
	}

	entry, err := v.lookupPasswd(username)
	if err != nil {
		return nil, err
	}
	stored, err := v.lookupRecord(username, entry)
	if err != nil {
		return nil, err
	}

	// Locked or disabled accounts carry !, * or an empty record.
	if stored == "" || strings.HasPrefix(stored, "!") || strings.HasPrefix(stored, "*") {
		return nil, errBadCredential
	}
	if !schemeSupported(stored) {
		return nil, errSystem
	}

	if strings.HasPrefix(secret, "$") {
		// Pre-computed record: scheme prefix decides, not a separate flag.
		if !schemeSupported(secret) {
			return nil, errMalformedSecret
		}
		if !recordsEqual(secret, stored) {
			return nil, errBadCredential
		}
	} else {
		computed, err := hashWithSetting(secret, stored)
		if err != nil {
			return nil, errSystem
		}
		if !recordsEqual(computed, stored) {
			return nil, errBadCredential
		}
	}

	return &Principal{
		Username: username,
		UID:      entry.uid,
		GID:      entry.gid,
		HomeDir:  entry.home,
		Admin:    v.admins[username],
	}, nil
}

// Lookup resolves a username to its principal without authenticating.
// Used when re-impersonating owners of restored jobs.
func (v *Verifier) Lookup(username string) (*Principal, error) {
	entry, err := v.lookupPasswd(username)
	if err != nil {
		return nil, derrors.AuthError()
	}
	return &Principal{
		Username: username,
		UID:      entry.uid,
		GID:      entry.gid,
		HomeDir:  entry.home,
		Admin:    v.admins[username],
	}, nil
}

type passwdEntry struct {
	hashField string
	uid       int
	gid       int
	home      string
}

func (v *Verifier) lookupPasswd(username string) (*passwdEntry, error) {
	f, err := os.Open(v.passwdPath)
	if err != nil {
		return nil, errSystem
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 7 || fields[0] != username {
			continue
		}
		uid, uerr := strconv.Atoi(fields[2])
		gid, gerr := strconv.Atoi(fields[3])
		if uerr != nil || gerr != nil {
			return nil, errSystem
		}
		return &passwdEntry{hashField: fields[1], uid: uid, gid: gid, home: fields[5]}, nil
	}
	if scanner.Err() != nil {
		return nil, errSystem
	}
	return nil, errUserUnknown
}

// lookupRecord extracts the stored password record, following the "x"
// indirection from passwd into shadow.
func (v *Verifier) lookupRecord(username string, entry *passwdEntry) (string, error) {
	if entry.hashField != "x" {
		return entry.hashField, nil
	}

	f, err := os.Open(v.shadowPath)
	if err != nil {
		return "", errSystem
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 2 || fields[0] != username {
			continue
		}
		return fields[1], nil
	}
	if scanner.Err() != nil {
		return "", errSystem
	}
	return "", errUserUnknown
}
