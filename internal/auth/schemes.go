package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/GehirnInc/crypt"
	"github.com/openwall/yescrypt-go"

	// Register the crypt(3) schemes accepted in stored password records.
	_ "github.com/GehirnInc/crypt/md5_crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
)

// Supported password record prefixes: legacy md5, sha256, sha512, yescrypt.
var supportedPrefixes = []string{"$1$", "$5$", "$6$", "$y$"}

// schemeSupported reports whether the record names a scheme we can verify.
func schemeSupported(record string) bool {
	for _, p := range supportedPrefixes {
		if strings.HasPrefix(record, p) {
			return true
		}
	}
	return false
}

// hashWithSetting re-derives the full password record for a plaintext secret
// using the salt and parameters embedded in the stored record.
func hashWithSetting(plaintext, stored string) (string, error) {
	switch {
	case strings.HasPrefix(stored, "$y$"):
		out, err := yescrypt.Hash([]byte(plaintext), []byte(stored))
		if err != nil {
			return "", fmt.Errorf("yescrypt: %w", err)
		}
		return string(out), nil
	case schemeSupported(stored):
		crypter := crypt.NewFromHash(stored)
		out, err := crypter.Generate([]byte(plaintext), []byte(stored))
		if err != nil {
			return "", fmt.Errorf("crypt: %w", err)
		}
		return out, nil
	default:
		return "", fmt.Errorf("unsupported password record scheme")
	}
}

// recordsEqual compares two full password records in constant time.
func recordsEqual(a, b string) bool {
	// Length leaks only the scheme, which the prefix already names.
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
