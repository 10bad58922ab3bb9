package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Normalize canonicalizes rawURL and returns it with its fingerprint.
// Scheme and host are lowercased, default ports and the fragment are dropped
// and an empty path becomes "/". The query and the rest of the path are kept
// byte for byte.
func Normalize(rawURL string) (string, Fingerprint, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Opaque != "" || u.Host == "" {
		return "", "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}

	canonical := u.String()
	return canonical, FingerprintOf(canonical), nil
}

// FingerprintOf hashes an already canonical URL.
func FingerprintOf(canonical string) Fingerprint {
	sum := sha256.Sum256([]byte(canonical))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Host returns the lowercased host (without port) of rawURL, or "" when it does not parse.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
