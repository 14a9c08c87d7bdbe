package core

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"strings"
)

// FingerprintInputs are the client-declared headers a fingerprint is
// derived from.
type FingerprintInputs struct {
	UserAgent               string `json:"user_agent,omitempty"`
	Accept                  string `json:"accept,omitempty"`
	AcceptLanguage          string `json:"accept_language,omitempty"`
	AcceptEncoding          string `json:"accept_encoding,omitempty"`
	Connection              string `json:"connection,omitempty"`
	DNT                     string `json:"dnt,omitempty"`
	UpgradeInsecureRequests string `json:"upgrade_insecure_requests,omitempty"`
}

// IsZero reports whether no input was supplied.
func (in FingerprintInputs) IsZero() bool {
	return in == FingerprintInputs{}
}

// Fingerprint derives a stable hex identity hash from the inputs.
// Returns "" when there is nothing to hash.
func Fingerprint(in FingerprintInputs) string {
	if in.IsZero() {
		return ""
	}

	// Fixed field order keeps the hash stable across releases.
	fields := []string{
		"accept=" + in.Accept,
		"accept_encoding=" + in.AcceptEncoding,
		"accept_language=" + in.AcceptLanguage,
		"connection=" + in.Connection,
		"dnt=" + in.DNT,
		"upgrade_insecure=" + in.UpgradeInsecureRequests,
		"user_agent=" + in.UserAgent,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\n")))
	return hex.EncodeToString(sum[:])
}

// ShortFingerprint truncates a fingerprint for logs and API output.
func ShortFingerprint(fp string) string {
	if len(fp) <= 16 {
		return fp
	}
	return fp[:16] + "..."
}

// UnknownSubnet is reported for identities that are not network addresses.
const UnknownSubnet = "unknown"

// SubnetOf returns the /24 (IPv4) or /64 (IPv6) prefix containing the
// identity, or UnknownSubnet when it does not parse as an address.
func SubnetOf(identity string) string {
	addr, err := netip.ParseAddr(strings.TrimPrefix(identity, "ip:"))
	if err != nil {
		return UnknownSubnet
	}
	addr = addr.Unmap()

	bits := 64
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.WithZone("").Prefix(bits)
	if err != nil {
		return UnknownSubnet
	}
	return prefix.String()
}
