package core

import "testing"

func TestFingerprint(t *testing.T) {
	chrome := FingerprintInputs{
		UserAgent:      "Mozilla/5.0 Chrome/120.0",
		Accept:         "text/html",
		AcceptLanguage: "en-US",
	}

	a := Fingerprint(chrome)
	b := Fingerprint(chrome)
	if a != b {
		t.Fatalf("Fingerprint() not stable: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("len(Fingerprint()) = %d, want 64", len(a))
	}

	other := chrome
	other.AcceptLanguage = "de-DE"
	if Fingerprint(other) == a {
		t.Error("different inputs should produce different fingerprints")
	}

	if got := Fingerprint(FingerprintInputs{}); got != "" {
		t.Errorf("Fingerprint(empty) = %q, want empty", got)
	}
}

func TestShortFingerprint(t *testing.T) {
	if got := ShortFingerprint("abc"); got != "abc" {
		t.Errorf("ShortFingerprint(abc) = %q", got)
	}
	if got := ShortFingerprint("0123456789abcdef0123"); got != "0123456789abcdef..." {
		t.Errorf("ShortFingerprint() = %q", got)
	}
}

func TestSubnetOf(t *testing.T) {
	tests := []struct {
		identity string
		want     string
	}{
		{"192.168.1.77", "192.168.1.0/24"},
		{"ip:10.1.2.3", "10.1.2.0/24"},
		{"::ffff:10.1.2.3", "10.1.2.0/24"},
		{"2001:db8:abcd:12:1:2:3:4", "2001:db8:abcd:12::/64"},
		{"fe80::1%eth0", "fe80::/64"},
		{"header:X-API-Key:secret", UnknownSubnet},
		{"", UnknownSubnet},
	}

	for _, tt := range tests {
		t.Run(tt.identity, func(t *testing.T) {
			if got := SubnetOf(tt.identity); got != tt.want {
				t.Errorf("SubnetOf(%q) = %q, want %q", tt.identity, got, tt.want)
			}
		})
	}
}
