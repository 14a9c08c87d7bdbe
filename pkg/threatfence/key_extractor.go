package threatfence

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/KanavDutta/threatfence/core"
)

// KeyExtractor is a function that extracts the identity from an HTTP request.
// Address extractors return a bare, canonical IP so that subnet grouping
// and admin targets line up with the identity.
type KeyExtractor func(*http.Request) (string, error)

// ExtractIP returns a KeyExtractor that uses the client's IP address.
// It uses r.RemoteAddr and drops the port.
func ExtractIP() KeyExtractor {
	return func(r *http.Request) (string, error) {
		return remoteIP(r)
	}
}

// ExtractIPWithProxy returns a KeyExtractor that considers proxy headers.
// It checks X-Forwarded-For and X-Real-IP headers before falling back to RemoteAddr.
// Only put this behind a proxy that overwrites these headers.
func ExtractIPWithProxy() KeyExtractor {
	return func(r *http.Request) (string, error) {
		// The first X-Forwarded-For entry is the original client
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return canonicalIP(ip), nil
			}
		}

		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return canonicalIP(xri), nil
		}

		return remoteIP(r)
	}
}

func remoteIP(r *http.Request) (string, error) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port in some edge cases
		ip = r.RemoteAddr
	}
	if ip == "" {
		return "", fmt.Errorf("%w: empty IP address", ErrKeyExtractionFailed)
	}
	return canonicalIP(ip), nil
}

// canonicalIP unmaps IPv4-in-IPv6 and normalises IPv6 spelling. Values
// that do not parse are returned unchanged.
func canonicalIP(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.Unmap().WithZone("").String()
}

// ExtractHeader returns a KeyExtractor that uses a specific HTTP header.
// Example: ExtractHeader("X-API-Key") will use the X-API-Key header value.
func ExtractHeader(headerName string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		value := r.Header.Get(headerName)
		if value == "" {
			return "", fmt.Errorf("%w: header %s not found or empty", ErrKeyExtractionFailed, headerName)
		}
		return fmt.Sprintf("header:%s:%s", headerName, value), nil
	}
}

// ExtractBearer returns a KeyExtractor that uses the Bearer token from Authorization header.
func ExtractBearer() KeyExtractor {
	return func(r *http.Request) (string, error) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			return "", fmt.Errorf("%w: Authorization header not found", ErrKeyExtractionFailed)
		}

		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return "", fmt.Errorf("%w: invalid Authorization header format", ErrKeyExtractionFailed)
		}
		if token == "" {
			return "", fmt.Errorf("%w: empty bearer token", ErrKeyExtractionFailed)
		}
		return "bearer:" + token, nil
	}
}

// ExtractComposite returns a KeyExtractor that tries multiple extractors in order.
// It returns the key from the first extractor that succeeds.
//
// Example:
//
//	extractor := ExtractComposite(
//	    ExtractHeader("X-API-Key"),
//	    ExtractIPWithProxy(),  // Fallback to IP if no API key
//	)
func ExtractComposite(extractors ...KeyExtractor) KeyExtractor {
	return func(r *http.Request) (string, error) {
		if len(extractors) == 0 {
			return "", fmt.Errorf("%w: no extractors provided", ErrKeyExtractionFailed)
		}
		var lastErr error
		for _, extractor := range extractors {
			key, err := extractor(r)
			if err == nil && key != "" {
				return key, nil
			}
			lastErr = err
		}
		if lastErr != nil {
			return "", fmt.Errorf("%w: all extractors failed: %v", ErrKeyExtractionFailed, lastErr)
		}
		return "", fmt.Errorf("%w: all extractors returned empty key", ErrKeyExtractionFailed)
	}
}

// ExtractStatic returns a KeyExtractor that always returns the same key,
// putting every client under one identity.
func ExtractStatic(key string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		if key == "" {
			return "", fmt.Errorf("%w: static key is empty", ErrKeyExtractionFailed)
		}
		return key, nil
	}
}

// ExtractCookie returns a KeyExtractor that uses a specific cookie value.
func ExtractCookie(cookieName string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		cookie, err := r.Cookie(cookieName)
		if err != nil {
			return "", fmt.Errorf("%w: cookie %s not found: %v", ErrKeyExtractionFailed, cookieName, err)
		}
		if cookie.Value == "" {
			return "", fmt.Errorf("%w: cookie %s has empty value", ErrKeyExtractionFailed, cookieName)
		}
		return fmt.Sprintf("cookie:%s:%s", cookieName, cookie.Value), nil
	}
}

// ParseKeyExtractorConfig creates a KeyExtractor from a configuration string.
// Supported formats:
//   - "ip" -> ExtractIP()
//   - "ip-proxy" -> ExtractIPWithProxy()
//   - "header:X-API-Key" -> ExtractHeader("X-API-Key")
//   - "bearer" -> ExtractBearer()
//   - "cookie:session_id" -> ExtractCookie("session_id")
//   - "static:global" -> ExtractStatic("global")
func ParseKeyExtractorConfig(config string) (KeyExtractor, error) {
	kind, arg, hasArg := strings.Cut(config, ":")

	switch kind {
	case "ip":
		return ExtractIP(), nil
	case "ip-proxy":
		return ExtractIPWithProxy(), nil
	case "bearer":
		return ExtractBearer(), nil
	case "header", "cookie", "static":
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("%w: %s extractor requires format '%s:value'", ErrInvalidConfig, kind, kind)
		}
		switch kind {
		case "header":
			return ExtractHeader(arg), nil
		case "cookie":
			return ExtractCookie(arg), nil
		default:
			return ExtractStatic(arg), nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown key extractor type: %s", ErrInvalidConfig, kind)
	}
}

// FingerprintInputsFromHeader collects the headers a fingerprint is built from.
func FingerprintInputsFromHeader(h http.Header) core.FingerprintInputs {
	return core.FingerprintInputs{
		UserAgent:               h.Get("User-Agent"),
		Accept:                  h.Get("Accept"),
		AcceptLanguage:          h.Get("Accept-Language"),
		AcceptEncoding:          h.Get("Accept-Encoding"),
		Connection:              h.Get("Connection"),
		DNT:                     h.Get("DNT"),
		UpgradeInsecureRequests: h.Get("Upgrade-Insecure-Requests"),
	}
}

// RequestFromHTTP builds the pipeline's request record from r.
func RequestFromHTTP(r *http.Request, extract KeyExtractor) (Request, error) {
	identity, err := extract(r)
	if err != nil {
		return Request{}, err
	}
	if identity == "" {
		return Request{}, ErrInvalidKey
	}
	return Request{
		Identity:    identity,
		Fingerprint: FingerprintInputsFromHeader(r.Header),
		Path:        r.URL.Path,
		Method:      r.Method,
	}, nil
}
