package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// ErrInvalidCredentials is returned when the cookie file is missing or unreadable.
var ErrInvalidCredentials = errors.New("config: invalid session credentials")

// LoadCookies reads the session credential file. The file holds a single
// "name=value; name2=value2" line, exactly as copied from a browser request.
func LoadCookies(path string) ([]*http.Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidCredentials, path, err)
	}
	return ParseCookies(string(data))
}

// ParseCookies splits a Cookie header value into cookies. Every pair must contain '='.
func ParseCookies(raw string) ([]*http.Cookie, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: no cookies", ErrInvalidCredentials)
	}

	var cookies []*http.Cookie
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: malformed pair %q", ErrInvalidCredentials, part)
		}
		cookies = append(cookies, &http.Cookie{Name: name, Value: strings.TrimSpace(value)})
	}
	if len(cookies) == 0 {
		return nil, fmt.Errorf("%w: no cookies", ErrInvalidCredentials)
	}
	return cookies, nil
}

// CookieHeader renders cookies back into a Cookie header value.
func CookieHeader(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
