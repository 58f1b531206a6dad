// Package urls provides utility functions for working with URLs.
package urls

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

// IsURLValid checks if the given URL is valid.
func IsURLValid(raw string) bool {
	u, err := url.Parse(raw)

	return err == nil && u.Scheme != "" && u.Host != "" && (u.Scheme == schemeHTTP || u.Scheme == schemeHTTPS)
}

// FixURL prepends https scheme to URL.
// Example: cdn.example.com/index.m3u8 => https://cdn.example.com/index.m3u8
func FixURL(raw string) string {
	u, err := url.Parse(raw)
	if err == nil && (u.Scheme == "" || (u.Scheme != schemeHTTP && u.Scheme != schemeHTTPS)) {
		u.Scheme = schemeHTTPS

		return u.String()
	}

	return raw
}

// Normalize trims spaces, parses and returns the URL in string format.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	return u.String()
}

// Resolve resolves ref against base. Absolute refs are returned as-is,
// relative ones inherit the base's scheme, host and directory.
func Resolve(base *url.URL, ref string) (string, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse ref %q: %w", ref, err)
	}

	if base == nil {
		return r.String(), nil
	}

	return base.ResolveReference(r).String(), nil
}

// Filename returns the last path element of raw without its extension,
// or fallback when the URL has no usable path.
func Filename(raw, fallback string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return fallback
	}

	return strings.TrimSuffix(name, path.Ext(name))
}
