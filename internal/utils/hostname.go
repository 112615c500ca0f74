package utils

import (
	"regexp"
	"strings"
)

var (
	ipv4Prefix  = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9.-]`)
)

// Substrings that mark a hostname as belonging to the napper itself.
var selfMarkers = []string{"kamal-napper", "naptime"}

/**
 * Report whether a hostname identifies a manageable application
 * @param {string} host - Candidate hostname
 * @param {string} ownHostname - The napper's own hostname from config, may be empty
 * @returns {bool} true when the host may enter the managed set
 * @description
 * - Must be 4..99 characters, contain a dot and no colon
 * - localhost and dotted-quad IPv4 literals are rejected
 * - The napper never manages itself (own_hostname or marker substrings)
 */
func IsValidHostname(host, ownHostname string) bool {
	if host == "" || len(host) < 4 || len(host) > 99 {
		return false
	}
	if !strings.Contains(host, ".") {
		return false
	}
	if strings.Contains(host, ":") {
		return false
	}
	if host == "localhost" {
		return false
	}
	if ipv4Prefix.MatchString(host) {
		return false
	}
	if IsSelfHostname(host, ownHostname) {
		return false
	}
	return true
}

// IsSelfHostname reports whether the host is the napper itself.
func IsSelfHostname(host, ownHostname string) bool {
	if ownHostname != "" && host == ownHostname {
		return true
	}
	lower := strings.ToLower(host)
	for _, marker := range selfMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// SanitizeHostname makes a hostname safe for use in a filename.
func SanitizeHostname(host string) string {
	return unsafeChars.ReplaceAllString(host, "_")
}

// ServiceFromHost derives the container service label from a hostname:
// the first dot-separated component ("app.example.com" -> "app").
func ServiceFromHost(host string) string {
	if idx := strings.Index(host, "."); idx > 0 {
		return host[:idx]
	}
	return host
}
