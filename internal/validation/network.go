// Package validation holds the pure input checks the gateway performs
// before touching the packet filter: subnet membership for IPv4
// addresses and identifier hygiene for values that end up on an nft
// command line.
package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// Valid identifier: alphanumeric, dash, underscore
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// Dangerous characters that should never appear in identifiers
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r"}
)

// IsInNetwork reports whether the dotted-quad IPv4 address ip falls
// inside the CIDR network. It fails closed: any malformed input returns
// false, never an error, so a bad address can never read as authorized.
func IsInNetwork(ip, cidr string) bool {
	ipInt, ok := parseIPv4(ip)
	if !ok {
		return false
	}

	network, prefixStr, found := strings.Cut(cidr, "/")
	if !found {
		return false
	}
	netInt, ok := parseIPv4(network)
	if !ok {
		return false
	}
	prefix, err := strconv.Atoi(prefixStr)
	if err != nil || prefix < 0 || prefix > 32 {
		return false
	}

	mask := uint32(0)
	if prefix > 0 {
		mask = ^uint32(0) << (32 - prefix)
	}
	return ipInt&mask == netInt&mask
}

// IsIPv4 reports whether s is a well-formed dotted-quad IPv4 address.
func IsIPv4(s string) bool {
	_, ok := parseIPv4(s)
	return ok
}

// parseIPv4 converts a dotted quad to its 32-bit value. Rejects
// anything that is not exactly four decimal octets in 0-255.
func parseIPv4(s string) (uint32, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, false
	}
	var v uint32
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return 0, false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return 0, false
		}
		v = v<<8 | uint32(n)
	}
	return v, true
}

// ValidateIdentifier validates a general identifier (room keys, nft
// table and set names).
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	if len(id) > 255 {
		return fmt.Errorf("identifier too long (max 255 characters)")
	}

	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("invalid identifier: %s (must be alphanumeric with -_)", id)
	}

	for _, char := range dangerousChars {
		if strings.Contains(id, char) {
			return fmt.Errorf("identifier contains dangerous character: %s", char)
		}
	}

	return nil
}

// ValidatePortNumber validates a port number.
func ValidatePortNumber(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be 1-65535)", port)
	}
	return nil
}
