package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
)

var secretPattern = regexp.MustCompile(`(?i)(password|token|secret|pepper)=([^\s&]+)`)

// RedactContent keeps a short head of a paste for debug logs.
func RedactContent(content string) string {
	r := []rune(content)
	if len(r) == 0 {
		return ""
	}
	if len(r) <= 16 {
		return "[REDACTED]"
	}
	return string(r[:8]) + "...[REDACTED]"
}
func RedactSecret(s string) string {
	return secretPattern.ReplaceAllString(s, "$1=[REDACTED]")
}

// RedactIP zeroes the host part of an address: the last octet for IPv4,
// everything after the /32 prefix for IPv6. Unparseable input is hashed.
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		if ip == "" {
			return ""
		}
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}
