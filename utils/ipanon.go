package utils

import (
	"encoding/hex"
	"fmt"
	"net"

	"golang.org/x/crypto/blake2b"

	"github.com/cppla/pageviews/config"
)

// NewIPScrubber returns the client address rewrite for a privacy policy.
// Invalid addresses are dropped under truncate and hashed as-is under hash.
func NewIPScrubber(policy, hashKey string) (func(string) string, error) {
	switch policy {
	case config.IPPolicyNone, "":
		return func(ip string) string { return ip }, nil
	case config.IPPolicyTruncate:
		return TruncateIP, nil
	case config.IPPolicyHash:
		key := []byte(hashKey)
		if len(key) == 0 || len(key) > blake2b.Size {
			return nil, fmt.Errorf("ip hash key must be 1-%d bytes", blake2b.Size)
		}
		return func(ip string) string { return HashIP(key, ip) }, nil
	}
	return nil, fmt.Errorf("unknown ip policy %q", policy)
}

// TruncateIP zeroes the host part: the last octet of IPv4, everything past
// /48 for IPv6.
func TruncateIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return parsed.Mask(net.CIDRMask(48, 128)).String()
}

// HashIP returns a keyed BLAKE2b digest of the address, 32 hex characters.
func HashIP(key []byte, ip string) string {
	if ip == "" {
		return ""
	}
	h, err := blake2b.New(16, key)
	if err != nil {
		return ""
	}
	h.Write([]byte(ip))
	return hex.EncodeToString(h.Sum(nil))
}
