// Package util holds small helpers shared across the service: path safety,
// error correlation ids, human-readable sizes, and IP allowlist checks.
package util

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SafePathJoin joins path elements onto root and rejects any result that
// escapes root. Every intermediate join is checked, so "a/../../etc" fails
// even when a later element would bring the path back inside.
func SafePathJoin(root string, elems ...string) (string, error) {
	base, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root %q: %w", root, err)
	}
	joined := base
	for _, elem := range elems {
		joined, err = filepath.Abs(filepath.Join(joined, elem))
		if err != nil {
			return "", fmt.Errorf("resolving %q: %w", elem, err)
		}
		if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
			return "", fmt.Errorf("path %q escapes %q", elem, root)
		}
	}
	return joined, nil
}

// NewErrorID returns an opaque correlation id for error reporting.
// The timestamp prefix keeps ids sortable in logs.
func NewErrorID() string {
	return fmt.Sprintf("%d-%s", time.Now().Unix(), uuid.NewString()[:8])
}

// ReadableSize formats a byte count for display.
func ReadableSize(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// IPAllowed reports whether ip matches any entry in allowed. Entries may be
// single addresses or CIDR ranges.
func IPAllowed(ip string, allowed []string) bool {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return false
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err == nil && cidr.Contains(addr) {
				return true
			}
			continue
		}
		if other := net.ParseIP(entry); other != nil && other.Equal(addr) {
			return true
		}
	}
	return false
}
