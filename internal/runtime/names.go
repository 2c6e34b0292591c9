package runtime

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
)

// Provider object names: lowercase alphanumerics and dashes, 64 chars max.
const maxNameLen = 64

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// VolumeName derives the persistent volume name for a user.
func VolumeName(userID string) string {
	return sanitizeName("monios-user", userID)
}

// SandboxName derives the sandbox name for a user.
func SandboxName(userID string) string {
	return sanitizeName("monios-sb", userID)
}

// sanitizeName builds "<prefix>-<slug>-<hash>". The slug collapses anything
// outside [a-z0-9] to single dashes; the sha1-based suffix keeps distinct
// raw IDs distinct even when their slugs collide. The result always fits
// the provider's 64-char limit.
func sanitizeName(prefix, raw string) string {
	sum := sha1.Sum([]byte(raw))
	suffix := hex.EncodeToString(sum[:])[:8]

	slug := nonAlnum.ReplaceAllString(strings.ToLower(raw), "-")
	slug = strings.Trim(slug, "-")

	budget := maxNameLen - len(prefix) - len(suffix) - 2
	if len(slug) > budget {
		slug = strings.Trim(slug[:budget], "-")
	}
	if slug == "" {
		return prefix + "-" + suffix
	}
	return prefix + "-" + slug + "-" + suffix
}
