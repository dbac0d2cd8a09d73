// Package idgen generates identifiers for audit records, alerts and feedback.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID in canonical form.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dash-free random UUID,
// e.g. "fc_9f1c0e...". Prefixes in use: "fc_" (fraud checks), "alr_" (alerts),
// "fb_" (feedback).
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
