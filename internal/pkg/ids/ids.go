// Package ids mints prefixed identifiers such as "job_3f6c...".
package ids

import (
	"strings"

	"github.com/google/uuid"
)

const (
	PrefixJob      = "job"
	PrefixArtifact = "art"
	PrefixRender   = "rnd"
)

// New returns prefix + "_" + a random UUID without dashes.
func New(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewJob returns a fresh render job id.
func NewJob() string { return New(PrefixJob) }

// NewArtifact returns a fresh render artifact id.
func NewArtifact() string { return New(PrefixArtifact) }

// NewRender returns a render id offered to the rendering service for one clip.
func NewRender() string { return New(PrefixRender) }

// HasPrefix reports whether id was minted with prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_") && len(id) == len(prefix)+33
}
