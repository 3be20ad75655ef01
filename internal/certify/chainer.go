// Package certify advances the content-certification status of finished
// clips. Minting itself happens elsewhere; this package only requests it.
package certify

import (
	"context"
	"fmt"

	"clipforge/internal/metrics"
	"clipforge/internal/pkg/logger"
)

// Advancer is the single store call the chainer needs.
type Advancer interface {
	AdvanceCert(ctx context.Context, artifactID string) (bool, error)
}

type Chainer struct {
	store Advancer
	log   *logger.Logger
}

func New(store Advancer, log *logger.Logger) *Chainer {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Chainer{store: store, log: log.WithComponent("certify")}
}

// Advance moves cert_status not_requested -> pending for a ready artifact.
// It runs after the render completion write, in its own statement; a false
// result means the guard did not match and nothing changed.
func (c *Chainer) Advance(ctx context.Context, artifactID string) (bool, error) {
	advanced, err := c.store.AdvanceCert(ctx, artifactID)
	metrics.RecordSideChain("certify", err == nil)
	if err != nil {
		return false, fmt.Errorf("advance cert for %s: %w", artifactID, err)
	}
	if advanced {
		c.log.WithArtifactID(artifactID).Info("certification requested")
	}
	return advanced, nil
}
