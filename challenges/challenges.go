// Package challenges fulfills ACME challenges: http-01 by dropping the key
// authorization in the well-known directory the edge fleet exposes, dns-01
// by placing TXT records through a pluggable DNS provider and waiting for
// them to reach every authoritative nameserver.
package challenges

import (
	"context"
	"errors"
	"fmt"

	"github.com/certcentral/certcentral/gologger"
)

var (
	ErrProvision          = errors.New("challenge provisioning failed")
	ErrPropagationTimeout = errors.New("TXT record did not propagate in time")
	ErrNoSolver           = errors.New("no solver for challenge type")
	ErrNoProviderForZone  = errors.New("no dns provider zone covers the name")

	logger = gologger.NewLogger()
)

// Challenge is everything a fulfiller needs to know about one pending
// challenge. Identifier is the DNS name being proven, wildcard prefix
// included.
type Challenge struct {
	Type             string
	Identifier       string
	Token            string
	KeyAuthorization string
}

// Solver provisions and withdraws challenge responses. Present must be
// idempotent under the same challenge identity; CleanUp is best-effort and
// must never block an order's success path.
type Solver interface {
	Present(ctx context.Context, ch Challenge) error
	CleanUp(ctx context.Context, ch Challenge) error
}

// Registry maps challenge types to their solvers.
type Registry map[string]Solver

func (r Registry) For(challengeType string) (Solver, error) {
	solver, ok := r[challengeType]
	if !ok {
		return nil, fmt.Errorf("%s: %w", challengeType, ErrNoSolver)
	}
	return solver, nil
}
