package challenges

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/certcentral/certcentral/internal"
	"github.com/juju/clock"
)

const (
	selfCheckInterval = 2 * time.Second
	selfCheckDeadline = 30 * time.Second
)

// HTTP01Solver writes key authorizations under the challenges directory the
// edge servers expose (or proxy) as /.well-known/acme-challenge/. Mirroring
// that directory across the fleet is an operational contract, not handled
// here.
type HTTP01Solver struct {
	ChallengesDir string
	// SelfCheckURLs are vantage base URLs; before Present returns, the
	// token must be fetchable from at least one of them. Empty disables
	// the check.
	SelfCheckURLs []string

	HTTPClient *http.Client
	Clock      clock.Clock
}

func NewHTTP01Solver(challengesDir string, selfCheckURLs []string) *HTTP01Solver {
	return &HTTP01Solver{
		ChallengesDir: challengesDir,
		SelfCheckURLs: selfCheckURLs,
		HTTPClient:    &http.Client{Timeout: 10 * time.Second},
		Clock:         clock.WallClock,
	}
}

func (s *HTTP01Solver) Present(ctx context.Context, ch Challenge) error {
	if err := os.MkdirAll(s.ChallengesDir, 0755); err != nil {
		return fmt.Errorf("error creating challenges dir: %s: %w", err, ErrProvision)
	}

	path := filepath.Join(s.ChallengesDir, ch.Token)
	if existing, err := os.ReadFile(path); err == nil && string(existing) == ch.KeyAuthorization {
		// an earlier attempt for the same challenge already placed it
		internal.Metric_ChallengesPresented.WithLabelValues(ch.Type).Inc()
		return s.selfCheck(ctx, ch)
	}
	if err := os.WriteFile(path, []byte(ch.KeyAuthorization), 0644); err != nil {
		return fmt.Errorf("error writing token file: %s: %w", err, ErrProvision)
	}
	internal.Metric_ChallengesPresented.WithLabelValues(ch.Type).Inc()

	logger.Debug().Str("identifier", ch.Identifier).Str("token", ch.Token).Msg("http-01 token placed")
	return s.selfCheck(ctx, ch)
}

func (s *HTTP01Solver) CleanUp(ctx context.Context, ch Challenge) error {
	path := filepath.Join(s.ChallengesDir, ch.Token)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing token file: %w", err)
	}
	return nil
}

// selfCheck polls the advertised vantages until one of them serves the key
// authorization. A single reachable vantage is enough: the fleet either
// mirrors the directory or routes the well-known path here.
func (s *HTTP01Solver) selfCheck(ctx context.Context, ch Challenge) error {
	if len(s.SelfCheckURLs) == 0 {
		return nil
	}

	deadline := s.Clock.Now().Add(selfCheckDeadline)
	for {
		for _, base := range s.SelfCheckURLs {
			if s.visibleAt(ctx, base, ch) {
				return nil
			}
		}
		if !s.Clock.Now().Add(selfCheckInterval).Before(deadline) {
			return fmt.Errorf("token for %s not visible at any vantage: %w", ch.Identifier, ErrProvision)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Clock.After(selfCheckInterval):
		}
	}
}

func (s *HTTP01Solver) visibleAt(ctx context.Context, base string, ch Challenge) bool {
	url := strings.TrimSuffix(base, "/") + "/.well-known/acme-challenge/" + ch.Token
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	res, err := s.HTTPClient.Do(req)
	if err != nil {
		logger.Debug().Err(err).Str("url", url).Msg("self-check vantage unreachable")
		return false
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 4096))
	if err != nil {
		return false
	}
	return bytes.Equal(bytes.TrimSpace(body), []byte(ch.KeyAuthorization))
}
