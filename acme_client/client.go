package acme_client

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/certcentral/certcentral/certcrypto"
	"github.com/certcentral/certcentral/gologger"
	"github.com/certcentral/certcentral/internal"
	"github.com/certcentral/certcentral/tracing"
	"github.com/certcentral/certcentral/utils"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/ratelimit"
)

const (
	contentTypeJOSE = "application/jose+json"

	pollInitialInterval = time.Second
	pollMaxInterval     = 30 * time.Second

	// attempts after the first send, for 5xx and transport errors only
	maxSendRetries = 2
)

var (
	ErrACMETimeout   = errors.New("acme polling deadline exceeded")
	ErrNoAccount     = errors.New("account not registered yet")
	ErrNoCertificate = errors.New("order has no certificate URL")
)

// Directory is the ACME directory object.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.1.1
type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	RevokeCert string `json:"revokeCert"`
	KeyChange  string `json:"keyChange"`
}

// EAB is an external account binding credential pair.
type EAB struct {
	KID     string
	HMACKey []byte
}

type Client struct {
	directoryURL string
	dir          Directory

	// keyMu guards key and kid: RotateKey swaps them while order
	// workers are signing requests on the same client.
	keyMu sync.Mutex
	key   crypto.Signer
	// kid is the account URL once registered, empty before
	kid string

	eab *EAB

	httpClient *http.Client
	limiter    ratelimit.Limiter
	clock      clock.Clock
	nonces     *nonceCache
	logger     zerolog.Logger
}

type Option func(*Client)

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithEAB(kid string, hmacKey []byte) Option {
	return func(c *Client) { c.eab = &EAB{KID: kid, HMACKey: hmacKey} }
}

// New fetches the CA directory and returns a client bound to one account
// key. The account itself is registered with NewAccount.
func New(ctx context.Context, directoryURL string, key crypto.Signer, opts ...Option) (*Client, error) {
	c := &Client{
		directoryURL: directoryURL,
		key:          key,
		httpClient:   &http.Client{Timeout: time.Second * time.Duration(utils.Env_HTTPTimeoutSec)},
		limiter:      ratelimit.New(int(utils.Env_ACMERequestsPerSecond), ratelimit.WithoutSlack),
		clock:        clock.WallClock,
		logger:       gologger.NewLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.loadDirectory(ctx); err != nil {
		return nil, err
	}
	c.nonces = &nonceCache{newNonceURL: c.dir.NewNonce, httpClient: c.httpClient}
	return c, nil
}

func (c *Client) loadDirectory(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.directoryURL, nil)
	if err != nil {
		return fmt.Errorf("error in http.NewRequestWithContext: %w", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error fetching directory: %w", err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("error reading directory body: %w", err)
	}
	if res.StatusCode > 299 {
		return newProblem(res, resBody, http.MethodGet, c.directoryURL)
	}
	if err := json.Unmarshal(resBody, &c.dir); err != nil {
		return fmt.Errorf("error unmarshaling directory: %w", err)
	}
	return nil
}

func (c *Client) Directory() Directory {
	return c.dir
}

// KID returns the account URL, empty until NewAccount has run.
func (c *Client) KID() string {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	return c.kid
}

// accountKey snapshots the signing key and account URL together, so a
// request signed mid-rotation never mixes the old key with the new kid.
func (c *Client) accountKey() (crypto.Signer, string) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	return c.key, c.kid
}

// KeyAuthorization builds token.thumbprint for a challenge token.
func (c *Client) KeyAuthorization(token string) (string, error) {
	key, _ := c.accountKey()
	return certcrypto.KeyAuthorization(token, key)
}

type acmeResponse struct {
	status   int
	header   http.Header
	body     []byte
	location string
}

// post sends a signed ACME request. 5xx and transport errors are retried a
// bounded number of times; a badNonce rejection is replayed exactly once
// with a fresh nonce inside each attempt.
func (c *Client) post(ctx context.Context, op, url string, payload []byte, embedJWK bool) (*acmeResponse, error) {
	ctx, span := tracing.CertcentralTracer.Start(ctx, "acmePost")
	defer span.End()
	span.SetAttributes(attribute.String("op", op), attribute.String("url", url))

	boff := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
	), maxSendRetries), ctx)

	var res *acmeResponse
	err := backoff.Retry(func() error {
		r, err := c.send(ctx, op, url, payload, embedJWK, true)
		if err != nil {
			var p *Problem
			if errors.As(err, &p) && !p.Transient() {
				return backoff.Permanent(err)
			}
			c.logger.Warn().Err(err).Str("op", op).Msg("retryable acme error")
			return err
		}
		res = r
		return nil
	}, boff)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("status", res.status))
	return res, nil
}

func (c *Client) send(ctx context.Context, op, url string, payload []byte, embedJWK, retryBadNonce bool) (*acmeResponse, error) {
	c.limiter.Take()

	signed, err := c.signContent(url, payload, embedJWK)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(signed.FullSerialize())))
	if err != nil {
		return nil, fmt.Errorf("error in http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJOSE)
	if op == "downloadCertificate" {
		req.Header.Set("Accept", "application/pem-certificate-chain")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error doing request: %w", err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading body: %w", err)
	}

	if nonce := res.Header.Get("Replay-Nonce"); nonce != "" {
		c.nonces.push(nonce)
	}
	internal.Metric_ACMERequests.WithLabelValues(op, strconv.Itoa(res.StatusCode)).Inc()

	if res.StatusCode > 299 {
		problem := newProblem(res, resBody, http.MethodPost, url)
		if problem.IsBadNonce() && retryBadNonce {
			internal.Metric_ACMEBadNonceRetries.Inc()
			c.logger.Debug().Str("op", op).Msg("retrying request after badNonce")
			return c.send(ctx, op, url, payload, embedJWK, false)
		}
		return nil, problem
	}

	return &acmeResponse{
		status:   res.StatusCode,
		header:   res.Header,
		body:     resBody,
		location: res.Header.Get("Location"),
	}, nil
}

// postAsGet fetches a resource with an empty JWS payload.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-6.3
func (c *Client) postAsGet(ctx context.Context, op, url string) (*acmeResponse, error) {
	return c.post(ctx, op, url, []byte{}, false)
}

// pollUntil polls until poll reports done, the deadline passes, or the
// context is canceled. The interval starts at 1s and doubles to a 30s cap;
// a Retry-After hint overrides the next interval.
func (c *Client) pollUntil(ctx context.Context, deadline time.Time, poll func(ctx context.Context) (done bool, retryAfter time.Duration, err error)) error {
	interval := pollInitialInterval
	for {
		done, retryAfter, err := poll(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		now := c.clock.Now()
		if !now.Before(deadline) {
			return ErrACMETimeout
		}
		wait := interval
		if retryAfter > 0 {
			wait = retryAfter
		}
		if remaining := deadline.Sub(now); wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(wait):
		}

		interval *= 2
		if interval > pollMaxInterval {
			interval = pollMaxInterval
		}
	}
}

// nonceCache is the only shared state in the client: one anti-replay token,
// refreshed from every Replay-Nonce response header and fetched lazily from
// newNonce when empty. Implements jose.NonceSource.
type nonceCache struct {
	mu          sync.Mutex
	nonce       string
	newNonceURL string
	httpClient  *http.Client
}

func (n *nonceCache) Nonce() (string, error) {
	n.mu.Lock()
	if n.nonce != "" {
		nonce := n.nonce
		n.nonce = ""
		n.mu.Unlock()
		return nonce, nil
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, n.newNonceURL, nil)
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	res, err := n.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error doing request: %w", err)
	}
	defer res.Body.Close()

	nonce := res.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", fmt.Errorf("newNonce returned no Replay-Nonce header (status %d)", res.StatusCode)
	}
	return nonce, nil
}

func (n *nonceCache) push(nonce string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonce = nonce
}
