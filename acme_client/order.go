package acme_client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Order statuses.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.1.6
const (
	OrderStatusPending    = "pending"
	OrderStatusReady      = "ready"
	OrderStatusProcessing = "processing"
	OrderStatusValid      = "valid"
	OrderStatusInvalid    = "invalid"
)

// Identifier names one subject of an order or authorization, always of
// type "dns" here.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-9.7.7
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Order the ACME order Object.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.1.3
// wire shape follows lego's commons.go
type Order struct {
	// status (required, string):
	// The status of this order.
	// Possible values are: "pending", "ready", "processing", "valid", and "invalid".
	Status string `json:"status,omitempty"`

	// expires (optional, string):
	// The timestamp after which the server will consider this order invalid,
	// encoded in the format specified in RFC 3339.
	// This field is REQUIRED for objects with "pending" or "valid" in the status field.
	Expires string `json:"expires,omitempty"`

	// identifiers (required, array of object):
	// An array of identifier objects that the order pertains to.
	Identifiers []Identifier `json:"identifiers"`

	// notBefore (optional, string):
	// The requested value of the notBefore field in the certificate,
	// in the date format defined in RFC 3339.
	NotBefore string `json:"notBefore,omitempty"`

	// notAfter (optional, string):
	// The requested value of the notAfter field in the certificate,
	// in the date format defined in RFC 3339.
	NotAfter string `json:"notAfter,omitempty"`

	// error (optional, object):
	// The error that occurred while processing the order, if any.
	// This field is structured as a problem document.
	Error *Problem `json:"error,omitempty"`

	// authorizations (required, array of string):
	// For pending orders,
	// the authorizations that the client needs to complete before the requested certificate can be issued,
	// including unexpired authorizations that the client has completed in the past for identifiers specified in the order.
	// The authorizations required are dictated by server policy
	// and there may not be a 1:1 relationship between the order identifiers and the authorizations required.
	// For final orders (in the "valid" or "invalid" state), the authorizations that were completed.
	Authorizations []string `json:"authorizations,omitempty"`

	// finalize (required, string):
	// A URL that a CSR must be POSTed to once all of the order's authorizations are satisfied to finalize the order.
	Finalize string `json:"finalize,omitempty"`

	// certificate (optional, string):
	// A URL for the certificate that has been issued in response to this order.
	Certificate string `json:"certificate,omitempty"`
}

// ExtendedOrder an Order plus the URL the CA assigned to it, taken from the
// Location header at creation time and needed for every later poll.
type ExtendedOrder struct {
	Order

	// The order URL, contains the original status.
	Location string `json:"-"`
}

// orderMessage is the newOrder request payload.
type orderMessage struct {
	Identifiers []Identifier `json:"identifiers"`
	NotBefore   string       `json:"notBefore,omitempty"`
	NotAfter    string       `json:"notAfter,omitempty"`
}

// csrMessage is the finalize request payload. The CSR is the raw DER,
// base64url encoded without padding (NOT PEM).
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.4
type csrMessage struct {
	Csr string `json:"csr"`
}

// revocationMessage is the revokeCert request payload.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.6
type revocationMessage struct {
	Certificate string `json:"certificate"`
	Reason      int    `json:"reason,omitempty"`
}

// NewOrder opens an order for the given DNS names.
func (c *Client) NewOrder(ctx context.Context, names []string) (*ExtendedOrder, error) {
	if c.KID() == "" {
		return nil, ErrNoAccount
	}

	msg := orderMessage{}
	for _, name := range names {
		msg.Identifiers = append(msg.Identifiers, Identifier{Type: "dns", Value: name})
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("error marshaling order: %w", err)
	}

	res, err := c.post(ctx, "newOrder", c.dir.NewOrder, payload, false)
	if err != nil {
		return nil, fmt.Errorf("error in newOrder: %w", err)
	}
	if res.location == "" {
		return nil, fmt.Errorf("newOrder returned no Location header (status %d)", res.status)
	}

	order := &ExtendedOrder{Location: res.location}
	if err := json.Unmarshal(res.body, &order.Order); err != nil {
		return nil, fmt.Errorf("error unmarshaling order: %w", err)
	}
	return order, nil
}

// GetOrder fetches the current order object via POST-as-GET.
func (c *Client) GetOrder(ctx context.Context, orderURL string) (*ExtendedOrder, error) {
	res, err := c.postAsGet(ctx, "getOrder", orderURL)
	if err != nil {
		return nil, fmt.Errorf("error in getOrder: %w", err)
	}
	order := &ExtendedOrder{Location: orderURL}
	if err := json.Unmarshal(res.body, &order.Order); err != nil {
		return nil, fmt.Errorf("error unmarshaling order: %w", err)
	}
	return order, nil
}

// FinalizeOrder submits the CSR. The returned order is usually
// "processing" and must be polled until "valid".
func (c *Client) FinalizeOrder(ctx context.Context, finalizeURL string, csrDER []byte) (*ExtendedOrder, error) {
	payload, err := json.Marshal(csrMessage{Csr: base64.RawURLEncoding.EncodeToString(csrDER)})
	if err != nil {
		return nil, fmt.Errorf("error marshaling csr: %w", err)
	}

	res, err := c.post(ctx, "finalizeOrder", finalizeURL, payload, false)
	if err != nil {
		return nil, fmt.Errorf("error in finalizeOrder: %w", err)
	}

	order := &ExtendedOrder{Location: res.location}
	if err := json.Unmarshal(res.body, &order.Order); err != nil {
		return nil, fmt.Errorf("error unmarshaling order: %w", err)
	}
	return order, nil
}

// PollOrder polls the order URL until it leaves "processing" (and
// "pending"/"ready", should the CA linger there) or the deadline passes.
// The terminal order is returned even when invalid; the caller inspects
// Status and Error.
func (c *Client) PollOrder(ctx context.Context, orderURL string, deadline time.Time) (*ExtendedOrder, error) {
	var order *ExtendedOrder
	err := c.pollUntil(ctx, deadline, func(ctx context.Context) (bool, time.Duration, error) {
		res, err := c.postAsGet(ctx, "pollOrder", orderURL)
		if err != nil {
			return false, 0, fmt.Errorf("error in pollOrder: %w", err)
		}
		o := &ExtendedOrder{Location: orderURL}
		if err := json.Unmarshal(res.body, &o.Order); err != nil {
			return false, 0, fmt.Errorf("error unmarshaling order: %w", err)
		}
		order = o
		switch o.Status {
		case OrderStatusValid, OrderStatusInvalid:
			return true, 0, nil
		}
		return false, retryAfter(res.header, c.clock.Now()), nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// DownloadCertificate fetches the PEM chain for a valid order: the leaf
// first, then the intermediates the CA recommends.
// - https://www.rfc-editor.org/rfc/rfc8555.html#section-7.4.2
func (c *Client) DownloadCertificate(ctx context.Context, order *ExtendedOrder) ([]byte, error) {
	if order.Certificate == "" {
		return nil, ErrNoCertificate
	}
	res, err := c.postAsGet(ctx, "downloadCertificate", order.Certificate)
	if err != nil {
		return nil, fmt.Errorf("error in downloadCertificate: %w", err)
	}
	return res.body, nil
}

// RevokeCertificate asks the CA to revoke the given certificate (raw DER).
// Signed with the account key, so the account must be authorized for all
// identifiers in the certificate.
func (c *Client) RevokeCertificate(ctx context.Context, certDER []byte, reason int) error {
	if c.KID() == "" {
		return ErrNoAccount
	}

	payload, err := json.Marshal(revocationMessage{
		Certificate: base64.RawURLEncoding.EncodeToString(certDER),
		Reason:      reason,
	})
	if err != nil {
		return fmt.Errorf("error marshaling revocation: %w", err)
	}
	if _, err := c.post(ctx, "revokeCert", c.dir.RevokeCert, payload, false); err != nil {
		return fmt.Errorf("error in revokeCert: %w", err)
	}
	return nil
}
