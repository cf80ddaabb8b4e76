package dispute

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnauthorized signals webhook signature verification failed. Rejected
	// events are not recorded as seen, so a corrected retry can succeed.
	ErrUnauthorized = errors.New("dispute: webhook signature verification failed")
	// ErrUpstream signals a provider call failed; local state is unchanged
	// and the caller may retry.
	ErrUpstream = errors.New("dispute: provider call failed")
	// ErrNoProviderClient signals no client is configured for the dispute's
	// provider (always the case for manual disputes).
	ErrNoProviderClient = errors.New("dispute: no provider client configured")
)

// VerifySignatureParams carries the transmission headers and raw body of an
// inbound webhook.
type VerifySignatureParams struct {
	TransmissionID   string
	TransmissionTime string
	TransmissionSig  string
	CertURL          string
	AuthAlgo         string
	Body             []byte
}

// SubmitEvidenceParams is the pack content handed to a provider for
// submission against a case.
type SubmitEvidenceParams struct {
	ProviderCaseID     string
	TrackingNumber     string
	ProductDescription string
	Notes              string
}

// ProviderClient abstracts the payment provider's dispute API. Implementations
// live under provider/; tests plug in doubles.
type ProviderClient interface {
	// VerifyWebhookSignature reports whether the delivery is authentic. An
	// error means the verification call itself failed, not that the
	// signature is bad.
	VerifyWebhookSignature(ctx context.Context, params VerifySignatureParams) (bool, error)
	// SubmitEvidence hands the evidence content to the provider. It must not
	// be retried blindly: deduplication relies on the provider's case-id
	// semantics.
	SubmitEvidence(ctx context.Context, params SubmitEvidenceParams) error
}

// providerCallTimeout bounds provider calls so no row lock or chain-head lock
// is held indefinitely behind a slow upstream.
const providerCallTimeout = 10 * time.Second
