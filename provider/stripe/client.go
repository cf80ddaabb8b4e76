package stripe

import (
	"context"
	"fmt"

	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"disputeflow/dispute"
)

// Client talks to the Stripe API through the official SDK. It implements
// dispute.ProviderClient.
type Client struct {
	api           *client.API
	webhookSecret string
}

func NewClient(secretKey, webhookSecret string) *Client {
	sc := &client.API{}
	sc.Init(secretKey, nil)

	return &Client{
		api:           sc,
		webhookSecret: webhookSecret,
	}
}

// VerifyWebhookSignature checks the Stripe-Signature header against the
// endpoint secret. Verification is a local HMAC check, so a failure means an
// invalid signature rather than an upstream outage.
func (c *Client) VerifyWebhookSignature(ctx context.Context, params dispute.VerifySignatureParams) (bool, error) {
	if _, err := webhook.ConstructEvent(params.Body, params.TransmissionSig, c.webhookSecret); err != nil {
		return false, nil
	}
	return true, nil
}

// SubmitEvidence attaches the evidence pack to the Stripe dispute and
// submits it in one call.
func (c *Client) SubmitEvidence(ctx context.Context, params dispute.SubmitEvidenceParams) error {
	disputeParams := &stripeapi.DisputeParams{
		Evidence: &stripeapi.DisputeEvidenceParams{
			ProductDescription:     stripeapi.String(params.ProductDescription),
			ShippingTrackingNumber: stripeapi.String(params.TrackingNumber),
			UncategorizedText:      stripeapi.String(params.Notes),
		},
		Submit: stripeapi.Bool(true),
	}
	disputeParams.Context = ctx

	if _, err := c.api.Disputes.Update(params.ProviderCaseID, disputeParams); err != nil {
		return fmt.Errorf("stripe: submit evidence for %s: %w", params.ProviderCaseID, err)
	}
	return nil
}
