package stripe

import (
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
}

// Client wraps the pieces of the Stripe SDK the entitlements service
// consumes. Checkout and portal flows live in the storefront, not here;
// this side only verifies and decodes the event stream.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, sigHeader, c.cfg.WebhookSecret)
}
