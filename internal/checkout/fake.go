package checkout

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/caregiver-scheduling/internal/appointment"
)

// FakeGateway is a dev checkout provider. It hands out internal URLs and
// references; the payment is completed by posting to the payments webhook.
// Never enable it in prod.
type FakeGateway struct {
	publicBaseURL string
	log           zerolog.Logger
}

func NewFakeGateway(publicBaseURL string, log zerolog.Logger) *FakeGateway {
	return &FakeGateway{
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		log:           log,
	}
}

func (g *FakeGateway) CreateCheckout(_ context.Context, req appointment.CheckoutRequest) (*appointment.CheckoutSession, error) {
	if req.AppointmentID == uuid.Nil {
		return nil, fmt.Errorf("checkout: appointment id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("checkout: amount must be positive, got %s", req.Amount)
	}
	if !isValidBaseURL(g.publicBaseURL) {
		return nil, fmt.Errorf("checkout: PUBLIC_BASE_URL must be an absolute http(s) URL")
	}

	ref := "fake_" + uuid.NewString()
	sess := &appointment.CheckoutSession{
		ExternalReference: ref,
		RedirectURL:       fmt.Sprintf("%s/checkout/fake/%s", g.publicBaseURL, ref),
	}

	g.log.Debug().
		Str("appointment_id", req.AppointmentID.String()).
		Str("fee_type", string(req.FeeType)).
		Str("amount", req.Amount.StringFixed(2)).
		Str("external_reference", ref).
		Msg("fake checkout created")
	return sess, nil
}

func isValidBaseURL(value string) bool {
	parsed, err := url.Parse(value)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return true
	default:
		return false
	}
}
