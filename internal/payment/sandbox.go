package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/models"
)

// Sandbox is an in-process gateway for development and tests. Webhooks are
// signed with HMAC-SHA256 over the raw body, hex encoded.
type Sandbox struct {
	name   string
	secret []byte

	mu       sync.Mutex
	payments map[string]*Update
}

// NewSandbox creates a sandbox gateway
func NewSandbox(name, secret string) *Sandbox {
	return &Sandbox{
		name:     name,
		secret:   []byte(secret),
		payments: make(map[string]*Update),
	}
}

func (s *Sandbox) Name() string {
	return s.name
}

func (s *Sandbox) ProcessPayment(ctx context.Context, req Request) (*Response, error) {
	if !req.Amount.IsPositive() {
		return nil, exception.NewValidation("amount must be positive")
	}
	ref := "sbx_" + uuid.NewString()

	s.mu.Lock()
	s.payments[ref] = &Update{Reference: ref, Status: models.PaymentPending, ProviderStatus: "created"}
	s.mu.Unlock()

	resp := &Response{Reference: ref, Status: models.PaymentPending}
	if req.Kind == KindDeposit {
		resp.RedirectURL = "https://sandbox.invalid/pay/" + ref
	}
	return resp, nil
}

// Sign returns the signature a webhook body must carry
func (s *Sandbox) Sign(payload []byte) string {
	return hex.EncodeToString(s.signature(payload))
}

func (s *Sandbox) VerifyWebhook(payload []byte, signature string) (*Update, error) {
	want, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(want, s.signature(payload)) {
		return nil, exception.NewValidation("invalid webhook signature")
	}
	var u Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return nil, exception.NewValidation(fmt.Sprintf("malformed webhook: %v", err))
	}
	if u.Reference == "" {
		return nil, exception.NewValidation("webhook has no reference")
	}
	switch u.Status {
	case models.PaymentPending, models.PaymentSuccessful, models.PaymentFailed:
	default:
		return nil, exception.NewValidation(fmt.Sprintf("unknown payment status %q", u.Status))
	}
	return &u, nil
}

func (s *Sandbox) signature(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func (s *Sandbox) CheckPaymentStatus(ctx context.Context, reference string) (*Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.payments[reference]
	if !ok {
		return nil, exception.NotFound("payment", reference)
	}
	c := *u
	return &c, nil
}

// Settle records the provider's verdict on a payment, as the real provider
// would before notifying us
func (s *Sandbox) Settle(reference string, status models.PaymentStatus, providerStatus string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[reference] = &Update{Reference: reference, Status: status, ProviderStatus: providerStatus}
}

// Webhook builds a signed webhook body for reference
func (s *Sandbox) Webhook(reference string, status models.PaymentStatus, providerStatus string) ([]byte, string, error) {
	body, err := json.Marshal(Update{Reference: reference, Status: status, ProviderStatus: providerStatus})
	if err != nil {
		return nil, "", err
	}
	return body, s.Sign(body), nil
}
