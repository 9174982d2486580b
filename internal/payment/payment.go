// Package payment is the boundary to external payment providers. Provider
// specific parsing stays behind Gateway; the core only sees Updates.
package payment

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/trendex/internal/exception"
	"github.com/xtrntr/trendex/internal/models"
)

// Kind tells a gateway which way money moves
type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
)

// Request asks a gateway to start a payment
type Request struct {
	Kind        Kind
	UserID      string
	Currency    string
	Amount      decimal.Decimal
	Destination string // payout account of a withdrawal
}

// Response is the gateway's acknowledgement of a Request
type Response struct {
	Reference   string               `json:"reference"`
	Status      models.PaymentStatus `json:"status"`
	RedirectURL string               `json:"redirect_url,omitempty"`
}

// Update is the gateway's verdict on a payment, from a webhook or a status poll
type Update struct {
	Reference      string               `json:"reference"`
	Status         models.PaymentStatus `json:"status"`
	ProviderStatus string               `json:"provider_status,omitempty"`
}

// Gateway is an external payment provider
type Gateway interface {
	Name() string
	ProcessPayment(ctx context.Context, req Request) (*Response, error)
	// VerifyWebhook authenticates and parses a webhook body
	VerifyWebhook(payload []byte, signature string) (*Update, error)
	CheckPaymentStatus(ctx context.Context, reference string) (*Update, error)
}

// Registry looks gateways up by name
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

// NewRegistry creates a registry holding gateways
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway)}
	for _, g := range gateways {
		r.Register(g)
	}
	return r
}

// Register adds or replaces a gateway
func (r *Registry) Register(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[strings.ToLower(g.Name())] = g
}

// Get returns the gateway called name
func (r *Registry) Get(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[strings.ToLower(name)]
	if !ok {
		return nil, exception.NotFound("payment gateway", name)
	}
	return g, nil
}

// Names lists the registered gateways, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.gateways))
	for n := range r.gateways {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
