package payment

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Provider models the external payment collaborator: it issues an opaque
// client-side confirmation token for an amount and verifies the token when
// the order is recorded. The ledger engine only ever consumes the coin
// amount; the payment protocol itself stays outside the core.
type Provider interface {
	CreateIntent(buyerEmail string, amountCents int64) (Intent, error)
	Verify(buyerEmail string, amountCents int64, token string) error
}

type Intent struct {
	Token       string `json:"token"`
	AmountCents int64  `json:"amount_cents"`
}

var ErrInvalidToken = errors.New("invalid payment confirmation token")

// LocalProvider signs intents with an HMAC secret. It stands in for a real
// payment gateway in development and tests.
type LocalProvider struct {
	Secret []byte
}

func NewLocal(secret string) *LocalProvider {
	return &LocalProvider{Secret: []byte(secret)}
}

func (p *LocalProvider) CreateIntent(buyerEmail string, amountCents int64) (Intent, error) {
	if amountCents <= 0 {
		return Intent{}, fmt.Errorf("amount must be positive, got %d", amountCents)
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Intent{}, err
	}
	n := hex.EncodeToString(nonce)
	return Intent{
		Token:       n + "." + p.sign(buyerEmail, amountCents, n),
		AmountCents: amountCents,
	}, nil
}

func (p *LocalProvider) Verify(buyerEmail string, amountCents int64, token string) error {
	nonce, sig, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || nonce == "" || sig == "" {
		return ErrInvalidToken
	}
	want := p.sign(buyerEmail, amountCents, nonce)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return ErrInvalidToken
	}
	return nil
}

func (p *LocalProvider) sign(buyerEmail string, amountCents int64, nonce string) string {
	mac := hmac.New(sha256.New, p.Secret)
	fmt.Fprintf(mac, "%s|%d|%s", buyerEmail, amountCents, nonce)
	return hex.EncodeToString(mac.Sum(nil))
}
