// Package fulfillment is the order confirmation and fulfillment-tracking
// engine: payment confirmation with inventory deduction, per-unit tracking
// tokens, status aggregation and the delivery assignment ledger.
package fulfillment

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"fulfillment/internal/artifact"
	"fulfillment/internal/notify"
	"fulfillment/internal/payment"
	"fulfillment/internal/render"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// RetryQueue receives token mints that failed after the payment committed.
type RetryQueue interface {
	EnqueueMint(ctx context.Context, orderID uint, failed []string) error
}

type Deps struct {
	DB        *gorm.DB
	Verifier  payment.Verifier
	Gateway   payment.Gateway
	Renderer  render.Renderer
	Artifacts artifact.Store
	Bus       notify.Bus
	// Retry is optional.
	Retry RetryQueue
}

type Options struct {
	Currency        string
	RenderAttempts  int
	MintConcurrency int
}

type Service struct {
	db        *gorm.DB
	verifier  payment.Verifier
	gateway   payment.Gateway
	renderer  render.Renderer
	artifacts artifact.Store
	bus       notify.Bus
	retry     RetryQueue
	opts      Options

	newOTP func() (string, error)
}

func New(d Deps, opts Options) *Service {
	if opts.Currency == "" {
		opts.Currency = "INR"
	}
	if opts.RenderAttempts <= 0 {
		opts.RenderAttempts = 1
	}
	if opts.MintConcurrency <= 0 {
		opts.MintConcurrency = 1
	}
	bus := d.Bus
	if bus == nil {
		bus = notify.Discard{}
	}
	return &Service{
		db:        d.DB,
		verifier:  d.Verifier,
		gateway:   d.Gateway,
		renderer:  d.Renderer,
		artifacts: d.Artifacts,
		bus:       bus,
		retry:     d.Retry,
		opts:      opts,
		newOTP:    randomOTP,
	}
}

// publish is best-effort: a failed broadcast never fails the operation that
// already committed.
func (s *Service) publish(ctx context.Context, ev notify.Event) {
	if err := s.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn().Err(err).Str("event", ev.Name).Msg("publish event failed")
	}
}

// randomOTP 4 位数字，保留前导 0。
func randomOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}
