package fulfillment

import (
	"fmt"

	"fulfillment/internal/model"

	"github.com/pkg/errors"
)

var (
	ErrInvalidOTP      = errors.New("invalid OTP")
	ErrInvalidIdentity = errors.New("invalid tracking identity")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyCart       = errors.New("cart is empty")
	ErrNotPaid         = errors.New("order is not paid")
)

// PaymentIntegrityError: 验签失败，待支付订单已被删除，不会自动重试。
type PaymentIntegrityError struct {
	OrderHandle string
}

func (e *PaymentIntegrityError) Error() string {
	return fmt.Sprintf("payment signature mismatch for order %s", e.OrderHandle)
}

// StockUnavailableError names the variant that could not cover the request.
// The whole confirmation was rolled back.
type StockUnavailableError struct {
	Variant   model.VariantKey
	Requested int64
	Available int64
}

func (e *StockUnavailableError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: requested %d, available %d",
		e.Variant, e.Requested, e.Available)
}

type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

func notFound(kind string, key any) error {
	return &NotFoundError{Kind: kind, Key: fmt.Sprint(key)}
}

func invalidf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidInput, format, args...)
}

func invalidIdentity(err error) error {
	return errors.Wrap(ErrInvalidIdentity, err.Error())
}
