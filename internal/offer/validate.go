package offer

import (
	"math"

	"github.com/pkg/errors"
)

// MaxDiscountPercent is the largest discount a buyer may propose.
const MaxDiscountPercent = 80

var (
	ErrInvalidAmount    = errors.New("offer: amount must be greater than zero")
	ErrSameAsOriginal   = errors.New("offer: amount equals the original price")
	ErrAboveOriginal    = errors.New("offer: amount exceeds the original price")
	ErrDiscountTooLarge = errors.Errorf("offer: discount exceeds %d%%", MaxDiscountPercent)
)

// ValidateAmount checks a proposed amount against the listing price. Prices
// are compared in cents so that a discount of exactly MaxDiscountPercent is
// accepted.
func ValidateAmount(originalPrice, amount float64) error {
	a, o := cents(amount), cents(originalPrice)
	switch {
	case a <= 0:
		return ErrInvalidAmount
	case a == o:
		return ErrSameAsOriginal
	case a > o:
		return ErrAboveOriginal
	case (o-a)*100 > o*MaxDiscountPercent:
		return ErrDiscountTooLarge
	}
	return nil
}

func cents(v float64) int64 {
	return int64(math.Round(v * 100))
}
