package domain

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// Money is an amount in minor units (cents).
type Money int64

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (m Money) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Money) UnmarshalText(b []byte) error {
	parsed, err := ParseMoney(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMoney reads a non-negative decimal amount such as "12.5" or "20.00".
// Digits past the second decimal place are rounded half-up.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	whole, frac, _ := strings.Cut(s, ".")
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	for _, r := range frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
	}
	cents := int64(0)
	for i := 0; i < 2; i++ {
		cents *= 10
		if i < len(frac) {
			cents += int64(frac[i] - '0')
		}
	}
	if len(frac) > 2 && frac[2] >= '5' {
		cents++
	}
	return Money(units*100 + cents), nil
}

// HourlyCost prices d at pricePerHour, rounded half-up to the cent.
func HourlyCost(pricePerHour Money, d time.Duration) Money {
	if d <= 0 || pricePerHour <= 0 {
		return 0
	}
	const msPerHour = int64(time.Hour / time.Millisecond)
	num := new(big.Int).Mul(big.NewInt(int64(pricePerHour)), big.NewInt(d.Milliseconds()))
	num.Add(num, big.NewInt(msPerHour/2))
	num.Quo(num, big.NewInt(msPerHour))
	return Money(num.Int64())
}
