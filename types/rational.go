// rational.go defines Rational, the time-base and frame-rate type.

// Package types holds the value types shared by every stage of the pipeline.
package types

import (
	"fmt"
	"math/big"
	"strings"
)

// Rational is a time base (seconds per tick) or a frame rate (frames per second).
type Rational struct {
	Num int
	Den int
}

func NewRational(num, den int) Rational {
	return Rational{Num: num, Den: den}
}

func (r Rational) Validate() error {
	if r.Den == 0 {
		return fmt.Errorf("denominator cannot be zero (%d/%d)", r.Num, r.Den)
	}
	return nil
}

func (r Rational) IsZero() bool {
	return r.Num == 0
}

func (r Rational) Reverse() Rational {
	return Rational{
		Num: r.Den,
		Den: r.Num,
	}
}

func (r Rational) Float64() float64 {
	return float64(r.Num) / float64(r.Den)
}

// Equal compares the values, so 1/30 equals 2/60.
func (r Rational) Equal(other Rational) bool {
	if r.Den == 0 || other.Den == 0 {
		return r == other
	}
	return int64(r.Num)*int64(other.Den) == int64(other.Num)*int64(r.Den)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// RationalFromString parses "30000/1001", "60" or "60.01".
func RationalFromString(s string) (Rational, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rational{}, fmt.Errorf("unable to parse Rational from empty string")
	}
	var r Rational
	if strings.Contains(s, "/") {
		var rest string
		n, _ := fmt.Sscanf(s, "%d/%d%s", &r.Num, &r.Den, &rest)
		if n != 2 {
			return Rational{}, fmt.Errorf("unable to parse Rational from %q", s)
		}
	} else {
		rat, ok := new(big.Rat).SetString(s)
		if !ok {
			return Rational{}, fmt.Errorf("unable to parse Rational from %q", s)
		}
		if !rat.Num().IsInt64() || !rat.Denom().IsInt64() {
			return Rational{}, fmt.Errorf("the value %q is out of range", s)
		}
		r.Num = int(rat.Num().Int64())
		r.Den = int(rat.Denom().Int64())
	}
	if err := r.Validate(); err != nil {
		return Rational{}, err
	}
	return r, nil
}

func (r Rational) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Rational) UnmarshalText(b []byte) error {
	v, err := RationalFromString(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
