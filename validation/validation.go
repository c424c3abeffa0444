package validation

import (
	"strings"
	"time"
)

type Violations map[string]string

func (v Violations) Empty() bool { return len(v) == 0 }

// Basic validators
func Required(field, value string, v Violations) {
	if strings.TrimSpace(value) == "" {
		v[field] = "required"
	}
}

func PositiveFloat(field string, val float64, v Violations) {
	if val <= 0 {
		v[field] = "must_be_positive"
	}
}

func NonNegativeFloat(field string, val float64, v Violations) {
	if val < 0 {
		v[field] = "must_not_be_negative"
	}
}

func PositiveInt(field string, val int, v Violations) {
	if val <= 0 {
		v[field] = "must_be_positive"
	}
}

func RangeInt(field string, val, minVal, maxVal int, v Violations) {
	if val < minVal || val > maxVal {
		v[field] = "out_of_range"
	}
}

// Email does a cheap shape check; deliverability is the mailer's problem.
func Email(field, value string, v Violations) {
	s := strings.TrimSpace(value)
	at := strings.Index(s, "@")
	if at <= 0 || at == len(s)-1 || !strings.Contains(s[at+1:], ".") {
		v[field] = "invalid_email"
	}
}

// FutureTime rejects zero or past instants.
func FutureTime(field string, val, now time.Time, v Violations) {
	if val.IsZero() || !val.After(now) {
		v[field] = "must_be_in_future"
	}
}
