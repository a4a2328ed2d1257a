// internal/membership/validation.go
package membership

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"covernexus/internal/idcard"
)

const dateLayout = "2006-01-02"

var personNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z\s'-]+$`)

// newValidator registers the onboarding rules on top of the stock validator.
func newValidator(now func() time.Time) *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("kenyanid", func(fl validator.FieldLevel) bool {
		return idcard.ValidIDNumber(fl.Field().String())
	})
	_ = v.RegisterValidation("personname", func(fl validator.FieldLevel) bool {
		name := strings.TrimSpace(fl.Field().String())
		return len(name) >= 2 && len(name) <= 120 && personNameRe.MatchString(name)
	})
	_ = v.RegisterValidation("adult", func(fl validator.FieldLevel) bool {
		dob, err := time.Parse(dateLayout, fl.Field().String())
		if err != nil || dob.Year() < 1900 {
			return false
		}
		return !dob.AddDate(18, 0, 0).After(now())
	})
	_ = v.RegisterValidation("pastdate", func(fl validator.FieldLevel) bool {
		d, err := time.Parse(dateLayout, fl.Field().String())
		return err == nil && d.Year() >= 1900 && !d.After(now())
	})
	return v
}

// validationError flattens validator output into one InvalidInput error.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(msgs, "; "))
}

// NormalizePhone rewrites Kenyan numbers to E.164: 0712345678, 712345678,
// 254712345678 and +254 712 345 678 all become +254712345678. Anything else
// is returned trimmed and left to the e164 rule.
func NormalizePhone(phone string) string {
	p := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(phone))
	switch {
	case strings.HasPrefix(p, "+"):
		return p
	case strings.HasPrefix(p, "254") && len(p) == 12:
		return "+" + p
	case strings.HasPrefix(p, "0") && len(p) == 10:
		return "+254" + p[1:]
	case (strings.HasPrefix(p, "7") || strings.HasPrefix(p, "1")) && len(p) == 9:
		return "+254" + p
	}
	return p
}

func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidInput)
	}
	return &d, nil
}
