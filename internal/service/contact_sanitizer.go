package service

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/sitecontact/backend/internal/model"
)

const (
	nameMinLength    = 2
	nameMaxLength    = 100
	emailMaxLength   = 254
	messageMinLength = 10
	messageMaxLength = 2000
)

var (
	// '<' の直後が英字・'/'・'!'・'?' のものだけをタグとみなす
	tagPattern  = regexp.MustCompile(`<[A-Za-z/!?][^>]*>`)
	namePattern = regexp.MustCompile(`^[A-Za-z \-'.]+$`)

	// validator.Validate caches struct metadata and is safe for concurrent use.
	fieldValidator = validator.New()
)

// StripTags removes tag-shaped markup (a '<' followed by a letter, '/', '!'
// or '?', up to the next '>'), repeating until the result is stable. A bare
// comparison such as "3 < 5 and 7 > 2" is not markup and is kept. Entities
// are left as they are, which keeps the function idempotent.
func StripTags(s string) string {
	for {
		out := tagPattern.ReplaceAllString(s, "")
		if out == s {
			return out
		}
		s = out
	}
}

// SanitizeName trims and strips markup from a name, then checks its length
// and character set.
func SanitizeName(raw string) (string, error) {
	name := strings.TrimSpace(StripTags(strings.TrimSpace(raw)))
	n := utf8.RuneCountInString(name)
	if n < nameMinLength || n > nameMaxLength {
		return "", reject(ReasonNameInvalid)
	}
	if !namePattern.MatchString(name) {
		return "", reject(ReasonNameInvalid)
	}
	return name, nil
}

// SanitizeEmail trims and lower-cases an address and checks its syntax.
func SanitizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" || len(email) > emailMaxLength {
		return "", reject(ReasonInvalidField)
	}
	if err := fieldValidator.Var(email, "email"); err != nil {
		return "", reject(ReasonInvalidField)
	}
	return email, nil
}

// SanitizeMessage trims and strips markup from a message body, then checks
// its length.
func SanitizeMessage(raw string) (string, error) {
	message := strings.TrimSpace(StripTags(strings.TrimSpace(raw)))
	n := utf8.RuneCountInString(message)
	if n < messageMinLength {
		return "", reject(ReasonMessageTooShort)
	}
	if n > messageMaxLength {
		return "", reject(ReasonMessageTooLong)
	}
	return message, nil
}

// Sanitize cleans the name, email and message of sub in form order and
// returns the cleaned copy. The honeypot and source fields pass through.
func Sanitize(sub model.Submission) (model.Submission, error) {
	var err error
	if sub.Name, err = SanitizeName(sub.Name); err != nil {
		return model.Submission{}, err
	}
	if sub.Email, err = SanitizeEmail(sub.Email); err != nil {
		return model.Submission{}, err
	}
	if sub.Message, err = SanitizeMessage(sub.Message); err != nil {
		return model.Submission{}, err
	}
	return sub, nil
}
