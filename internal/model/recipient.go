// internal/model/recipient.go
package model

import "regexp"

var e164 = regexp.MustCompile(`^\+\d{10,15}$`)

// Recipient is a phone number in E.164 form plus optional personalisation fields.
type Recipient struct {
	Phone string            `json:"phone"`
	Vars  map[string]string `json:"vars,omitempty"`
}

// IsE164 reports whether phone is "+" followed by 10 to 15 digits. No normalisation is attempted.
func IsE164(phone string) bool {
	return e164.MatchString(phone)
}
