package repositories

import "context"

// PrivacyVerdict is the gate's answer for one piece of text
type PrivacyVerdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// PrivacyGate decides whether generated text may be spoken
type PrivacyGate interface {
	FilterText(ctx context.Context, text string) PrivacyVerdict
}
