// Package privacy keeps personal data out of synthesized speech.
package privacy

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
	"github.com/satriahrh/tutur/internal/router"
)

const defaultReason = "Sorry, I can't read that out loud."

// Config selects what the gate blocks
type Config struct {
	Level entities.PrivacyLevel
	// BlockedTerms are matched case-insensitively as substrings
	BlockedTerms []string
	Reason       string
}

// RuleGate blocks phrases carrying personal data. The standard level only
// stops card and national id numbers; strict also stops emails and phone
// numbers.
type RuleGate struct {
	level  entities.PrivacyLevel
	terms  []string
	reason string
	logger *zap.Logger
}

var _ repositories.PrivacyGate = (*RuleGate)(nil)

func NewRuleGate(cfg Config, logger *zap.Logger) *RuleGate {
	level := cfg.Level
	if level == "" {
		level = entities.PrivacyStandard
	}
	reason := cfg.Reason
	if reason == "" {
		reason = defaultReason
	}
	terms := make([]string, 0, len(cfg.BlockedTerms))
	for _, t := range cfg.BlockedTerms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			terms = append(terms, t)
		}
	}
	return &RuleGate{
		level:  level,
		terms:  terms,
		reason: reason,
		logger: logger.Named("privacy"),
	}
}

func (g *RuleGate) FilterText(ctx context.Context, text string) repositories.PrivacyVerdict {
	if kind := router.DetectPII(text); kind != "" && g.blocks(kind) {
		g.logger.Info("Blocked phrase", zap.String("kind", kind))
		return repositories.PrivacyVerdict{Allowed: false, Reason: g.reason}
	}
	lower := strings.ToLower(text)
	for _, term := range g.terms {
		if strings.Contains(lower, term) {
			g.logger.Info("Blocked phrase", zap.String("kind", "term"))
			return repositories.PrivacyVerdict{Allowed: false, Reason: g.reason}
		}
	}
	return repositories.PrivacyVerdict{Allowed: true}
}

func (g *RuleGate) blocks(kind string) bool {
	if g.level == entities.PrivacyStrict {
		return true
	}
	return kind == "card" || kind == "national_id"
}
