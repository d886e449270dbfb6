package domain

import (
	"context"
	"errors"
	"time"
)

// ErrRuleNotFound is returned by RuleStore lookups for unknown ids.
var ErrRuleNotFound = errors.New("rule not found")

// Rule tells the relay to copy every message seen in SourceChatID to a
// target chat. The target is TargetChatID, or TargetUsername ("@channel")
// when the id is zero.
type Rule struct {
	ID                    string     `json:"id" yaml:"-"`
	Name                  string     `json:"name" yaml:"name"`
	SourceChatID          int64      `json:"source" yaml:"source"`
	TargetChatID          int64      `json:"target,omitempty" yaml:"-"`
	TargetUsername        string     `json:"targetUsername,omitempty" yaml:"-"`
	ThreadID              int        `json:"thread,omitempty" yaml:"thread"`
	DisableNotification   bool       `json:"silent,omitempty" yaml:"silent"`
	ProtectContent        bool       `json:"protect,omitempty" yaml:"protect"`
	DisableWebPagePreview bool       `json:"noPreview,omitempty" yaml:"noPreview"`
	Enabled               bool       `json:"enabled" yaml:"-"`
	CreatedAt             time.Time  `json:"createdAt" yaml:"-"`
	ExpiresAt             *time.Time `json:"expiresAt,omitempty" yaml:"-"`
}

// Expired reports whether the rule has an expiry at or before now.
func (r Rule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Active reports whether the relay should apply the rule at now.
func (r Rule) Active(now time.Time) bool {
	return r.Enabled && !r.Expired(now)
}

// Target returns a stable key for the rule destination.
func (r Rule) Target() string {
	if r.TargetChatID != 0 {
		return formatChatID(r.TargetChatID)
	}
	return r.TargetUsername
}

// RuleStore persists copy rules.
type RuleStore interface {
	AddRule(ctx context.Context, rule Rule) (Rule, error)
	GetRule(ctx context.Context, id string) (*Rule, error)
	ListRules(ctx context.Context) ([]Rule, error)
	RulesForSource(ctx context.Context, sourceChatID int64, now time.Time) ([]Rule, error)
	DeleteRule(ctx context.Context, id string) error
	SetRuleEnabled(ctx context.Context, id string, enabled bool) error
	PruneExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}
