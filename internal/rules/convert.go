package rules

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"copybot/internal/config"
	"copybot/internal/copier"
	"copybot/internal/domain"
)

// staticNamespace scopes the deterministic ids of rules that come from
// config or a rules file rather than the store.
var staticNamespace = uuid.MustParse("6f1c7d0e-3b7a-4a57-9d0c-2f1f3c8b9a41")

// FromSpec converts a hand-written rule. A TTL makes the rule expire ttl
// after now. The returned rule has no ID.
func FromSpec(spec config.RuleSpec, now time.Time) (domain.Rule, error) {
	chatID, username, err := domain.ParseChatTarget(spec.Target)
	if err != nil {
		return domain.Rule{}, err
	}
	rule := domain.Rule{
		Name:                  spec.Name,
		SourceChatID:          spec.Source,
		TargetChatID:          chatID,
		TargetUsername:        username,
		ThreadID:              spec.Thread,
		DisableNotification:   spec.Silent,
		ProtectContent:        spec.Protect,
		DisableWebPagePreview: spec.NoPreview,
		Enabled:               true,
		CreatedAt:             now,
	}
	if spec.TTL != "" {
		ttl, err := time.ParseDuration(spec.TTL)
		if err != nil {
			return domain.Rule{}, fmt.Errorf("ttl: %w", err)
		}
		expires := now.Add(ttl)
		rule.ExpiresAt = &expires
	}
	return rule, nil
}

// ToSpec is the inverse of FromSpec, used for exporting stored rules.
// Expiry is not representable and is dropped.
func ToSpec(r domain.Rule) config.RuleSpec {
	return config.RuleSpec{
		Name:      r.Name,
		Source:    r.SourceChatID,
		Target:    r.Target(),
		Thread:    r.ThreadID,
		Silent:    r.DisableNotification,
		Protect:   r.ProtectContent,
		NoPreview: r.DisableWebPagePreview,
	}
}

// StaticRules converts specs into rules with stable ids derived from their
// route, so the same file yields the same ids across restarts.
func StaticRules(specs []config.RuleSpec, now time.Time) ([]domain.Rule, error) {
	out := make([]domain.Rule, 0, len(specs))
	for i, spec := range specs {
		rule, err := FromSpec(spec, now)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		key := fmt.Sprintf("%d>%s#%d", rule.SourceChatID, rule.Target(), rule.ThreadID)
		rule.ID = "static-" + uuid.NewSHA1(staticNamespace, []byte(key)).String()[:8]
		out = append(out, rule)
	}
	return out, nil
}

// Options maps a rule onto copier delivery options.
func Options(r domain.Rule) copier.Options {
	return copier.Options{
		ChatID:                r.TargetChatID,
		ChannelUsername:       r.TargetUsername,
		ThreadID:              r.ThreadID,
		DisableNotification:   r.DisableNotification,
		ProtectContent:        r.ProtectContent,
		DisableWebPagePreview: r.DisableWebPagePreview,
	}
}
