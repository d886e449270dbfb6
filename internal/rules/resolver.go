package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"copybot/internal/domain"
)

// Resolver answers which rules apply to a source chat, combining static
// rules with the rule store.
type Resolver struct {
	store  domain.RuleStore
	static []domain.Rule
	logger *slog.Logger
	now    func() time.Time
}

// ResolverConfig configures a Resolver. Store may be nil.
type ResolverConfig struct {
	Store  domain.RuleStore
	Static []domain.Rule
	Logger *slog.Logger
}

func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  cfg.Store,
		static: cfg.Static,
		logger: logger,
		now:    time.Now,
	}
}

// Resolve returns the active rules for sourceChatID with one rule per
// destination (target chat and thread). Static rules take precedence.
func (r *Resolver) Resolve(ctx context.Context, sourceChatID int64) ([]domain.Rule, error) {
	now := r.now()

	var candidates []domain.Rule
	for _, rule := range r.static {
		if rule.SourceChatID == sourceChatID && rule.Active(now) {
			candidates = append(candidates, rule)
		}
	}
	if r.store != nil {
		stored, err := r.store.RulesForSource(ctx, sourceChatID, now)
		if err != nil {
			return nil, fmt.Errorf("resolve rules: %w", err)
		}
		candidates = append(candidates, stored...)
	}

	seen := make(map[string]bool, len(candidates))
	out := candidates[:0]
	for _, rule := range candidates {
		key := destination(rule)
		if seen[key] {
			r.logger.Debug("duplicate rule destination skipped", "rule", rule.ID, "target", key)
			continue
		}
		seen[key] = true
		out = append(out, rule)
	}
	return out, nil
}

// IsSource reports whether any active rule reads from chatID.
func (r *Resolver) IsSource(ctx context.Context, chatID int64) bool {
	rules, err := r.Resolve(ctx, chatID)
	if err != nil {
		r.logger.Warn("rule lookup failed", "chat_id", chatID, "err", err)
		return false
	}
	return len(rules) > 0
}

// All returns static rules followed by stored rules.
func (r *Resolver) All(ctx context.Context) ([]domain.Rule, error) {
	all := append([]domain.Rule(nil), r.static...)
	if r.store != nil {
		stored, err := r.store.ListRules(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, stored...)
	}
	return all, nil
}

// Static returns the number of static rules.
func (r *Resolver) Static() int { return len(r.static) }

func destination(rule domain.Rule) string {
	return strings.ToLower(rule.Target()) + "#" + strconv.Itoa(rule.ThreadID)
}
