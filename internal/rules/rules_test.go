package rules

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"copybot/internal/config"
	"copybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// memStore is a RuleStore backed by a slice.
type memStore struct {
	rules []domain.Rule
	err   error
}

func (m *memStore) AddRule(_ context.Context, r domain.Rule) (domain.Rule, error) {
	m.rules = append(m.rules, r)
	return r, nil
}

func (m *memStore) GetRule(_ context.Context, id string) (*domain.Rule, error) {
	for i := range m.rules {
		if m.rules[i].ID == id {
			return &m.rules[i], nil
		}
	}
	return nil, domain.ErrRuleNotFound
}

func (m *memStore) ListRules(context.Context) ([]domain.Rule, error) { return m.rules, m.err }

func (m *memStore) RulesForSource(_ context.Context, src int64, now time.Time) ([]domain.Rule, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Rule
	for _, r := range m.rules {
		if r.SourceChatID == src && r.Active(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) DeleteRule(context.Context, string) error             { return nil }
func (m *memStore) SetRuleEnabled(context.Context, string, bool) error   { return nil }
func (m *memStore) PruneExpired(context.Context, time.Time) (int, error) { return 0, nil }
func (m *memStore) Close() error                                         { return nil }

const sampleYAML = `
rules:
  - name: announcements
    source: -1001
    target: "@mirror"
    silent: true
    ttl: 24h
  - source: -1002
    target: "-1003"
    thread: 7
    protect: true
    noPreview: true
`

func TestParse_Valid(t *testing.T) {
	specs, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(specs))
	}
	if specs[0].Name != "announcements" || specs[0].Target != "@mirror" || !specs[0].Silent || specs[0].TTL != "24h" {
		t.Errorf("unexpected first rule %+v", specs[0])
	}
	if specs[1].Thread != 7 || !specs[1].Protect || !specs[1].NoPreview {
		t.Errorf("unexpected second rule %+v", specs[1])
	}
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("rules:\n  - source: 1\n    target: \"2\"\n    colour: red\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParse_InvalidRule(t *testing.T) {
	_, err := Parse([]byte("rules:\n  - source: 0\n    target: \"\"\n"))
	if err == nil || !strings.Contains(err.Error(), "rules[0]") {
		t.Fatalf("expected rules[0] error, got %v", err)
	}
}

func TestParse_Empty(t *testing.T) {
	specs, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(specs) != 0 {
		t.Errorf("expected no rules, got %d", len(specs))
	}
}

func TestLoadFile_RoundTrip(t *testing.T) {
	specs, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	data, err := Marshal(specs)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(loaded) != 2 || loaded[1].Target != "-1003" {
		t.Errorf("unexpected %+v", loaded)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFromSpec_TTLAndTarget(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rule, err := FromSpec(config.RuleSpec{Source: -1, Target: "mirror", TTL: "2h", Silent: true}, now)
	if err != nil {
		t.Fatalf("FromSpec: %v", err)
	}
	if rule.TargetUsername != "@mirror" || rule.TargetChatID != 0 {
		t.Errorf("unexpected target %+v", rule)
	}
	if rule.ExpiresAt == nil || !rule.ExpiresAt.Equal(now.Add(2*time.Hour)) {
		t.Errorf("unexpected expiry %v", rule.ExpiresAt)
	}
	if !rule.Enabled || !rule.DisableNotification {
		t.Errorf("unexpected flags %+v", rule)
	}
}

func TestStaticRules_StableIDs(t *testing.T) {
	specs := []config.RuleSpec{{Source: -1, Target: "-2"}, {Source: -1, Target: "-2", Thread: 3}}
	a, err := StaticRules(specs, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	b, _ := StaticRules(specs, time.Now().Add(time.Hour))
	if a[0].ID != b[0].ID {
		t.Errorf("ids should be stable, got %s and %s", a[0].ID, b[0].ID)
	}
	if a[0].ID == a[1].ID {
		t.Error("different routes should get different ids")
	}
	if !strings.HasPrefix(a[0].ID, "static-") {
		t.Errorf("unexpected id %s", a[0].ID)
	}
}

func TestOptions(t *testing.T) {
	opts := Options(domain.Rule{TargetUsername: "@m", ThreadID: 4, ProtectContent: true, DisableWebPagePreview: true})
	if opts.ChannelUsername != "@m" || opts.ThreadID != 4 || !opts.ProtectContent || !opts.DisableWebPagePreview {
		t.Errorf("unexpected options %+v", opts)
	}
	if opts.ReplyMarkup != nil {
		t.Error("rules never override reply markup")
	}
}

func TestResolver_MergesAndDedupes(t *testing.T) {
	static, err := StaticRules([]config.RuleSpec{
		{Source: 10, Target: "@Mirror"},
		{Source: 99, Target: "-5"},
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	store := &memStore{rules: []domain.Rule{
		{ID: "dup", SourceChatID: 10, TargetUsername: "@mirror", Enabled: true},
		{ID: "other", SourceChatID: 10, TargetChatID: -7, Enabled: true},
		{ID: "thread", SourceChatID: 10, TargetChatID: -7, ThreadID: 2, Enabled: true},
		{ID: "off", SourceChatID: 10, TargetChatID: -8, Enabled: false},
	}}
	r := NewResolver(ResolverConfig{Store: store, Static: static, Logger: testLogger()})

	got, err := r.Resolve(context.Background(), 10)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 rules, got %d: %+v", len(got), got)
	}
	if got[0].ID != static[0].ID {
		t.Errorf("static rule should win, got %s", got[0].ID)
	}
	for _, rule := range got {
		if rule.ID == "dup" || rule.ID == "off" {
			t.Errorf("rule %s should have been filtered", rule.ID)
		}
	}

	if !r.IsSource(context.Background(), 99) || r.IsSource(context.Background(), 12345) {
		t.Error("unexpected IsSource result")
	}
}

func TestResolver_StoreError(t *testing.T) {
	r := NewResolver(ResolverConfig{Store: &memStore{err: errors.New("disk gone")}, Logger: testLogger()})
	if _, err := r.Resolve(context.Background(), 1); err == nil {
		t.Fatal("expected store error")
	}
	if r.IsSource(context.Background(), 1) {
		t.Error("lookup failures should not mark a chat as a source")
	}
}

func TestResolver_ExpiredStaticRule(t *testing.T) {
	static, _ := StaticRules([]config.RuleSpec{{Source: 1, Target: "-2", TTL: "1m"}}, time.Now().Add(-time.Hour))
	r := NewResolver(ResolverConfig{Static: static, Logger: testLogger()})
	got, err := r.Resolve(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expired static rule should not resolve, got %+v", got)
	}
}

func TestResolver_All(t *testing.T) {
	static, _ := StaticRules([]config.RuleSpec{{Source: 1, Target: "-2"}}, time.Now())
	store := &memStore{rules: []domain.Rule{{ID: "s1", SourceChatID: 3, TargetChatID: 4}}}
	r := NewResolver(ResolverConfig{Store: store, Static: static})

	all, err := r.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[1].ID != "s1" {
		t.Errorf("unexpected %+v", all)
	}
	if r.Static() != 1 {
		t.Errorf("expected 1 static rule, got %d", r.Static())
	}
}
