package domain

import (
	"testing"
	"time"
)

func TestRule_Expired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if (Rule{}).Expired(now) {
		t.Error("rule without expiry should never expire")
	}
	if !(Rule{ExpiresAt: &past}).Expired(now) {
		t.Error("rule with past expiry should be expired")
	}
	if !(Rule{ExpiresAt: &now}).Expired(now) {
		t.Error("rule expiring exactly now should be expired")
	}
	if (Rule{ExpiresAt: &future}).Expired(now) {
		t.Error("rule with future expiry should not be expired")
	}
}

func TestRule_Active(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	if (Rule{Enabled: false}).Active(now) {
		t.Error("disabled rule should not be active")
	}
	if (Rule{Enabled: true, ExpiresAt: &past}).Active(now) {
		t.Error("expired rule should not be active")
	}
	if !(Rule{Enabled: true}).Active(now) {
		t.Error("enabled rule should be active")
	}
}

func TestRule_Target(t *testing.T) {
	if got := (Rule{TargetChatID: -1001234}).Target(); got != "-1001234" {
		t.Errorf("unexpected %q", got)
	}
	if got := (Rule{TargetUsername: "@news"}).Target(); got != "@news" {
		t.Errorf("unexpected %q", got)
	}
}

func TestParseChatTarget(t *testing.T) {
	id, name, err := ParseChatTarget("-100200")
	if err != nil || id != -100200 || name != "" {
		t.Errorf("numeric: got %d %q %v", id, name, err)
	}
	id, name, err = ParseChatTarget("news")
	if err != nil || id != 0 || name != "@news" {
		t.Errorf("bare name: got %d %q %v", id, name, err)
	}
	id, name, err = ParseChatTarget("@news")
	if err != nil || name != "@news" {
		t.Errorf("at name: got %d %q %v", id, name, err)
	}
	for _, bad := range []string{"", "0", "@", "a b"} {
		if _, _, err := ParseChatTarget(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
