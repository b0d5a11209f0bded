package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func okResult(userID string) *models.AuthResult {
	return &models.AuthResult{Success: true, UserID: userID}
}

func TestTokenCache_HitWithinTTL(t *testing.T) {
	c := NewTokenCache(TokenCacheOptions{TTL: 5 * time.Second})
	now := time.Now()

	c.PutAt("fp1", okResult("u1"), now)

	got, ok := c.GetAt("fp1", now.Add(4*time.Second))
	if !ok {
		t.Fatal("expected cache hit within TTL")
	}
	if got.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", got.UserID)
	}
}

func TestTokenCache_MissAfterTTL(t *testing.T) {
	c := NewTokenCache(TokenCacheOptions{TTL: 5 * time.Second})
	now := time.Now()

	c.PutAt("fp1", okResult("u1"), now)

	if _, ok := c.GetAt("fp1", now.Add(5*time.Second)); ok {
		t.Error("expected miss at exactly TTL")
	}
	if c.Size() != 0 {
		t.Errorf("expired entry should be pruned on lookup, size = %d", c.Size())
	}
}

func TestTokenCache_EmptyFingerprint(t *testing.T) {
	c := NewTokenCache(TokenCacheOptions{})

	c.Put("", okResult("u1"))
	if c.Size() != 0 {
		t.Error("empty fingerprint should not be stored")
	}
	if _, ok := c.Get(""); ok {
		t.Error("empty fingerprint should never hit")
	}
}

func TestTokenCache_MaxSizeEvictsOldest(t *testing.T) {
	c := NewTokenCache(TokenCacheOptions{TTL: time.Hour, MaxSize: 3})
	now := time.Now()

	for i := 0; i < 4; i++ {
		c.PutAt(fmt.Sprintf("fp%d", i), okResult("u"), now.Add(time.Duration(i)*time.Second))
	}

	if c.Size() != 3 {
		t.Fatalf("size = %d, want 3", c.Size())
	}
	if _, ok := c.GetAt("fp0", now.Add(5*time.Second)); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.GetAt("fp3", now.Add(5*time.Second)); !ok {
		t.Error("newest entry should survive eviction")
	}
}

func TestTokenCache_Clear(t *testing.T) {
	c := NewTokenCache(TokenCacheOptions{})
	c.Put("fp1", okResult("u1"))
	c.Clear()
	if c.Size() != 0 {
		t.Errorf("size after clear = %d, want 0", c.Size())
	}
}

func TestFingerprint_DoesNotEmbedToken(t *testing.T) {
	token := "secret-token-value"
	fp := Fingerprint(token, "ctx")

	if fp == token {
		t.Error("fingerprint must not equal the raw token")
	}
	if len(fp) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(fp))
	}
}

func TestFingerprint_ContextSeparation(t *testing.T) {
	if Fingerprint("tok", "a") == Fingerprint("tok", "b") {
		t.Error("different contexts must produce different fingerprints")
	}
	if Fingerprint("ab", "c") == Fingerprint("a", "bc") {
		t.Error("token/context boundary must be unambiguous")
	}
}
