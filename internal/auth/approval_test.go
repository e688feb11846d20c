package auth

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const testSecret = "0123456789abcdef0123"

func TestApprovalRoundTrip(t *testing.T) {
	s, err := NewApprovalSigner(testSecret, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := s.Sign("run-1", "review", DecisionApprove)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := s.Redeem(context.Background(), tok)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if claims.RunID != "run-1" || claims.NodeID != "review" || claims.Decision != DecisionApprove {
		t.Errorf("claims = %+v", claims)
	}
	if _, err := s.Redeem(context.Background(), tok); !errors.Is(err, ErrApprovalUsed) {
		t.Errorf("second redeem: %v, want ErrApprovalUsed", err)
	}
}

func TestApprovalRejectsBadTokens(t *testing.T) {
	s, _ := NewApprovalSigner(testSecret, time.Hour, nil)
	other, _ := NewApprovalSigner("another-secret-of-length", time.Hour, nil)
	forged, _ := other.Sign("run-1", "review", DecisionApprove)

	expiring, _ := NewApprovalSigner(testSecret, time.Minute, nil)
	expiring.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	expired, _ := expiring.Sign("run-1", "review", DecisionReject)

	valid, _ := s.Sign("run-1", "review", DecisionReject)
	tampered := valid[:len(valid)-2] + "xx"

	tests := map[string]string{
		"garbage":   "not-a-token",
		"forged":    forged,
		"expired":   expired,
		"tampered":  tampered,
		"truncated": strings.Join(strings.Split(valid, ".")[:2], "."),
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Redeem(context.Background(), tok); !errors.Is(err, ErrInvalidApproval) {
				t.Errorf("err = %v, want ErrInvalidApproval", err)
			}
		})
	}
}

func TestApprovalSignerValidation(t *testing.T) {
	if _, err := NewApprovalSigner("short", time.Hour, nil); err == nil {
		t.Error("expected short secret to fail")
	}
	s, _ := NewApprovalSigner(testSecret, 0, nil)
	if _, err := s.Sign("r", "n", "maybe"); err == nil {
		t.Error("expected unknown decision to fail")
	}
}

func TestMemoryReplayGuardExpires(t *testing.T) {
	g := NewMemoryReplayGuard()
	now := time.Now()
	g.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := g.Use(ctx, "a", time.Minute); !ok {
		t.Fatal("first use should pass")
	}
	if ok, _ := g.Use(ctx, "a", time.Minute); ok {
		t.Fatal("second use should fail")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := g.Use(ctx, "a", time.Minute); !ok {
		t.Error("expired entry should be forgotten")
	}
}

func TestRedisReplayGuard(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skip("redis not available:", err)
	}
	defer client.Close()

	prefix := "test:" + uuid.NewString()
	g := NewRedisReplayGuard(client, prefix)
	ctx := context.Background()
	defer client.Del(ctx, prefix+":approval:tok")

	if ok, err := g.Use(ctx, "tok", time.Minute); err != nil || !ok {
		t.Fatalf("first use = %v, %v", ok, err)
	}
	if ok, err := g.Use(ctx, "tok", time.Minute); err != nil || ok {
		t.Fatalf("second use = %v, %v", ok, err)
	}
}
