package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Approval decisions carried by a link.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

const approvalIssuer = "blueprint-engine"

var (
	// ErrInvalidApproval is returned for a malformed, expired or forged link.
	ErrInvalidApproval = errors.New("invalid approval token")
	// ErrApprovalUsed is returned when a link is presented a second time.
	ErrApprovalUsed = errors.New("approval token already used")
)

// ApprovalClaims identify the parked node a link resolves.
type ApprovalClaims struct {
	jwt.RegisteredClaims
	RunID    string `json:"run_id"`
	NodeID   string `json:"node_id"`
	Decision string `json:"decision"`
}

// ReplayGuard remembers token ids that were already redeemed.
type ReplayGuard interface {
	// Use marks id as redeemed until ttl elapses. It returns false when id
	// was already redeemed.
	Use(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// ApprovalSigner issues and redeems signed approval links.
type ApprovalSigner struct {
	secret []byte
	ttl    time.Duration
	guard  ReplayGuard
	now    func() time.Time
}

// NewApprovalSigner creates a signer. A nil guard keeps redeemed ids in memory.
func NewApprovalSigner(secret string, ttl time.Duration, guard ReplayGuard) (*ApprovalSigner, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("approval secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	if guard == nil {
		guard = NewMemoryReplayGuard()
	}
	return &ApprovalSigner{secret: []byte(secret), ttl: ttl, guard: guard, now: time.Now}, nil
}

// Sign returns a token deciding nodeID of runID.
func (s *ApprovalSigner) Sign(runID, nodeID, decision string) (string, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return "", fmt.Errorf("unknown decision %q", decision)
	}
	now := s.now()
	claims := &ApprovalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    approvalIssuer,
			Subject:   runID + "/" + nodeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		RunID:    runID,
		NodeID:   nodeID,
		Decision: decision,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign approval: %w", err)
	}
	return signed, nil
}

// Parse checks the signature and expiry without redeeming the token.
func (s *ApprovalSigner) Parse(token string) (*ApprovalClaims, error) {
	claims := &ApprovalClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(approvalIssuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidApproval, err)
	}
	if claims.ID == "" || claims.RunID == "" || claims.NodeID == "" {
		return nil, fmt.Errorf("%w: missing claims", ErrInvalidApproval)
	}
	if claims.Decision != DecisionApprove && claims.Decision != DecisionReject {
		return nil, fmt.Errorf("%w: unknown decision %q", ErrInvalidApproval, claims.Decision)
	}
	return claims, nil
}

// Redeem parses the token and marks it used. A token redeems once.
func (s *ApprovalSigner) Redeem(ctx context.Context, token string) (*ApprovalClaims, error) {
	claims, err := s.Parse(token)
	if err != nil {
		return nil, err
	}
	ttl := claims.ExpiresAt.Time.Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	fresh, err := s.guard.Use(ctx, claims.ID, ttl)
	if err != nil {
		return nil, fmt.Errorf("record approval use: %w", err)
	}
	if !fresh {
		return nil, ErrApprovalUsed
	}
	return claims, nil
}

// MemoryReplayGuard keeps redeemed ids in process memory.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	used map[string]time.Time
	now  func() time.Time
}

// NewMemoryReplayGuard creates an in-memory guard.
func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{used: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryReplayGuard) Use(_ context.Context, id string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for k, exp := range g.used {
		if now.After(exp) {
			delete(g.used, k)
		}
	}
	if _, ok := g.used[id]; ok {
		return false, nil
	}
	g.used[id] = now.Add(ttl)
	return true, nil
}

// RedisReplayGuard records redeemed ids with SETNX so every replica agrees.
type RedisReplayGuard struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisReplayGuard creates a guard storing keys under prefix.
func NewRedisReplayGuard(client redis.UniversalClient, prefix string) *RedisReplayGuard {
	if prefix == "" {
		prefix = "bpe"
	}
	return &RedisReplayGuard{client: client, prefix: prefix}
}

func (g *RedisReplayGuard) Use(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+":approval:"+id, 1, ttl).Result()
}

var (
	_ ReplayGuard = (*MemoryReplayGuard)(nil)
	_ ReplayGuard = (*RedisReplayGuard)(nil)
)
