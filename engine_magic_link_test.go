package credlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMagicLinkRequestAndVerify(t *testing.T) {
	_, rdb := newTestRedis(t)
	directory := newMockDirectory(Identity{UserID: "u1", Email: "alice@example.com", Roles: []string{"member"}})
	notifier := newMockNotifier()
	engine := newTestEngine(t, rdb, directory, withNotifier(notifier))

	ctx := WithClientIP(context.Background(), "198.51.100.7")
	ctx = WithUserAgent(ctx, "Mozilla/5.0")

	token, err := engine.RequestMagicLink(ctx, "Alice@Example.com ")
	if err != nil {
		t.Fatalf("RequestMagicLink failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected a plaintext token")
	}

	delivered := notifier.delivered("alice@example.com")
	if len(delivered) != 1 || delivered[0] != token {
		t.Fatalf("notifier got %v, want the issued token", delivered)
	}

	identity, err := engine.VerifyMagicLink(ctx, token)
	if err != nil {
		t.Fatalf("VerifyMagicLink failed: %v", err)
	}
	if identity.UserID != "u1" || identity.Email != "alice@example.com" {
		t.Fatalf("unexpected identity: %+v", identity)
	}

	if _, err := engine.VerifyMagicLink(ctx, token); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("second redemption err = %v, want ErrAlreadyUsed", err)
	}
}

func TestMagicLinkUnknownEmailIsIndistinguishable(t *testing.T) {
	_, rdb := newTestRedis(t)
	directory := newMockDirectory(Identity{UserID: "u1", Email: "alice@example.com"})
	notifier := newMockNotifier()
	engine := newTestEngine(t, rdb, directory, withNotifier(notifier))
	ctx := context.Background()

	token, err := engine.RequestMagicLink(ctx, "nobody@example.com")
	if err != nil {
		t.Fatalf("RequestMagicLink failed: %v", err)
	}
	if token == "" {
		t.Fatal("unknown email must still yield a token")
	}
	if got := notifier.delivered("nobody@example.com"); len(got) != 0 {
		t.Fatalf("nothing should be delivered for unknown email, got %v", got)
	}

	// The token was never persisted, so redemption fails like any
	// unknown token.
	if _, err := engine.VerifyMagicLink(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestMagicLinkRequestRateLimit(t *testing.T) {
	_, rdb := newTestRedis(t)
	directory := newMockDirectory(Identity{UserID: "u1", Email: "alice@example.com"})
	engine := newTestEngine(t, rdb, directory)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := engine.RequestMagicLink(ctx, "alice@example.com"); err != nil {
			t.Fatalf("request %d failed: %v", i+1, err)
		}
	}

	_, err := engine.RequestMagicLink(ctx, "alice@example.com")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	var limitErr *RateLimitError
	if !errors.As(err, &limitErr) || limitErr.RetryAfter <= 0 {
		t.Fatalf("expected positive RetryAfter, got %v", err)
	}

	// A different address is unaffected.
	if _, err := engine.RequestMagicLink(ctx, "bob@example.com"); err != nil {
		t.Fatalf("other address blocked: %v", err)
	}
}

func TestMagicLinkSuccessClearsRequestCounter(t *testing.T) {
	_, rdb := newTestRedis(t)
	directory := newMockDirectory(Identity{UserID: "u1", Email: "alice@example.com"})
	engine := newTestEngine(t, rdb, directory)
	ctx := context.Background()

	var token string
	var err error
	for i := 0; i < 3; i++ {
		if token, err = engine.RequestMagicLink(ctx, "alice@example.com"); err != nil {
			t.Fatalf("request %d failed: %v", i+1, err)
		}
	}
	if _, err := engine.VerifyMagicLink(ctx, token); err != nil {
		t.Fatalf("VerifyMagicLink failed: %v", err)
	}

	// Legitimate login forgave the counter; the next request fits.
	if _, err := engine.RequestMagicLink(ctx, "alice@example.com"); err != nil {
		t.Fatalf("request after successful login failed: %v", err)
	}
}

func TestMagicLinkExpiry(t *testing.T) {
	_, rdb := newTestRedis(t)
	directory := newMockDirectory(Identity{UserID: "u1", Email: "alice@example.com"})

	cfg := testConfig()
	cfg.MagicLink.TokenTTL = time.Second
	engine := newTestEngine(t, rdb, directory, withConfig(cfg))
	ctx := context.Background()

	token, err := engine.RequestMagicLink(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("RequestMagicLink failed: %v", err)
	}

	// Expiry is judged against the wall clock, not key eviction.
	time.Sleep(1200 * time.Millisecond)

	if _, err := engine.VerifyMagicLink(ctx, token); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestMagicLinkConcurrentRedemptionSingleWinner(t *testing.T) {
	_, rdb := newTestRedis(t)
	directory := newMockDirectory(Identity{UserID: "u1", Email: "alice@example.com"})
	engine := newTestEngine(t, rdb, directory)
	ctx := context.Background()

	token, err := engine.RequestMagicLink(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("RequestMagicLink failed: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.VerifyMagicLink(ctx, token); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestMagicLinkDisabled(t *testing.T) {
	_, rdb := newTestRedis(t)
	directory := newMockDirectory()

	cfg := testConfig()
	cfg.MagicLink.Enabled = false
	engine := newTestEngine(t, rdb, directory, withConfig(cfg))

	if _, err := engine.RequestMagicLink(context.Background(), "a@b.c"); !errors.Is(err, ErrMagicLinkDisabled) {
		t.Fatalf("err = %v, want ErrMagicLinkDisabled", err)
	}
	if _, err := engine.VerifyMagicLink(context.Background(), "whatever"); !errors.Is(err, ErrMagicLinkDisabled) {
		t.Fatalf("err = %v, want ErrMagicLinkDisabled", err)
	}
}

func TestMagicLinkEmptyEmailRejected(t *testing.T) {
	_, rdb := newTestRedis(t)
	engine := newTestEngine(t, rdb, newMockDirectory())

	if _, err := engine.RequestMagicLink(context.Background(), "   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestMagicLinkNotifierFailureDoesNotSurface(t *testing.T) {
	_, rdb := newTestRedis(t)
	directory := newMockDirectory(Identity{UserID: "u1", Email: "alice@example.com"})
	notifier := newMockNotifier()
	notifier.fail = true
	engine := newTestEngine(t, rdb, directory, withNotifier(notifier))

	token, err := engine.RequestMagicLink(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("delivery failure must not surface, got %v", err)
	}
	if _, err := engine.VerifyMagicLink(context.Background(), token); err != nil {
		t.Fatalf("token must still be redeemable: %v", err)
	}
}
