package credlock

import (
	"context"
	"errors"
	"testing"
)

func TestPasswordResetFullFlow(t *testing.T) {
	_, rdb := newTestRedis(t)
	directory := newMockDirectory(Identity{UserID: "u1", Email: "alice@example.com"})
	notifier := newMockNotifier()
	engine := newTestEngine(t, rdb, directory, withNotifier(notifier))
	ctx := context.Background()

	// An established session that must not survive the reset.
	pair, err := engine.IssueSession(ctx, "u1")
	if err != nil {
		t.Fatalf("IssueSession failed: %v", err)
	}
	if _, err := engine.VerifyAccess(pair.AccessToken); err != nil {
		t.Fatalf("access token should verify before reset: %v", err)
	}

	token, err := engine.RequestPasswordReset(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	if got := notifier.delivered("alice@example.com"); len(got) != 1 || got[0] != token {
		t.Fatalf("notifier got %v", got)
	}

	if err := engine.ConfirmPasswordReset(ctx, token, "n3w-passw0rd"); err != nil {
		t.Fatalf("ConfirmPasswordReset failed: %v", err)
	}
	if got := directory.passwordHash("u1"); got != "hashed:n3w-passw0rd" {
		t.Fatalf("stored hash = %q", got)
	}

	// Every pre-reset session is dead on both paths.
	if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrFamilyRevoked) {
		t.Fatalf("refresh after reset err = %v, want ErrFamilyRevoked", err)
	}
	if _, err := engine.VerifyAccess(pair.AccessToken); !errors.Is(err, ErrFamilyRevoked) {
		t.Fatalf("access after reset err = %v, want ErrFamilyRevoked", err)
	}

	// A fresh login works.
	next, err := engine.IssueSession(ctx, "u1")
	if err != nil {
		t.Fatalf("IssueSession after reset failed: %v", err)
	}
	if _, err := engine.VerifyAccess(next.AccessToken); err != nil {
		t.Fatalf("fresh access token rejected: %v", err)
	}
}

func TestPasswordResetRevokesAllFamilies(t *testing.T) {
	_, rdb := newTestRedis(t)
	directory := newMockDirectory(Identity{UserID: "u1", Email: "alice@example.com"})
	engine := newTestEngine(t, rdb, directory)
	ctx := context.Background()

	var pairs []*TokenPair
	for i := 0; i < 3; i++ {
		pair, err := engine.IssueSession(ctx, "u1")
		if err != nil {
			t.Fatalf("IssueSession %d failed: %v", i, err)
		}
		pairs = append(pairs, pair)
	}

	token, err := engine.RequestPasswordReset(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	if err := engine.ConfirmPasswordReset(ctx, token, "n3w-passw0rd"); err != nil {
		t.Fatalf("ConfirmPasswordReset failed: %v", err)
	}

	for i, pair := range pairs {
		if _, err := engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrFamilyRevoked) {
			t.Fatalf("family %d err = %v, want ErrFamilyRevoked", i, err)
		}
	}

	if got := engine.MetricValue(MetricFamilyRevoked); got != 3 {
		t.Fatalf("MetricFamilyRevoked = %d, want 3", got)
	}
}

func TestPasswordResetConfirmRejectsBadInput(t *testing.T) {
	_, rdb := newTestRedis(t)
	directory := newMockDirectory(Identity{UserID: "u1", Email: "alice@example.com"})
	engine := newTestEngine(t, rdb, directory)
	ctx := context.Background()

	if err := engine.ConfirmPasswordReset(ctx, "some-token", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty password err = %v, want ErrInvalidInput", err)
	}
	if err := engine.ConfirmPasswordReset(ctx, "not-a-real-token", "pw"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage token err = %v, want ErrInvalidToken", err)
	}
}

func TestPasswordResetTokenIsSingleUse(t *testing.T) {
	_, rdb := newTestRedis(t)
	directory := newMockDirectory(Identity{UserID: "u1", Email: "alice@example.com"})
	engine := newTestEngine(t, rdb, directory)
	ctx := context.Background()

	token, err := engine.RequestPasswordReset(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	if err := engine.ConfirmPasswordReset(ctx, token, "first"); err != nil {
		t.Fatalf("first confirm failed: %v", err)
	}
	if err := engine.ConfirmPasswordReset(ctx, token, "second"); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("second confirm err = %v, want ErrAlreadyUsed", err)
	}
	if got := directory.passwordHash("u1"); got != "hashed:first" {
		t.Fatalf("hash = %q, second confirm must not win", got)
	}
}

func TestPasswordResetTokenNotValidAsMagicLink(t *testing.T) {
	_, rdb := newTestRedis(t)
	directory := newMockDirectory(Identity{UserID: "u1", Email: "alice@example.com"})
	engine := newTestEngine(t, rdb, directory)
	ctx := context.Background()

	reset, err := engine.RequestPasswordReset(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	if _, err := engine.VerifyMagicLink(ctx, reset); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("cross-flow redemption err = %v, want ErrInvalidToken", err)
	}

	link, err := engine.RequestMagicLink(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("RequestMagicLink failed: %v", err)
	}
	if err := engine.ConfirmPasswordReset(ctx, link, "pw"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("cross-flow confirm err = %v, want ErrInvalidToken", err)
	}
}

func TestPasswordResetStats(t *testing.T) {
	_, rdb := newTestRedis(t)
	directory := newMockDirectory(Identity{UserID: "u1", Email: "alice@example.com"})
	engine := newTestEngine(t, rdb, directory)
	ctx := context.Background()

	stats, err := engine.ResetStats(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("ResetStats failed: %v", err)
	}
	if stats.AttemptsUsed != 0 || !stats.CanRequest {
		t.Fatalf("fresh stats = %+v", stats)
	}

	for i := 0; i < 3; i++ {
		if _, err := engine.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
			t.Fatalf("request %d failed: %v", i+1, err)
		}
	}

	stats, err = engine.ResetStats(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("ResetStats failed: %v", err)
	}
	if stats.AttemptsUsed != 3 || stats.CanRequest {
		t.Fatalf("exhausted stats = %+v", stats)
	}
	if stats.CooldownRemaining <= 0 {
		t.Fatalf("cooldown = %v, want positive", stats.CooldownRemaining)
	}

	if _, err := engine.RequestPasswordReset(ctx, "alice@example.com"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestPasswordResetDisabled(t *testing.T) {
	_, rdb := newTestRedis(t)

	cfg := testConfig()
	cfg.PasswordReset.Enabled = false
	engine := newTestEngine(t, rdb, newMockDirectory(), withConfig(cfg))

	if _, err := engine.RequestPasswordReset(context.Background(), "a@b.c"); !errors.Is(err, ErrPasswordResetOff) {
		t.Fatalf("request err = %v, want ErrPasswordResetOff", err)
	}
	if err := engine.ConfirmPasswordReset(context.Background(), "tok", "pw"); !errors.Is(err, ErrPasswordResetOff) {
		t.Fatalf("confirm err = %v, want ErrPasswordResetOff", err)
	}
	if _, err := engine.ResetStats(context.Background(), "a@b.c"); !errors.Is(err, ErrPasswordResetOff) {
		t.Fatalf("stats err = %v, want ErrPasswordResetOff", err)
	}
}
