package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"portalauth/internal/lockout"
	"portalauth/internal/models"
	"portalauth/internal/notify"
	"portalauth/internal/provider"
	"portalauth/internal/ratelimit"
	"portalauth/internal/reputation"
)

func TestLoginIssuesLiveSession(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("id-1", "ada@example.com")

	result, err := h.login(t, "  Ada@Example.com ", testPassword, "portal")
	require.NoError(t, err)
	require.NotEmpty(t, result.Token)
	require.Equal(t, "portal", result.Session.Application)
	require.False(t, result.Suspicious)
	require.Empty(t, result.Notification)

	live, err := h.custom.ValidateSession(context.Background(), result.Token)
	require.NoError(t, err)
	require.True(t, live)

	require.NotNil(t, h.identities.get("id-1").LastLoginAt)
	require.Equal(t, 1, h.audit.count(models.AuditLoginSuccess))
}

func TestLoginUnknownEmailLooksLikeBadPassword(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("id-1", "ada@example.com")

	_, unknownErr := h.login(t, "nobody@example.com", testPassword, "portal")
	_, wrongErr := h.login(t, "ada@example.com", "Wrong-Password-1", "portal")

	require.ErrorIs(t, unknownErr, ErrInvalidCredentials)
	require.ErrorIs(t, wrongErr, ErrInvalidCredentials)
	require.Equal(t, 1, h.hasher.equalized)
	require.Equal(t, 2, h.audit.count(models.AuditLoginFailed))
}

func TestLoginProgressiveLockout(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("id-1", "ada@example.com")

	fail := func() error {
		_, err := h.login(t, "ada@example.com", "Wrong-Password-1", "portal")
		return err
	}
	expectLock := func(attempt int, want time.Duration) {
		err := fail()
		var locked *LockedError
		require.Truef(t, errors.As(err, &locked), "attempt %d: expected lock, got %v", attempt, err)
		if want == 0 {
			require.True(t, locked.Indefinite)
			require.True(t, locked.Until.Equal(lockout.Indefinite))
			return
		}
		require.False(t, locked.Indefinite)
		require.Equal(t, want, locked.Until.Sub(h.clock.Now()))
	}

	attempt := 0
	for _, tier := range lockout.DefaultTiers {
		for attempt < tier.Attempts-1 {
			attempt++
			require.ErrorIs(t, fail(), ErrInvalidCredentials, "attempt %d", attempt)
		}
		attempt++
		expectLock(attempt, tier.Duration)
		if tier.Duration > 0 {
			// The correct password is refused while locked.
			_, err := h.login(t, "ada@example.com", testPassword, "portal")
			var locked *LockedError
			require.ErrorAs(t, err, &locked)
			h.clock.Advance(tier.Duration + time.Second)
		}
	}
	require.Equal(t, 20, h.identities.get("id-1").FailedAttempts)

	// The 21st failure is still refused by the indefinite lock.
	err := fail()
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	require.True(t, locked.Indefinite)

	// Only an administrator unlock restores access.
	require.NoError(t, h.accounts.Unlock(context.Background(), models.SystemActor, "id-1"))
	_, err = h.login(t, "ada@example.com", testPassword, "portal")
	require.NoError(t, err)
	require.Equal(t, 4, appliedLocks(h.audit))
}

// appliedLocks counts lock audits that applied a new lock, as opposed to
// refusals of a locked account.
func appliedLocks(a *memoryAudit) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e.Action == models.AuditLoginLocked && e.NewState != nil {
			n++
		}
	}
	return n
}

func TestLoginSuccessResetsFailedAttempts(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("id-1", "ada@example.com")

	for i := 0; i < 4; i++ {
		_, err := h.login(t, "ada@example.com", "Wrong-Password-1", "portal")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err := h.login(t, "ada@example.com", testPassword, "portal")
	require.NoError(t, err)
	require.Zero(t, h.identities.get("id-1").FailedAttempts)

	_, err = h.login(t, "ada@example.com", "Wrong-Password-1", "portal")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.Equal(t, 1, h.identities.get("id-1").FailedAttempts)
}

func TestLoginAccountStates(t *testing.T) {
	h := newHarness(t)
	external := "user_ext"
	h.addIdentity("id-delegated", "del@example.com", func(i *models.Identity) {
		i.AuthMode = models.AuthModeDelegated
		i.ExternalID = &external
	})
	h.addIdentity("id-migrating", "mig@example.com", func(i *models.Identity) { i.AuthMode = models.AuthModeMigrating })
	h.addIdentity("id-pending", "pending@example.com", func(i *models.Identity) {
		i.Status = models.IdentityStatusPending
		i.PasswordHash = nil
	})
	h.addIdentity("id-nopw", "nopw@example.com", func(i *models.Identity) { i.PasswordHash = nil })
	h.addIdentity("id-suspended", "sus@example.com", func(i *models.Identity) { i.Status = models.IdentityStatusSuspended })

	cases := []struct {
		email    string
		password string
		want     error
	}{
		{"del@example.com", testPassword, ErrWrongProvider},
		{"mig@example.com", testPassword, ErrWrongProvider},
		{"pending@example.com", testPassword, ErrAccountNotActivated},
		{"nopw@example.com", testPassword, ErrPasswordSetupRequired},
		{"sus@example.com", testPassword, ErrAccountDisabled},
		{"sus@example.com", "Wrong-Password-1", ErrInvalidCredentials},
	}
	for _, tc := range cases {
		_, err := h.login(t, tc.email, tc.password, "portal")
		require.ErrorIs(t, err, tc.want, tc.email)
	}

	_, err := h.login(t, "", "", "portal")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestLoginRateLimited(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("id-1", "ada@example.com")
	h.limiter.rejected = map[ratelimit.Kind]bool{ratelimit.KindLogin: true}

	_, err := h.login(t, "ada@example.com", testPassword, "portal")
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, string(ratelimit.KindLogin), rl.Limiter)
	require.Positive(t, rl.RetryAfter)
	require.Zero(t, h.identities.get("id-1").FailedAttempts)
}

func TestLoginLimiterBackendDownFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("id-1", "ada@example.com")
	h.limiter.err = ratelimit.ErrBackendUnavailable

	_, err := h.login(t, "ada@example.com", testPassword, "portal")
	require.ErrorIs(t, err, ratelimit.ErrBackendUnavailable)
}

func TestSuspiciousLoginStillSucceedsWhenNotificationFails(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("id-1", "ada@example.com")
	h.anomaly.reasons = []string{"new_device", "new_location"}
	h.notifier.err = errNotifyDown

	result, err := h.login(t, "ada@example.com", testPassword, "portal")
	require.NoError(t, err)
	require.True(t, result.Suspicious)
	require.Equal(t, []string{"new_device", "new_location"}, result.Reasons)
	require.Equal(t, NotificationFailed, result.Notification)

	event := h.audit.last(models.AuditLoginSuspicious)
	require.Equal(t, NotificationFailed, event.Metadata["notification"])
	require.Equal(t, result.Session.ID, event.ResourceID)
}

func TestSuspiciousLoginNotifiesOwner(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("id-1", "ada@example.com")
	h.auth.reputation = neutralReputation{verdict: reputation.Verdict{Checked: true, Score: 92, Risky: true, Reason: "tor exit node"}}

	result, err := h.login(t, "ada@example.com", testPassword, "portal")
	require.NoError(t, err)
	require.Equal(t, []string{ReasonRiskyIP}, result.Reasons)
	require.Equal(t, NotificationSent, result.Notification)

	msg, ok := h.notifier.lastOf(notify.KindSuspiciousLogin)
	require.True(t, ok)
	require.Equal(t, "ada@example.com", msg.Email)
	require.Equal(t, ReasonRiskyIP, msg.Data["reasons"])
	require.Equal(t, result.Session.ID, msg.Data["session_id"])
}

func TestLogoutCurrentAndAll(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("id-1", "ada@example.com")
	ctx := context.Background()

	first, err := h.login(t, "ada@example.com", testPassword, "portal")
	require.NoError(t, err)
	second, err := h.login(t, "ada@example.com", testPassword, "portal")
	require.NoError(t, err)
	third, err := h.login(t, "ada@example.com", testPassword, "certificates")
	require.NoError(t, err)

	n, err := h.auth.Logout(ctx, h.authFor(t, first), ScopeCurrent, RequestMeta{Application: "portal"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	live, _ := h.custom.ValidateSession(ctx, first.Token)
	require.False(t, live)
	live, _ = h.custom.ValidateSession(ctx, second.Token)
	require.True(t, live)

	n, err = h.auth.Logout(ctx, h.authFor(t, second), ScopeAll, RequestMeta{Application: "portal"})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	for _, token := range []string{second.Token, third.Token} {
		live, err := h.custom.ValidateSession(ctx, token)
		require.NoError(t, err)
		require.False(t, live)
	}

	require.Len(t, h.bus.events, 1)
	require.ElementsMatch(t, []string{second.Session.ID, third.Session.ID}, h.bus.events[0].SessionIDs)
	require.Equal(t, "portal", h.bus.events[0].InitiatingApp)

	_, err = h.auth.Logout(ctx, h.authFor(t, second), "everything", RequestMeta{})
	require.ErrorIs(t, err, ErrInvalidScope)
}

func TestRefreshRotatesSession(t *testing.T) {
	h := newHarness(t)
	h.addIdentity("id-1", "ada@example.com")
	ctx := context.Background()

	result, err := h.login(t, "ada@example.com", testPassword, "certificates")
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	issued, err := h.auth.Refresh(ctx, h.authFor(t, result), RequestMeta{IPAddress: "203.0.113.7"})
	require.NoError(t, err)
	require.NotEqual(t, result.Session.ID, issued.Session.ID)
	require.Equal(t, "certificates", issued.Session.Application)

	oldLive, err := h.custom.ValidateSession(ctx, result.Token)
	require.NoError(t, err)
	require.False(t, oldLive)
	newLive, err := h.custom.ValidateSession(ctx, issued.Token)
	require.NoError(t, err)
	require.True(t, newLive)

	old, err := h.sessions.GetByID(ctx, result.Session.ID)
	require.NoError(t, err)
	require.Equal(t, "rotated", *old.RevokedReason)

	_, err = h.auth.Refresh(ctx, &provider.AuthContext{Provider: provider.KindDelegated}, RequestMeta{})
	require.ErrorIs(t, err, ErrWrongProvider)
}

func TestTrustDeviceAudits(t *testing.T) {
	h := newHarness(t)
	identity := h.addIdentity("id-1", "ada@example.com")

	fp, loc, err := h.auth.TrustDevice(context.Background(), &provider.AuthContext{Identity: identity, Provider: provider.KindCustom},
		RequestMeta{UserAgent: "curl/8.0"})
	require.NoError(t, err)
	require.NotEmpty(t, fp)
	require.Equal(t, "DE", loc.Country)
	require.Equal(t, []string{fp}, h.anomaly.trusted)
	require.Equal(t, 1, h.audit.count(models.AuditDeviceTrusted))
}
