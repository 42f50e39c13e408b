package profile_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/security"
	"vigil/internal/security/store/profile"
	"vigil/pkg/platform/sentinel"
)

func TestPutAndGetProfile(t *testing.T) {
	ctx := context.Background()
	store := profile.NewInMemoryStore()

	p := security.NewProfile("acct-1")
	p.TwoFactorEnabled = true
	p.Score = 35
	p.TrustedDevices = []security.TrustedDevice{{ID: "dev-1", Name: "laptop", Trusted: true}}
	p.AllowlistedIPs = []string{"10.0.0.1"}
	require.NoError(t, store.PutProfile(ctx, p))

	got, err := store.GetProfile(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestGetProfileUnknownAccount(t *testing.T) {
	store := profile.NewInMemoryStore()
	_, err := store.GetProfile(context.Background(), "missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestPutProfileRejectsZeroAccount(t *testing.T) {
	store := profile.NewInMemoryStore()
	err := store.PutProfile(context.Background(), security.NewProfile(""))
	assert.ErrorIs(t, err, sentinel.ErrInvalidState)
}

func TestProfilesAreIsolatedCopies(t *testing.T) {
	ctx := context.Background()
	store := profile.NewInMemoryStore()

	p := security.NewProfile("acct-1")
	p.TrustedDevices = []security.TrustedDevice{{ID: "dev-1", Trusted: true}}
	require.NoError(t, store.PutProfile(ctx, p))

	// Caller mutations after Put must not reach the stored copy.
	p.TrustedDevices[0].Trusted = false
	p.Score = 90

	got, err := store.GetProfile(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, got.TrustedDevices[0].Trusted)
	assert.Zero(t, got.Score)

	// And mutations of a Get result must not reach it either.
	got.TrustedDevices[0].ID = "tampered"
	again, err := store.GetProfile(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", again.TrustedDevices[0].ID)
}
