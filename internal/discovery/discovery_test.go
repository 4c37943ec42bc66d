package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"consensus-core/internal/crypto"
	"consensus-core/internal/validator"
)

const testChain = "discovery-test"

func signedAnnouncement(t *testing.T, secret string, stake uint64, status validator.Status, updated int64) Announcement {
	t.Helper()
	a := Announcement{
		Stake:           stake,
		StorageProvided: 1 << 30,
		CommissionRate:  500,
		Endpoints:       []Endpoint{{Protocol: "tcp", Address: "10.0.0.1:26656", Priority: 1}},
		Status:          status.String(),
		LastUpdated:     updated,
	}
	require.NoError(t, a.Sign(testChain, crypto.SignerFromSecret([]byte(secret))))
	return a
}

func newTestCache(ttl time.Duration) *Cache {
	return NewCache(testChain, crypto.Ed25519Verifier{}, 0, ttl, nil)
}

func TestAnnouncementVerify(t *testing.T) {
	a := signedAnnouncement(t, "alice", 1000, validator.StatusActive, 100)
	require.NoError(t, a.Verify(testChain, crypto.Ed25519Verifier{}))
	require.ErrorIs(t, a.Verify("other-chain", crypto.Ed25519Verifier{}), ErrBadSignature)

	tampered := a.Copy()
	tampered.Stake = 1_000_000
	require.ErrorIs(t, tampered.Verify(testChain, crypto.Ed25519Verifier{}), ErrBadSignature)

	bad := a.Copy()
	bad.CommissionRate = 10001
	require.ErrorIs(t, bad.Verify(testChain, crypto.Ed25519Verifier{}), ErrInvalidAnnouncement)

	bad = a.Copy()
	bad.Status = "Sleeping"
	require.ErrorIs(t, bad.ValidateBasic(), ErrInvalidAnnouncement)

	bad = a.Copy()
	bad.Signature = nil
	require.ErrorIs(t, bad.ValidateBasic(), ErrInvalidAnnouncement)
}

func TestAnnouncementJSON(t *testing.T) {
	a := signedAnnouncement(t, "alice", 1000, validator.StatusActive, 100)
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"identity_hash"`)
	require.Contains(t, string(raw), `"commission_rate":500`)

	var back Announcement
	require.NoError(t, json.Unmarshal(raw, &back))
	require.NoError(t, back.Verify(testChain, crypto.Ed25519Verifier{}))
}

func TestCacheRejectsStaleAndForged(t *testing.T) {
	c := newTestCache(0)
	newer := signedAnnouncement(t, "alice", 2000, validator.StatusActive, 200)
	older := signedAnnouncement(t, "alice", 1000, validator.StatusActive, 100)

	require.NoError(t, c.Add(newer))
	require.ErrorIs(t, c.Add(older), ErrStaleAnnouncement)

	forged := signedAnnouncement(t, "bob", 1000, validator.StatusActive, 100)
	forged.Stake = 99
	require.ErrorIs(t, c.Add(forged), ErrBadSignature)

	id, err := newer.ID()
	require.NoError(t, err)
	got, ok := c.Get(id)
	require.True(t, ok)
	require.EqualValues(t, 2000, got.Stake)
	require.Equal(t, 1, c.Len())

	require.True(t, c.Remove(id))
	require.False(t, c.Remove(id))
	require.NoError(t, c.Add(older))
}

func TestCacheQuery(t *testing.T) {
	c := newTestCache(0)
	require.NoError(t, c.Add(signedAnnouncement(t, "a", 1000, validator.StatusActive, 1)))
	require.NoError(t, c.Add(signedAnnouncement(t, "b", 5000, validator.StatusActive, 1)))
	require.NoError(t, c.Add(signedAnnouncement(t, "c", 3000, validator.StatusOffline, 1)))
	require.NoError(t, c.Add(signedAnnouncement(t, "d", 200, validator.StatusActive, 1)))

	all := c.Query(Filter{})
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		require.GreaterOrEqual(t, all[i-1].Stake, all[i].Stake)
	}

	active := validator.StatusActive
	got := c.Query(Filter{MinStake: 500, RequiredStatus: &active})
	require.Len(t, got, 2)
	require.EqualValues(t, 5000, got[0].Stake)
	require.EqualValues(t, 1000, got[1].Stake)

	require.Len(t, c.Query(Filter{Limit: 1}), 1)

	zero := uint16(0)
	require.Empty(t, c.Query(Filter{MaxCommission: &zero}))
	require.Empty(t, c.Query(Filter{MinStorage: 2 << 30}))
}

func TestCacheExpiry(t *testing.T) {
	c := newTestCache(50 * time.Millisecond)
	a := signedAnnouncement(t, "ephemeral", 1000, validator.StatusActive, 1)
	require.NoError(t, c.Add(a))
	require.Len(t, c.Query(Filter{}), 1)

	id, _ := a.ID()
	require.Eventually(t, func() bool {
		_, ok := c.Get(id)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, c.Query(Filter{}))
}

func TestFetcherRefresh(t *testing.T) {
	source := newTestCache(0)
	require.NoError(t, source.Add(signedAnnouncement(t, "a", 1000, validator.StatusActive, 1)))
	require.NoError(t, source.Add(signedAnnouncement(t, "b", 2000, validator.StatusActive, 1)))

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		Handler(source).ServeHTTP(w, r)
	}))
	defer srv.Close()

	dst := newTestCache(0)
	f := NewFetcher(srv.URL, dst, time.Hour, nil)
	n, err := f.MaybeRefresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, dst.Query(Filter{}), 2)

	// fresh fetch is not repeated
	n, err = f.MaybeRefresh(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.EqualValues(t, 1, hits.Load())

	_, err = f.Refresh(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, hits.Load())
}

func TestFetcherErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, newTestCache(0), time.Hour, nil)
	_, err := f.Refresh(context.Background())
	require.Error(t, err)

	require.Nil(t, NewFetcher("", newTestCache(0), time.Hour, nil))
	var nilFetcher *Fetcher
	n, err := nilFetcher.MaybeRefresh(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
