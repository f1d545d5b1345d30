package cryptosession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"sigma/cmd/internal/keys"
	"sigma/cmd/internal/sessions"
)

type harness struct {
	keys     *keys.Service
	sessions *sessions.MemoryStore
	cipher   *Cipher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ks := keys.NewService(keys.NewMemoryStore(), log)
	ss := sessions.NewMemoryStore()
	return &harness{keys: ks, sessions: ss, cipher: NewCipher(ks, ss, log)}
}

func (h *harness) onboard(t *testing.T, user string, prekeys int) keys.Bundle {
	t.Helper()
	b, err := h.keys.Onboard(context.Background(), user, prekeys)
	require.NoError(t, err)
	return b
}

func addr(user string) sessions.Address { return sessions.Address{UserID: user, DeviceID: keys.DefaultDeviceID} }

// establish builds alice -> bob and delivers one message so both sides hold a session.
func (h *harness) establish(t *testing.T, alice, bob string) {
	t.Helper()
	ctx := context.Background()
	b, err := h.keys.ExportPublicBundle(ctx, bob)
	require.NoError(t, err)
	require.NoError(t, h.cipher.BuildSession(ctx, alice, addr(bob), b))

	ct, err := h.cipher.Encrypt(ctx, alice, addr(bob), []byte("hello"))
	require.NoError(t, err)
	pt, err := h.cipher.Decrypt(ctx, bob, addr(alice), ct)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))
}

func TestEndToEnd_PrekeyConsumedOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.onboard(t, "alice", 10)
	bundle := h.onboard(t, "bob", 10)

	require.NoError(t, h.cipher.BuildSession(ctx, "alice", addr("bob"), bundle))

	ct, err := h.cipher.Encrypt(ctx, "alice", addr("bob"), []byte("hi bob"))
	require.NoError(t, err)
	require.Equal(t, KindPrekey, ct.Kind)
	require.NotNil(t, ct.Prekey.OneTimePrekeyID)
	require.Equal(t, bundle.OneTimePrekey.ID, *ct.Prekey.OneTimePrekeyID)

	wire, err := ct.Marshal()
	require.NoError(t, err)
	parsed, err := ParseCiphertext(wire)
	require.NoError(t, err)

	pt, err := h.cipher.Decrypt(ctx, "bob", addr("alice"), parsed)
	require.NoError(t, err)
	require.Equal(t, "hi bob", string(pt))

	n, err := h.keys.CountPrekeys(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 9, n)

	_, err = h.keys.LoadPrekey(ctx, "bob", bundle.OneTimePrekey.ID)
	require.ErrorIs(t, err, keys.ErrNotFound)

	// Reply switches alice to whisper messages.
	reply, err := h.cipher.Encrypt(ctx, "bob", addr("alice"), []byte("hi alice"))
	require.NoError(t, err)
	require.Equal(t, KindWhisper, reply.Kind)
	pt, err = h.cipher.Decrypt(ctx, "alice", addr("bob"), reply)
	require.NoError(t, err)
	require.Equal(t, "hi alice", string(pt))

	next, err := h.cipher.Encrypt(ctx, "alice", addr("bob"), []byte("again"))
	require.NoError(t, err)
	require.Equal(t, KindWhisper, next.Kind)
	require.Nil(t, next.Prekey)
}

func TestBuildSession_ConcurrentBuildersOneWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	bundle := h.onboard(t, "bob", 3)

	const builders = 8
	for i := 0; i < builders; i++ {
		h.onboard(t, fmt.Sprintf("u%d", i), 1)
	}

	errs := make([]error, builders)
	var wg sync.WaitGroup
	for i := 0; i < builders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.cipher.BuildSession(ctx, fmt.Sprintf("u%d", i), addr("bob"), bundle)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, keys.ErrPrekeyExhausted)
	}
	require.Equal(t, 1, wins)
}

func TestBuildSession_RemoteNotHostedSkipsClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local := newHarness(t)
	remote := newHarness(t)
	local.onboard(t, "alice", 1)
	bundle := remote.onboard(t, "bob", 2)

	require.NoError(t, local.cipher.BuildSession(ctx, "alice", addr("bob"), bundle))
	ok, err := local.cipher.HasSession(ctx, "alice", addr("bob"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBuildSession_InvalidSignature(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.onboard(t, "alice", 1)
	bundle := h.onboard(t, "bob", 1)
	bundle.SignedPrekey.Signature[0] ^= 0xFF

	err := h.cipher.BuildSession(ctx, "alice", addr("bob"), bundle)
	require.ErrorIs(t, err, ErrInvalidSignature)

	avail, err := h.keys.CountAvailablePrekeys(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, avail, "rejected bundle must not claim a prekey")
}

func TestBuildSession_UntrustedIdentityThenAccept(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.onboard(t, "alice", 1)
	bundle := h.onboard(t, "bob", 3)

	stale := make([]byte, keys.IdentityPublicSize)
	_, err := h.sessions.RecordIdentity(ctx, "alice", "bob", stale)
	require.NoError(t, err)

	err = h.cipher.BuildSession(ctx, "alice", addr("bob"), bundle)
	require.ErrorIs(t, err, ErrUntrustedIdentity)
	var ue *UntrustedIdentityError
	require.True(t, errors.As(err, &ue))
	require.Equal(t, "bob", ue.RemoteUserID)
	require.Equal(t, bundle.Identity.Fingerprint(), ue.Presented)
	require.NotEqual(t, ue.Known, ue.Presented)

	require.NoError(t, h.cipher.AcceptIdentity(ctx, "alice", "bob", bundle.Identity))
	require.NoError(t, h.cipher.BuildSession(ctx, "alice", addr("bob"), bundle))
}

func TestAcceptIdentity_TearsDownSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.onboard(t, "alice", 2)
	h.onboard(t, "bob", 2)
	h.establish(t, "alice", "bob")

	id, err := h.keys.Identity(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, h.cipher.AcceptIdentity(ctx, "alice", "bob", id.Public()))

	_, err = h.cipher.Encrypt(ctx, "alice", addr("bob"), []byte("x"))
	require.ErrorIs(t, err, ErrNoSession)
}

func TestEncrypt_NoSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, err := h.cipher.Encrypt(context.Background(), "alice", addr("bob"), []byte("x"))
	require.ErrorIs(t, err, ErrNoSession)
}

func TestDecrypt_TamperedPrekeyMessageChangesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.onboard(t, "alice", 1)
	bundle := h.onboard(t, "bob", 5)
	require.NoError(t, h.cipher.BuildSession(ctx, "alice", addr("bob"), bundle))

	ct, err := h.cipher.Encrypt(ctx, "alice", addr("bob"), []byte("secret"))
	require.NoError(t, err)

	bad := ct
	bad.Body = append([]byte(nil), ct.Body...)
	bad.Body[0] ^= 0x01
	_, err = h.cipher.Decrypt(ctx, "bob", addr("alice"), bad)
	require.ErrorIs(t, err, ErrDecryptionFailure)

	n, err := h.keys.CountPrekeys(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 5, n, "prekey must survive a failed decrypt")
	ok, err := h.cipher.HasSession(ctx, "bob", addr("alice"))
	require.NoError(t, err)
	require.False(t, ok)

	pt, err := h.cipher.Decrypt(ctx, "bob", addr("alice"), ct)
	require.NoError(t, err)
	require.Equal(t, "secret", string(pt))
}

func TestDecrypt_TamperedWhisperKeepsState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.onboard(t, "alice", 1)
	h.onboard(t, "bob", 1)
	h.establish(t, "alice", "bob")

	before, err := h.sessions.Load(ctx, "bob", addr("alice"))
	require.NoError(t, err)

	ct, err := h.cipher.Encrypt(ctx, "alice", addr("bob"), []byte("m1"))
	require.NoError(t, err)
	bad := ct
	bad.Body = append([]byte(nil), ct.Body...)
	bad.Body[len(bad.Body)-1] ^= 0x80

	_, err = h.cipher.Decrypt(ctx, "bob", addr("alice"), bad)
	require.ErrorIs(t, err, ErrDecryptionFailure)

	after, err := h.sessions.Load(ctx, "bob", addr("alice"))
	require.NoError(t, err)
	require.Equal(t, before.State, after.State)

	pt, err := h.cipher.Decrypt(ctx, "bob", addr("alice"), ct)
	require.NoError(t, err)
	require.Equal(t, "m1", string(pt))
}

func TestDecrypt_RoundTripOutOfOrderBothDirections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.onboard(t, "alice", 1)
	h.onboard(t, "bob", 1)
	h.establish(t, "alice", "bob")

	for round := 0; round < 4; round++ {
		from, to := "alice", "bob"
		if round%2 == 1 {
			from, to = to, from
		}
		var cts []Ciphertext
		for i := 0; i < 6; i++ {
			ct, err := h.cipher.Encrypt(ctx, from, addr(to), []byte(fmt.Sprintf("%s-%d-%d", from, round, i)))
			require.NoError(t, err)
			cts = append(cts, ct)
		}
		for _, i := range []int{5, 0, 3, 1, 4, 2} {
			pt, err := h.cipher.Decrypt(ctx, to, addr(from), cts[i])
			require.NoError(t, err)
			require.Equal(t, fmt.Sprintf("%s-%d-%d", from, round, i), string(pt))
		}
	}
}

func TestDecrypt_SkipWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.onboard(t, "alice", 1)
	h.onboard(t, "bob", 1)
	h.establish(t, "alice", "bob")

	// Bob has received N=0 on this chain; queue N=1..40.
	cts := make([]Ciphertext, 41)
	for i := 1; i <= 40; i++ {
		ct, err := h.cipher.Encrypt(ctx, "alice", addr("bob"), []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		cts[i] = ct
	}

	before, err := h.sessions.Load(ctx, "bob", addr("alice"))
	require.NoError(t, err)
	_, err = h.cipher.Decrypt(ctx, "bob", addr("alice"), cts[1+MaxSkip+1])
	require.ErrorIs(t, err, ErrOutOfOrder)
	after, err := h.sessions.Load(ctx, "bob", addr("alice"))
	require.NoError(t, err)
	require.Equal(t, before.State, after.State, "rejected message must not advance state")

	pt, err := h.cipher.Decrypt(ctx, "bob", addr("alice"), cts[1+MaxSkip])
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("m%d", 1+MaxSkip), string(pt))

	pt, err = h.cipher.Decrypt(ctx, "bob", addr("alice"), cts[7])
	require.NoError(t, err)
	require.Equal(t, "m7", string(pt))

	_, err = h.cipher.Decrypt(ctx, "bob", addr("alice"), cts[7])
	require.ErrorIs(t, err, ErrOutOfOrder, "a replayed message has no retained key")
}

func TestDecrypt_OldestSkippedKeysEvicted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.onboard(t, "alice", 1)
	h.onboard(t, "bob", 1)
	h.establish(t, "alice", "bob")

	const total = 5*MaxSkip + 1
	cts := make([]Ciphertext, total+1)
	for i := 1; i <= total; i++ {
		ct, err := h.cipher.Encrypt(ctx, "alice", addr("bob"), []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		cts[i] = ct
	}
	// Jump one full window at a time: each jump retains MaxSkip-1 keys.
	for i := MaxSkip; i <= total; i += MaxSkip {
		_, err := h.cipher.Decrypt(ctx, "bob", addr("alice"), cts[i])
		require.NoError(t, err)
	}

	_, err := h.cipher.Decrypt(ctx, "bob", addr("alice"), cts[1])
	require.ErrorIs(t, err, ErrOutOfOrder, "oldest skipped key was evicted")

	pt, err := h.cipher.Decrypt(ctx, "bob", addr("alice"), cts[total-2])
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("m%d", total-2), string(pt))

	pt, err = h.cipher.Decrypt(ctx, "bob", addr("alice"), cts[total])
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("m%d", total), string(pt))
}

func TestParseCiphertext_Rejects(t *testing.T) {
	t.Parallel()

	_, err := ParseCiphertext([]byte{0xff, 0x00})
	require.ErrorIs(t, err, ErrInvalidInput)

	raw, err := Ciphertext{Kind: KindPrekey, Body: []byte{1}}.Marshal()
	require.NoError(t, err)
	_, err = ParseCiphertext(raw)
	require.ErrorIs(t, err, ErrInvalidInput)

	raw, err = Ciphertext{Kind: KindWhisper}.Marshal()
	require.NoError(t, err)
	_, err = ParseCiphertext(raw)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	t.Parallel()
	km := newKeyedMutex()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("a")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
	require.Equal(t, 0, km.size())
}

func TestOpen_DiscardKeepsMessageDecryptable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.onboard(t, "alice", 1)
	bundle := h.onboard(t, "bob", 5)
	require.NoError(t, h.cipher.BuildSession(ctx, "alice", addr("bob"), bundle))

	first, err := h.cipher.Encrypt(ctx, "alice", addr("bob"), []byte("first"))
	require.NoError(t, err)

	o, err := h.cipher.Open(ctx, "bob", addr("alice"), first)
	require.NoError(t, err)
	require.Equal(t, "first", string(o.Plaintext))
	o.Discard()
	o.Discard()

	n, err := h.keys.CountPrekeys(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 5, n, "prekey must survive a discarded open")
	ok, err := h.cipher.HasSession(ctx, "bob", addr("alice"))
	require.NoError(t, err)
	require.False(t, ok)

	o, err = h.cipher.Open(ctx, "bob", addr("alice"), first)
	require.NoError(t, err)
	require.NoError(t, o.Commit(ctx))
	require.Error(t, o.Commit(ctx))

	n, err = h.keys.CountPrekeys(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 4, n)

	// Whisper path: the advanced state is only stored on commit.
	reply, err := h.cipher.Encrypt(ctx, "bob", addr("alice"), []byte("reply"))
	require.NoError(t, err)
	_, err = h.cipher.Decrypt(ctx, "alice", addr("bob"), reply)
	require.NoError(t, err)
	second, err := h.cipher.Encrypt(ctx, "alice", addr("bob"), []byte("second"))
	require.NoError(t, err)

	before, err := h.sessions.Load(ctx, "bob", addr("alice"))
	require.NoError(t, err)
	o, err = h.cipher.Open(ctx, "bob", addr("alice"), second)
	require.NoError(t, err)
	o.Discard()
	after, err := h.sessions.Load(ctx, "bob", addr("alice"))
	require.NoError(t, err)
	require.Equal(t, before.State, after.State)

	pt, err := h.cipher.Decrypt(ctx, "bob", addr("alice"), second)
	require.NoError(t, err)
	require.Equal(t, "second", string(pt))
}

func TestOpen_HoldsSessionUntilReleased(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.onboard(t, "alice", 1)
	h.onboard(t, "bob", 1)
	h.establish(t, "alice", "bob")

	ct, err := h.cipher.Encrypt(ctx, "alice", addr("bob"), []byte("m1"))
	require.NoError(t, err)
	o, err := h.cipher.Open(ctx, "bob", addr("alice"), ct)
	require.NoError(t, err)

	encrypted := make(chan struct{})
	go func() {
		defer close(encrypted)
		_, _ = h.cipher.Encrypt(ctx, "bob", addr("alice"), []byte("r1"))
	}()

	select {
	case <-encrypted:
		t.Fatal("encrypt must wait for the open message to be released")
	default:
	}
	require.NoError(t, o.Commit(ctx))
	<-encrypted
	require.Equal(t, 0, h.cipher.locks.size())
}

func TestDecrypt_ReplayFromFinishedChainIsOutOfOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.onboard(t, "alice", 1)
	bundle := h.onboard(t, "bob", 1)
	require.NoError(t, h.cipher.BuildSession(ctx, "alice", addr("bob"), bundle))

	old, err := h.cipher.Encrypt(ctx, "alice", addr("bob"), []byte("old"))
	require.NoError(t, err)
	_, err = h.cipher.Decrypt(ctx, "bob", addr("alice"), old)
	require.NoError(t, err)
	// Whisper copy of the same ratchet message, as a replay would look once
	// alice has seen a reply.
	oldWhisper := old
	oldWhisper.Kind, oldWhisper.Prekey = KindWhisper, nil

	reply, err := h.cipher.Encrypt(ctx, "bob", addr("alice"), []byte("reply"))
	require.NoError(t, err)
	_, err = h.cipher.Decrypt(ctx, "alice", addr("bob"), reply)
	require.NoError(t, err)

	next, err := h.cipher.Encrypt(ctx, "alice", addr("bob"), []byte("next"))
	require.NoError(t, err)
	require.NotEqual(t, old.Header.DH, next.Header.DH)
	_, err = h.cipher.Decrypt(ctx, "bob", addr("alice"), next)
	require.NoError(t, err)

	before, err := h.sessions.Load(ctx, "bob", addr("alice"))
	require.NoError(t, err)

	for _, replay := range []Ciphertext{old, oldWhisper} {
		_, err = h.cipher.Decrypt(ctx, "bob", addr("alice"), replay)
		require.ErrorIs(t, err, ErrOutOfOrder)
	}

	after, err := h.sessions.Load(ctx, "bob", addr("alice"))
	require.NoError(t, err)
	require.Equal(t, before.State, after.State)
}
