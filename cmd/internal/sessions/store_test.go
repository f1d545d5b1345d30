package sessions

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddress_StringAndParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{in: "bob.1", want: Address{UserID: "bob", DeviceID: 1}},
		{in: "@bob:example.org.7", want: Address{UserID: "@bob:example.org", DeviceID: 7}},
		{in: "bob", wantErr: true},
		{in: "bob.", wantErr: true},
		{in: ".1", wantErr: true},
		{in: "bob.x", wantErr: true},
		{in: "bob.0", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseAddress(tc.in)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.in, got.String())
		})
	}
}

// exerciseStore runs the Store contract against any implementation.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	bob1 := Address{UserID: "bob", DeviceID: 1}
	bob2 := Address{UserID: "bob", DeviceID: 2}

	_, err := st.Load(ctx, "alice", bob1)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Store(ctx, Record{Owner: "alice", Address: bob1, State: []byte("s1"), RemoteIdentity: []byte("id"), BaseKey: []byte("bk")}))
	require.NoError(t, st.Store(ctx, Record{Owner: "alice", Address: bob2, State: []byte("s2"), RemoteIdentity: []byte("id"), BaseKey: []byte("bk2"), Pending: []byte("p")}))
	require.NoError(t, st.Store(ctx, Record{Owner: "carol", Address: bob1, State: []byte("c1"), RemoteIdentity: []byte("id"), BaseKey: []byte("bk")}))

	got, err := st.Load(ctx, "alice", bob2)
	require.NoError(t, err)
	require.Equal(t, []byte("s2"), got.State)
	require.Equal(t, []byte("p"), got.Pending)

	// Overwrite replaces state; a nil pending clears it.
	require.NoError(t, st.Store(ctx, Record{Owner: "alice", Address: bob2, State: []byte("s2b"), RemoteIdentity: []byte("id"), BaseKey: []byte("bk2")}))
	got, err = st.Load(ctx, "alice", bob2)
	require.NoError(t, err)
	require.Equal(t, []byte("s2b"), got.State)
	require.Empty(t, got.Pending)

	devs, err := st.Devices(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2}, devs)

	n, err := st.DeleteAll(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Other owners are untouched.
	_, err = st.Load(ctx, "carol", bob1)
	require.NoError(t, err)
	require.NoError(t, st.Delete(ctx, "carol", bob1))
	_, err = st.Load(ctx, "carol", bob1)
	require.ErrorIs(t, err, ErrNotFound)

	require.Error(t, st.Store(ctx, Record{Owner: "alice", Address: Address{UserID: "bob"}}))
}

// exerciseTrust checks trust-on-first-use semantics.
func exerciseTrust(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	k1, k2 := []byte("key-one"), []byte("key-two")

	ok, err := st.IsTrusted(ctx, "alice", "bob", k1)
	require.NoError(t, err)
	require.True(t, ok, "first use is trusted")

	changed, err := st.RecordIdentity(ctx, "alice", "bob", k1)
	require.NoError(t, err)
	require.False(t, changed, "nothing was on file")

	changed, err = st.RecordIdentity(ctx, "alice", "bob", k1)
	require.NoError(t, err)
	require.False(t, changed, "same key")

	ok, err = st.IsTrusted(ctx, "alice", "bob", k2)
	require.NoError(t, err)
	require.False(t, ok)

	changed, err = st.RecordIdentity(ctx, "alice", "bob", k2)
	require.NoError(t, err)
	require.True(t, changed)

	stored, err := st.Identity(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, k2, stored)

	// Trust is per owner.
	ok, err = st.IsTrusted(ctx, "carol", "bob", k1)
	require.NoError(t, err)
	require.True(t, ok)
}

// exerciseConcurrentFirstContact records different keys for one peer at once.
// Only the first write may report no change.
func exerciseConcurrentFirstContact(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	const writers = 8
	changed := make([]bool, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			changed[i], errs[i] = st.RecordIdentity(ctx, "dana", "eve", []byte(fmt.Sprintf("key-%d", i)))
		}(i)
	}
	wg.Wait()

	n := 0
	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		if changed[i] {
			n++
		}
	}
	require.Equal(t, writers-1, n)
}

func TestMemoryStore_Sessions(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_Trust(t *testing.T) {
	t.Parallel()
	exerciseTrust(t, NewMemoryStore())
	exerciseConcurrentFirstContact(t, NewMemoryStore())
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemoryStore()
	addr := Address{UserID: "bob", DeviceID: 1}
	require.NoError(t, st.Store(ctx, Record{Owner: "alice", Address: addr, State: []byte("abc")}))

	rec, err := st.Load(ctx, "alice", addr)
	require.NoError(t, err)
	rec.State[0] = 'X'

	again, err := st.Load(ctx, "alice", addr)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), again.State)
}
