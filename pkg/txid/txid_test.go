package txid

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/polyroute/pkg/errors"
)

func testGlobal() GlobalID {
	return NewGlobalIdentity(
		uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		uuid.MustParse("00000000-0000-0000-0000-000000000002"),
		uuid.MustParse("00000000-0000-0000-0000-000000000003"),
		uuid.MustParse("00000000-0000-0000-0000-000000000004"),
	)
}

func TestGlobalID_Layout(t *testing.T) {
	g := testGlobal()
	raw := g.Bytes()

	require.Len(t, raw, Size)
	assert.Equal(t, byte(1), raw[15])
	assert.Equal(t, byte(2), raw[31])
	assert.Equal(t, byte(3), raw[47])
	assert.Equal(t, byte(4), raw[63])

	parsed, err := ParseGlobalID(raw)
	require.NoError(t, err)
	assert.Equal(t, g, parsed)
}

func TestParse_Malformed(t *testing.T) {
	_, err := ParseGlobalID(make([]byte, 63))
	assert.True(t, errors.IsMalformedIdentity(err))

	_, err = ParseBranchID(nil)
	assert.True(t, errors.IsMalformedIdentity(err))

	for _, s := range []string{
		"",
		"GID:00",
		"{GID:zz,BID:00}",
		"{GID:" + testGlobal().String() + "}",
		"{GID:" + testGlobal().String() + ",BID:abcd}",
	} {
		_, err := ParseXid(s)
		assert.True(t, errors.IsMalformedIdentity(err), "input %q", s)
	}
}

func TestBranch_Deterministic(t *testing.T) {
	g := testGlobal()

	a1 := BranchForAdapter(g, 1)
	a2 := BranchForAdapter(g, 1)
	b := BranchForAdapter(g, 2)

	assert.Equal(t, a1, a2, "same adapter must receive the same branch")
	assert.NotEqual(t, a1, b)
	assert.Equal(t, g.Node, a1.Node)
	assert.Equal(t, AdapterStore(1), a1.Store)
	assert.Equal(t, uuid.Nil, a1.Reserved)

	other := NewGlobalIdentity(g.Node, g.User, g.Connection, uuid.New())
	assert.NotEqual(t, a1, BranchForAdapter(other, 1), "branches differ across transactions")
}

func TestLocalIdentity(t *testing.T) {
	node := uuid.New()
	txn := uuid.New()

	g, b := LocalIdentity(node, txn)
	assert.True(t, IsLocal(g))
	assert.Equal(t, txn, g.Transaction)
	assert.Equal(t, node, b.Node)

	assert.False(t, IsLocal(testGlobal()))
}

func TestXid_StringRoundTrip(t *testing.T) {
	g := testGlobal()
	x := Xid{Global: g, Branch: BranchForAdapter(g, 7)}

	s := x.String()
	assert.Regexp(t, `^\{GID:[0-9a-f]{128},BID:[0-9a-f]{128}\}$`, s)

	parsed, err := ParseXid(s)
	require.NoError(t, err)
	assert.Equal(t, x, parsed)
}

func TestGlobalID_JSON(t *testing.T) {
	g := testGlobal()
	data, err := json.Marshal(map[string]GlobalID{"global": g})
	require.NoError(t, err)

	var out map[string]GlobalID
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, g, out["global"])
}

func TestBranch_ConcurrentConstruction(t *testing.T) {
	g := testGlobal()
	want := BranchForAdapter(g, 3)

	var wg sync.WaitGroup
	results := make([]BranchID, 64)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = BranchForAdapter(g, 3)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, want, r)
	}
}
