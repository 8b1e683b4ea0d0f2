package btree_test

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/pkkm/blockdb/internal/check"
	"github.com/pkkm/blockdb/pkg/btree"
	"github.com/pkkm/blockdb/pkg/fs"
)

func init() {
	// Run even the expensive assertions while testing.
	check.Level = 3
}

// smallOpts shrinks the node fanout to 2 items per node, so splits and
// compensation trigger after a handful of inserts.
var smallOpts = btree.Options{BlockSize: 64}

func newTree(t *testing.T, opts btree.Options) *btree.Tree {
	t.Helper()

	tree, err := btree.Create(fs.NewReal(), filepath.Join(t.TempDir(), "index.db"), opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = tree.Close() })

	return tree
}

// pair mirrors one stored mapping for comparisons.
type pair struct {
	Key   btree.Key
	Value btree.Value
}

func collect(t *testing.T, tree *btree.Tree) []pair {
	t.Helper()

	var pairs []pair

	err := tree.Walk(func(key btree.Key, value btree.Value) {
		pairs = append(pairs, pair{Key: key, Value: value})
	})
	require.NoError(t, err)

	return pairs
}

func sortedPairs(m map[btree.Key]btree.Value) []pair {
	pairs := make([]pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, pair{Key: k, Value: v})
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })

	return pairs
}

func Test_Get_Returns_Value_When_Key_Was_Set(t *testing.T) {
	t.Parallel()

	tree := newTree(t, smallOpts)

	require.NoError(t, tree.Set(10, 100))

	value, found, err := tree.Get(10)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, btree.Value(100), value)
}

func Test_Get_Reports_Absent_When_Key_Was_Never_Set(t *testing.T) {
	t.Parallel()

	tree := newTree(t, smallOpts)

	require.NoError(t, tree.Set(10, 100))

	_, found, err := tree.Get(11)
	require.NoError(t, err)
	require.False(t, found)
}

func Test_Get_Reports_Absent_When_Tree_Is_Empty(t *testing.T) {
	t.Parallel()

	tree := newTree(t, smallOpts)

	_, found, err := tree.Get(1)
	require.NoError(t, err)
	require.False(t, found)
}

func Test_Walk_Visits_Nothing_When_Tree_Is_Empty(t *testing.T) {
	t.Parallel()

	tree := newTree(t, smallOpts)

	require.Empty(t, collect(t, tree))
}

func Test_Set_Keeps_One_Mapping_When_Key_Is_Overwritten(t *testing.T) {
	t.Parallel()

	tree := newTree(t, smallOpts)

	require.NoError(t, tree.Set(42, 1))
	require.NoError(t, tree.Set(42, 2))

	value, found, err := tree.Get(42)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, btree.Value(2), value)

	require.Equal(t, []pair{{Key: 42, Value: 2}}, collect(t, tree))
}

func Test_Set_Splits_Root_When_Leaf_Overflows(t *testing.T) {
	t.Parallel()

	tree := newTree(t, smallOpts)

	// With 2 items per node, the third insert overflows the root leaf.
	for _, key := range []btree.Key{10, 20, 30} {
		require.NoError(t, tree.Set(key, btree.Value(key)*10))
	}

	require.NoError(t, tree.Check())

	want := []pair{{10, 100}, {20, 200}, {30, 300}}
	if diff := cmp.Diff(want, collect(t, tree)); diff != "" {
		t.Fatalf("walk mismatch (-want +got):\n%s", diff)
	}
}

func Test_Walk_Emits_Ascending_Keys_When_Inserted_Out_Of_Order(t *testing.T) {
	t.Parallel()

	tree := newTree(t, smallOpts)

	for _, key := range []btree.Key{5, 3, 7, 1, 9, 2, 8, 4, 6} {
		require.NoError(t, tree.Set(key, btree.Value(key)*10))
		require.NoError(t, tree.Check())
	}

	want := make([]pair, 0, 9)
	for key := btree.Key(1); key <= 9; key++ {
		want = append(want, pair{Key: key, Value: btree.Value(key) * 10})
	}

	if diff := cmp.Diff(want, collect(t, tree)); diff != "" {
		t.Fatalf("walk mismatch (-want +got):\n%s", diff)
	}
}

func Test_Tree_Stays_Valid_When_Keys_Inserted_Ascending(t *testing.T) {
	t.Parallel()

	tree := newTree(t, smallOpts)

	for key := btree.Key(1); key <= 100; key++ {
		require.NoError(t, tree.Set(key, btree.Value(key)))
		require.NoError(t, tree.Check())
	}

	require.Len(t, collect(t, tree), 100)
}

func Test_Tree_Stays_Valid_When_Keys_Inserted_Descending(t *testing.T) {
	t.Parallel()

	tree := newTree(t, smallOpts)

	for key := btree.Key(100); key >= 1; key-- {
		require.NoError(t, tree.Set(key, btree.Value(key)))
		require.NoError(t, tree.Check())
	}

	require.Len(t, collect(t, tree), 100)
}

// Compares the tree against an in-memory reference map under seeded random
// inserts and overwrites, checking structure as it goes.
func Test_Tree_Matches_Model_When_Seeded_Random_Ops_Applied(t *testing.T) {
	t.Parallel()

	for seed := uint64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			t.Parallel()

			tree := newTree(t, smallOpts)
			rng := rand.New(rand.NewPCG(seed, seed))
			model := make(map[btree.Key]btree.Value)

			for i := 0; i < 300; i++ {
				// A narrow key range forces frequent overwrites.
				key := btree.Key(rng.IntN(100))
				value := btree.Value(rng.Uint64())

				require.NoError(t, tree.Set(key, value))
				model[key] = value

				if i%10 == 0 {
					require.NoError(t, tree.Check())
				}
			}

			require.NoError(t, tree.Check())

			if diff := cmp.Diff(sortedPairs(model), collect(t, tree)); diff != "" {
				t.Fatalf("walk mismatch (-want +got):\n%s", diff)
			}

			for key, want := range model {
				value, found, err := tree.Get(key)
				require.NoError(t, err)
				require.True(t, found, "key %d", key)
				require.Equal(t, want, value, "key %d", key)
			}
		})
	}
}

func Test_Tree_Matches_Model_When_Many_Random_Keys_Inserted_At_Default_Block_Size(t *testing.T) {
	t.Parallel()

	tree := newTree(t, btree.Options{})
	rng := rand.New(rand.NewPCG(7, 7))
	model := make(map[btree.Key]btree.Value)

	for len(model) < 10_000 {
		key := btree.Key(rng.Uint32())
		value := btree.Value(rng.Uint64())

		require.NoError(t, tree.Set(key, value))
		model[key] = value
	}

	require.NoError(t, tree.Check())

	got := collect(t, tree)
	require.Len(t, got, len(model))

	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1].Key, got[i].Key, "walk must be strictly ascending")
	}

	if diff := cmp.Diff(sortedPairs(model), got); diff != "" {
		t.Fatalf("walk mismatch (-want +got):\n%s", diff)
	}
}

func Test_Open_Restores_Content_When_Tree_Is_Reopened(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "index.db")

	tree, err := btree.Create(fsys, path, smallOpts)
	require.NoError(t, err)

	for key := btree.Key(1); key <= 50; key++ {
		require.NoError(t, tree.Set(key, btree.Value(key)*2))
	}

	require.NoError(t, tree.Close())

	tree, err = btree.Open(fsys, path, smallOpts)
	require.NoError(t, err)
	defer tree.Close()

	require.NoError(t, tree.Check())

	value, found, err := tree.Get(25)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, btree.Value(50), value)

	// The reopened tree must keep accepting inserts.
	require.NoError(t, tree.Set(51, 102))
	require.NoError(t, tree.Check())
	require.Len(t, collect(t, tree), 51)
}

func Test_Open_Fails_When_Superblock_Is_Inconsistent(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	path := filepath.Join(t.TempDir(), "index.db")

	tree, err := btree.Create(fsys, path, smallOpts)
	require.NoError(t, err)
	require.NoError(t, tree.Close())

	// A block size mismatch makes the superblock's end disagree with the
	// on-disk block count.
	_, err = btree.Open(fsys, path, btree.Options{BlockSize: 4096})
	require.ErrorIs(t, err, btree.ErrCorrupt)
}

func Test_Create_Fails_When_Block_Size_Cannot_Hold_A_Node(t *testing.T) {
	t.Parallel()

	_, err := btree.Create(fs.NewReal(), filepath.Join(t.TempDir(), "index.db"),
		btree.Options{BlockSize: 32})
	require.ErrorIs(t, err, btree.ErrInvalidOptions)
}

func Test_Print_Dumps_Every_Mapping_When_Tree_Has_Multiple_Levels(t *testing.T) {
	t.Parallel()

	tree := newTree(t, smallOpts)

	for key := btree.Key(1); key <= 10; key++ {
		require.NoError(t, tree.Set(key, btree.Value(key)*10))
	}

	var buf bytes.Buffer
	require.NoError(t, tree.Print(&buf))

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "Node "), "dump starts with the root header")

	for key := 1; key <= 10; key++ {
		require.Contains(t, out, fmt.Sprintf("%d => %d", key, key*10))
	}
}

func Test_Stats_Counters_Grow_When_Tree_Is_Used(t *testing.T) {
	t.Parallel()

	tree := newTree(t, smallOpts)

	before := tree.Stats()
	require.NoError(t, tree.Set(1, 1))
	afterSet := tree.Stats()

	require.Greater(t, afterSet.Writes, before.Writes)
	require.GreaterOrEqual(t, afterSet.Reads, before.Reads)

	_, _, err := tree.Get(1)
	require.NoError(t, err)

	afterGet := tree.Stats()
	require.Greater(t, afterGet.Reads, afterSet.Reads)
	require.Equal(t, afterSet.Writes, afterGet.Writes)
}

func Test_Operations_Fail_When_Filesystem_Injects_Errors(t *testing.T) {
	t.Parallel()

	chaos := fs.NewChaos(fs.NewReal(), fs.ChaosConfig{WriteFailRate: 1}, 1)

	_, err := btree.Create(chaos, filepath.Join(t.TempDir(), "index.db"), smallOpts)
	require.Error(t, err)
}
