package cli_test

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pkkm/blockdb/internal/cli"
	"github.com/pkkm/blockdb/pkg/btree"
	"github.com/pkkm/blockdb/pkg/fs"
	"github.com/pkkm/blockdb/pkg/recfile"
)

// testEnv wires an Env to fresh engines and captured output streams.
type testEnv struct {
	*cli.Env
	out *bytes.Buffer
	err *bytes.Buffer
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	fsys := fs.NewReal()

	tree, err := btree.Create(fsys, filepath.Join(dir, "index.db"), btree.Options{BlockSize: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree.Close() })

	records, err := recfile.Create(fsys, filepath.Join(dir, "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = records.Close() })

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}

	return &testEnv{
		Env: &cli.Env{Tree: tree, Records: records, Out: out, Err: errOut},
		out: out,
		err: errOut,
	}
}

// run executes a command and fails the test on engine errors.
func (e *testEnv) run(t *testing.T, line string) (quit bool) {
	t.Helper()

	quit, err := e.Execute(line)
	require.NoError(t, err)

	return quit
}

func Test_Execute_Prints_Mapping_When_Key_Exists(t *testing.T) {
	t.Parallel()

	env := newEnv(t)

	env.run(t, "insert 10 100")
	env.out.Reset()

	env.run(t, "get 10")

	require.Contains(t, env.out.String(), "10 => 100\n")
	require.Empty(t, env.err.String())
}

func Test_Execute_Reports_Error_When_Key_Is_Missing(t *testing.T) {
	t.Parallel()

	env := newEnv(t)

	env.run(t, "get 10")

	require.Contains(t, env.err.String(), "doesn't exist")
}

func Test_Set_Stores_Record_And_Indexes_Its_Slot(t *testing.T) {
	t.Parallel()

	env := newEnv(t)

	env.run(t, "set 10 1234")
	require.Contains(t, env.out.String(), "10 => record index 0\n")
	env.out.Reset()

	// The index maps the key to the record's slot...
	env.run(t, "get 10")
	require.Contains(t, env.out.String(), "10 => 0\n")
	env.out.Reset()

	// ...and the slot holds the record.
	env.run(t, "getrec 0")
	require.Contains(t, env.out.String(), "record 0 = 1234\n")
}

func Test_Delrec_Frees_Slot_For_Reuse(t *testing.T) {
	t.Parallel()

	env := newEnv(t)

	env.run(t, "set 1 11")
	env.run(t, "set 2 22")
	env.run(t, "delrec 0")
	env.out.Reset()

	env.run(t, "set 3 33")

	require.Contains(t, env.out.String(), "3 => record index 0\n")
}

func Test_List_Prints_Mappings_In_Key_Order(t *testing.T) {
	t.Parallel()

	env := newEnv(t)

	for _, line := range []string{"insert 5 50", "insert 1 10", "insert 3 30"} {
		env.run(t, line)
	}

	env.out.Reset()
	env.run(t, "list")

	out := env.out.String()
	require.Less(t, strings.Index(out, "1 => 10"), strings.Index(out, "3 => 30"))
	require.Less(t, strings.Index(out, "3 => 30"), strings.Index(out, "5 => 50"))
}

func Test_Execute_Reports_IO_Cost_After_Engine_Commands(t *testing.T) {
	t.Parallel()

	env := newEnv(t)

	env.run(t, "insert 1 1")

	require.Contains(t, env.out.String(), "Reads: ")
	require.Contains(t, env.out.String(), "writes: ")
}

func Test_Delete_Reports_Unimplemented(t *testing.T) {
	t.Parallel()

	env := newEnv(t)

	env.run(t, "delete")

	require.Contains(t, env.err.String(), "not implemented")
}

func Test_Execute_Reports_Error_When_Command_Is_Unknown(t *testing.T) {
	t.Parallel()

	env := newEnv(t)

	env.run(t, "frobnicate 1 2")

	require.Contains(t, env.err.String(), "Unknown command: frobnicate")
}

func Test_Execute_Reports_Error_When_Key_Is_Not_An_Integer(t *testing.T) {
	t.Parallel()

	env := newEnv(t)

	env.run(t, "get banana")

	require.Contains(t, env.err.String(), "key must be an integer")
}

func Test_Execute_Reports_Error_When_Record_Index_Is_Stale(t *testing.T) {
	t.Parallel()

	env := newEnv(t)

	env.run(t, "getrec 5")

	require.Contains(t, env.err.String(), "No record at index 5")
}

func Test_Execute_Ignores_Blank_Lines(t *testing.T) {
	t.Parallel()

	env := newEnv(t)

	env.run(t, "   ")

	require.Empty(t, env.out.String())
	require.Empty(t, env.err.String())
}

func Test_Execute_Quits_On_Exit_And_Quit(t *testing.T) {
	t.Parallel()

	env := newEnv(t)

	require.True(t, env.run(t, "exit"))
	require.True(t, env.run(t, "quit"))
	require.False(t, env.run(t, "help"))
}

func Test_Check_Reports_OK_When_Tree_Is_Consistent(t *testing.T) {
	t.Parallel()

	env := newEnv(t)

	for i := 1; i <= 20; i++ {
		env.run(t, fmt.Sprintf("insert %d %d", i, i*10))
	}

	env.out.Reset()
	env.run(t, "check")

	require.Contains(t, env.out.String(), "OK\n")
}
