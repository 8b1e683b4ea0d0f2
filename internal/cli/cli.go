// Package cli implements the command dispatch shared by the interactive
// REPL and script execution.
//
// Each command drives either the B-tree (the index) or the record file
// (the payload store). After every command that touches an engine, the
// read and write counters are diffed across the command and reported, so
// the I/O cost of each operation is visible.
package cli

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkkm/blockdb/pkg/blockio"
	"github.com/pkkm/blockdb/pkg/btree"
	"github.com/pkkm/blockdb/pkg/recfile"
)

// Env holds the open engines and output streams a command executes
// against.
type Env struct {
	Tree    *btree.Tree
	Records *recfile.File

	Out io.Writer
	Err io.Writer
}

// Execute tokenizes and runs one command line.
//
// quit reports that the user asked to leave the loop. err is non-nil only
// for engine failures (host I/O errors); command-level problems like bad
// syntax or a missing key are reported on [Env.Err] and the loop
// continues.
func (e *Env) Execute(line string) (quit bool, err error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return false, nil
	}

	before := e.stats()

	switch tokens[0] {
	case "get":
		err = e.cmdGet(tokens[1:])
	case "set":
		err = e.cmdSet(tokens[1:])
	case "insert":
		err = e.cmdInsert(tokens[1:])
	case "getrec":
		err = e.cmdGetRecord(tokens[1:])
	case "delrec":
		err = e.cmdDeleteRecord(tokens[1:])
	case "print":
		err = e.Tree.Print(e.Out)
	case "list":
		err = e.cmdList()
	case "check":
		err = e.cmdCheck()
	case "delete":
		fmt.Fprintln(e.Err, "ERROR: deleting from the tree is not implemented.")
	case "help":
		e.printHelp()

		return false, nil
	case "exit", "quit":
		return true, nil
	default:
		fmt.Fprintf(e.Err, "ERROR: Unknown command: %s\n", tokens[0])

		return false, nil
	}

	if err != nil {
		return false, err
	}

	after := e.stats()
	fmt.Fprintf(e.Out, "Reads: %d, writes: %d\n", after.Reads-before.Reads, after.Writes-before.Writes)

	return false, nil
}

// stats sums the counters of both engines.
func (e *Env) stats() blockio.Stats {
	tree := e.Tree.Stats()
	rec := e.Records.Stats()

	return blockio.Stats{
		Reads:  tree.Reads + rec.Reads,
		Writes: tree.Writes + rec.Writes,
	}
}

func (e *Env) cmdGet(args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(e.Err, "ERROR: invalid syntax. Use: get <key>")

		return nil
	}

	key, ok := e.parseKey(args[0])
	if !ok {
		return nil
	}

	value, found, err := e.Tree.Get(key)
	if err != nil {
		return err
	}

	if !found {
		fmt.Fprintf(e.Err, "ERROR: The key %d doesn't exist in the tree.\n", key)

		return nil
	}

	fmt.Fprintf(e.Out, "%d => %d\n", key, value)

	return nil
}

// cmdSet appends a record to the record file and indexes its slot by key.
func (e *Env) cmdSet(args []string) error {
	if len(args) != 2 {
		fmt.Fprintln(e.Err, "ERROR: invalid syntax. Use: set <key> <record>")

		return nil
	}

	key, ok := e.parseKey(args[0])
	if !ok {
		return nil
	}

	record, ok := e.parseUint64(args[1], "record")
	if !ok {
		return nil
	}

	idx, err := e.Records.Add(recfile.Record(record))
	if err != nil {
		return err
	}

	if err := e.Tree.Set(key, btree.Value(idx)); err != nil {
		return err
	}

	fmt.Fprintf(e.Out, "%d => record index %d\n", key, idx)

	return nil
}

// cmdInsert sets a raw key/value pair in the tree, bypassing the record
// file.
func (e *Env) cmdInsert(args []string) error {
	if len(args) != 2 {
		fmt.Fprintln(e.Err, "ERROR: invalid syntax. Use: insert <key> <value>")

		return nil
	}

	key, ok := e.parseKey(args[0])
	if !ok {
		return nil
	}

	value, ok := e.parseUint64(args[1], "value")
	if !ok {
		return nil
	}

	return e.Tree.Set(key, btree.Value(value))
}

func (e *Env) cmdGetRecord(args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(e.Err, "ERROR: invalid syntax. Use: getrec <index>")

		return nil
	}

	idx, ok := e.parseUint64(args[0], "index")
	if !ok {
		return nil
	}

	record, err := e.Records.Get(idx)
	if err != nil {
		if errors.Is(err, recfile.ErrOutOfRange) {
			fmt.Fprintf(e.Err, "ERROR: No record at index %d.\n", idx)

			return nil
		}

		return err
	}

	fmt.Fprintf(e.Out, "record %d = %d\n", idx, uint64(record))

	return nil
}

func (e *Env) cmdDeleteRecord(args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(e.Err, "ERROR: invalid syntax. Use: delrec <index>")

		return nil
	}

	idx, ok := e.parseUint64(args[0], "index")
	if !ok {
		return nil
	}

	if err := e.Records.Delete(idx); err != nil {
		if errors.Is(err, recfile.ErrOutOfRange) {
			fmt.Fprintf(e.Err, "ERROR: No record at index %d.\n", idx)

			return nil
		}

		return err
	}

	return nil
}

func (e *Env) cmdList() error {
	return e.Tree.Walk(func(key btree.Key, value btree.Value) {
		fmt.Fprintf(e.Out, "%d => %d\n", key, value)
	})
}

func (e *Env) cmdCheck() error {
	if err := e.Tree.Check(); err != nil {
		if errors.Is(err, btree.ErrCorrupt) {
			fmt.Fprintf(e.Err, "ERROR: %v\n", err)

			return nil
		}

		return err
	}

	fmt.Fprintln(e.Out, "OK")

	return nil
}

func (e *Env) printHelp() {
	fmt.Fprint(e.Out, `Commands:
  get <key>             Look up a key in the index
  set <key> <record>    Store a record and index its slot by key
  insert <key> <value>  Set a raw key/value pair in the index
  getrec <index>        Read a record by slot index
  delrec <index>        Delete a record (its slot is reused)
  print                 Dump the tree structure
  list                  List all mappings in key order
  check                 Verify the tree's structural invariants
  help                  Show this help
  exit / quit           Leave
`)
}

// parseKey parses a key, reporting failures on the error stream.
func (e *Env) parseKey(s string) (btree.Key, bool) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n > math.MaxUint32 {
		fmt.Fprintf(e.Err, "ERROR: The key must be an integer in [0, %d].\n", uint64(math.MaxUint32))

		return 0, false
	}

	return btree.Key(n), true
}

// parseUint64 parses a 64-bit operand, reporting failures on the error
// stream.
func (e *Env) parseUint64(s, what string) (uint64, bool) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		fmt.Fprintf(e.Err, "ERROR: The %s must be a non-negative integer.\n", what)

		return 0, false
	}

	return n, true
}
