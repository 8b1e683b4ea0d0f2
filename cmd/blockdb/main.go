// blockdb is a CLI for a block-addressed key-value store: a B-tree index
// over a record file.
//
// Usage:
//
//	blockdb [flags]            Interactive REPL
//	blockdb [flags] <script>   Execute commands from a file, echoing them
//
// Flags:
//
//	-i, --index       Path of the B-tree index file (default: index.db)
//	-r, --records     Path of the record file (default: records.db)
//	-b, --block-size  B-tree block size in bytes (default: 512)
//	-c, --config      Path of a HuJSON config file
//
// Existing files are opened; missing files are created. The config file
// may set index_path, records_path and block_size; flags take precedence.
//
// Commands (in REPL):
//
//	get <key>             Look up a key in the index
//	set <key> <record>    Store a record and index its slot by key
//	insert <key> <value>  Set a raw key/value pair in the index
//	getrec <index>        Read a record by slot index
//	delrec <index>        Delete a record (its slot is reused)
//	print                 Dump the tree structure
//	list                  List all mappings in key order
//	check                 Verify the tree's structural invariants
//	help                  Show this help
//	exit / quit           Leave
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/pkkm/blockdb/internal/cli"
	"github.com/pkkm/blockdb/pkg/btree"
	"github.com/pkkm/blockdb/pkg/fs"
	"github.com/pkkm/blockdb/pkg/recfile"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// config mirrors the HuJSON config file.
type config struct {
	IndexPath   string `json:"index_path"`
	RecordsPath string `json:"records_path"`
	BlockSize   int    `json:"block_size"`
}

func run(args []string) error {
	flags := flag.NewFlagSet("blockdb", flag.ExitOnError)

	indexPath := flags.StringP("index", "i", "", "path of the B-tree index file")
	recordsPath := flags.StringP("records", "r", "", "path of the record file")
	blockSize := flags.IntP("block-size", "b", 0, "B-tree block size in bytes")
	configPath := flags.StringP("config", "c", "", "path of a HuJSON config file")

	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: blockdb [flags] [script]\n\nFlags:\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg := config{
		IndexPath:   "index.db",
		RecordsPath: "records.db",
		BlockSize:   btree.DefaultBlockSize,
	}

	if *configPath != "" {
		if err := loadConfig(*configPath, &cfg); err != nil {
			return err
		}
	}

	// Flags override the config file.
	if *indexPath != "" {
		cfg.IndexPath = *indexPath
	}

	if *recordsPath != "" {
		cfg.RecordsPath = *recordsPath
	}

	if *blockSize != 0 {
		cfg.BlockSize = *blockSize
	}

	env, err := openEngines(cfg)
	if err != nil {
		return err
	}

	defer func() {
		_ = env.Tree.Close()
		_ = env.Records.Close()
	}()

	if flags.NArg() > 0 {
		return runScript(env, flags.Arg(0))
	}

	return runREPL(env)
}

// loadConfig reads a HuJSON config file into cfg. Absent fields keep their
// defaults.
func loadConfig(path string, cfg *config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := json.Unmarshal(standardized, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}

	return nil
}

// openEngines opens the index and record files, creating them if they
// don't exist yet.
func openEngines(cfg config) (*cli.Env, error) {
	fsys := fs.NewReal()

	tree, err := openOrCreateTree(fsys, cfg.IndexPath, btree.Options{BlockSize: cfg.BlockSize})
	if err != nil {
		return nil, err
	}

	records, err := openOrCreateRecords(fsys, cfg.RecordsPath)
	if err != nil {
		_ = tree.Close()

		return nil, err
	}

	return &cli.Env{
		Tree:    tree,
		Records: records,
		Out:     os.Stdout,
		Err:     os.Stderr,
	}, nil
}

func openOrCreateTree(fsys fs.FS, path string, opts btree.Options) (*btree.Tree, error) {
	if _, err := fsys.Stat(path); err == nil {
		return btree.Open(fsys, path, opts)
	}

	return btree.Create(fsys, path, opts)
}

func openOrCreateRecords(fsys fs.FS, path string) (*recfile.File, error) {
	if _, err := fsys.Stat(path); err == nil {
		return recfile.Open(fsys, path)
	}

	return recfile.Create(fsys, path)
}

// runScript executes commands from a file, echoing each line the way the
// REPL would show it.
func runScript(env *cli.Env, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("can't open script: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Printf("(blockdb) %s\n", line)

		quit, err := env.Execute(line)
		if err != nil {
			return err
		}

		if quit {
			return nil
		}
	}

	return scanner.Err()
}

// historyFile returns the path of the REPL history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".blockdb_history")
}

// runREPL starts the interactive loop.
func runREPL(env *cli.Env) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(completer)

	if f, err := os.Open(historyFile()); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	fmt.Println("blockdb - B-tree over a record file. Type 'help' for commands.")

	for {
		input, err := line.Prompt("(blockdb) ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		quit, err := env.Execute(input)
		if err != nil {
			return err
		}

		if quit {
			break
		}
	}

	saveHistory(line)

	return nil
}

// saveHistory persists command history atomically, so an interrupted
// write can't truncate it.
func saveHistory(line *liner.State) {
	path := historyFile()
	if path == "" {
		return
	}

	var buf bytes.Buffer
	if _, err := line.WriteHistory(&buf); err != nil {
		return
	}

	_ = atomic.WriteFile(path, &buf)
}

// completer provides tab completion for command names.
func completer(line string) []string {
	commands := []string{
		"get", "set", "insert", "getrec", "delrec",
		"print", "list", "check", "delete",
		"help", "exit", "quit",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}
