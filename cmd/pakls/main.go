// Command pakls inspects and extracts from one or more mounted PAK/IoStore
// archives. It is a thin wrapper over the pakvfs/vfs and pakvfs/archive
// APIs, in the spirit of the small single-purpose command-line utilities
// kept alongside the rest of a larger codebase for operational use.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"pakvfs/archive"
	"pakvfs/config"
	"pakvfs/iostore"
	"pakvfs/keyring"
	"pakvfs/logger"
	"pakvfs/pak"
	"pakvfs/vfs"
)

// mountSpec is one -mount flag value: path[:prefix[:priority]].
type mountSpec struct {
	path     string
	prefix   string
	priority int
}

type mountSpecList []mountSpec

func (l *mountSpecList) String() string { return "" }

func (l *mountSpecList) Set(raw string) error {
	parts := strings.Split(raw, ":")
	spec := mountSpec{path: parts[0]}
	if len(parts) > 1 {
		spec.prefix = parts[1]
	}
	if len(parts) > 2 {
		p, err := strconv.Atoi(parts[2])
		if err != nil {
			return fmt.Errorf("invalid priority in -mount %q: %w", raw, err)
		}
		spec.priority = p
	}
	*l = append(*l, spec)
	return nil
}

// keySpecList collects -key flag values, each guid=hexkey.
type keySpecList []string

func (l *keySpecList) String() string { return "" }

func (l *keySpecList) Set(raw string) error {
	*l = append(*l, raw)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var mounts mountSpecList
	var keys keySpecList
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.Var(&mounts, "mount", "path[:prefix[:priority]] to a .pak or .utoc file; repeatable")
	fs.Var(&keys, "key", "guid=hexkey AES decryption key; repeatable")
	logLevel := fs.String("log-level", "", "override PAKVFS_LOG_LEVEL")

	switch cmd {
	case "list", "info", "cat", "extract":
	default:
		usage()
		os.Exit(2)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	rest := fs.Args()

	cfg := config.Load()
	logger.Configure()
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "pakls: %v\n", err)
	}

	kr := keyring.New()
	if keyFile := os.Getenv("PAKVFS_KEY_FILE"); keyFile != "" {
		if err := loadKeyFile(kr, keyFile); err != nil {
			fmt.Fprintf(os.Stderr, "pakls: %v\n", err)
			os.Exit(1)
		}
	}
	for _, spec := range keys {
		if err := addKey(kr, spec); err != nil {
			fmt.Fprintf(os.Stderr, "pakls: %v\n", err)
			os.Exit(1)
		}
	}

	if len(mounts) == 0 {
		fmt.Fprintln(os.Stderr, "pakls: at least one -mount is required")
		os.Exit(2)
	}

	v := vfs.New(vfs.Config{
		MaxCacheSize:       cfg.MaxCacheSize,
		MaxCacheEntries:    cfg.MaxCacheEntries,
		EnableLRU:          cfg.EnableLRU,
		MaxConcurrentLoads: cfg.MaxConcurrentLoads,
	})
	defer v.Close()

	for _, spec := range mounts {
		a, err := openArchive(spec.path, kr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pakls: opening %s: %v\n", spec.path, err)
			os.Exit(1)
		}
		v.Mount(spec.prefix, a, spec.priority, true)
	}

	var err error
	switch cmd {
	case "list":
		err = runList(v, rest)
	case "info":
		err = runInfo(v, rest)
	case "cat":
		err = runCat(v, rest)
	case "extract":
		err = runExtract(v, rest)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pakls: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: pakls <list|info|cat|extract> -mount PATH[:PREFIX[:PRIORITY]] [-mount ...] [-key GUID=HEXKEY ...] [args]

  list    [-glob PATTERN]            list every mounted path matching PATTERN (default "*")
  info    PATH                       print metadata for one logical path
  cat     PATH                       write the decoded contents of PATH to stdout
  extract PATH OUTFILE               write the decoded contents of PATH to OUTFILE

Keys may also be supplied via PAKVFS_KEY_FILE, a path to a file with one
GUID=HEXKEY pair per line.`)
}

// loadKeyFile registers one GUID=HEXKEY pair per non-empty, non-comment
// line of path, pointed to by PAKVFS_KEY_FILE so keys need not appear on
// the command line or in shell history.
func loadKeyFile(kr *keyring.Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading key file %s: %w", path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := addKey(kr, line); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func addKey(kr *keyring.Registry, spec string) error {
	guid, hexKey, ok := strings.Cut(spec, "=")
	if !ok {
		return fmt.Errorf("invalid -key %q, want GUID=HEXKEY", spec)
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return fmt.Errorf("invalid -key %q: %w", spec, err)
	}
	return kr.Add(guid, key)
}

// openArchive picks the pak or iostore reader by file extension.
func openArchive(path string, kr *keyring.Registry) (archive.Archive, error) {
	switch {
	case strings.HasSuffix(path, ".utoc") || strings.HasSuffix(path, ".ucas"):
		tocPath := path
		if strings.HasSuffix(path, ".ucas") {
			tocPath = strings.TrimSuffix(path, ".ucas") + ".utoc"
		}
		return iostore.Open(tocPath, kr)
	default:
		return pak.Open(path, kr)
	}
}

func runList(v *vfs.Vfs, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	glob := fs.String("glob", "*", "glob pattern to match")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for _, info := range v.List(*glob) {
		fmt.Printf("%10d  %s\n", info.Size, info.Path)
	}
	return nil
}

func runInfo(v *vfs.Vfs, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("info requires exactly one PATH argument")
	}
	path := args[0]
	for _, info := range v.List("*") {
		if info.Path != strings.ToLower(strings.Trim(strings.ReplaceAll(path, "\\", "/"), "/")) {
			continue
		}
		fmt.Printf("path:        %s\n", info.Path)
		fmt.Printf("size:        %d\n", info.Size)
		fmt.Printf("stored_size: %d\n", info.StoredSize)
		fmt.Printf("compression: %s\n", info.CompressionName)
		fmt.Printf("encrypted:   %v\n", info.Encrypted)
		fmt.Printf("blocks:      %d\n", info.CompressionBlock)
		return nil
	}
	return fmt.Errorf("no such entry: %s", path)
}

func runCat(v *vfs.Vfs, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("cat requires exactly one PATH argument")
	}
	res := <-v.GetAsync(args[0], 0)
	if res.Err != nil {
		return res.Err
	}
	if res.Data == nil {
		return fmt.Errorf("no such entry: %s", args[0])
	}
	_, err := os.Stdout.Write(res.Data)
	return err
}

func runExtract(v *vfs.Vfs, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("extract requires PATH and OUTFILE arguments")
	}
	res := <-v.GetAsync(args[0], 0)
	if res.Err != nil {
		return res.Err
	}
	if res.Data == nil {
		return fmt.Errorf("no such entry: %s", args[0])
	}
	f, err := os.Create(args[1])
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(res.Data); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", len(res.Data), args[1])
	return nil
}
