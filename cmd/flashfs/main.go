// Command flashfs manipulates flashfs images on the host: format an image,
// stage files into it, inspect and repair it, and back it up.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/soypat/flashfs"
	"github.com/soypat/flashfs/internal/mmapflash"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type command struct {
	usage string
	run   func(a *app, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"format":  {"format [--dir-size N]", runFormat},
		"ls":      {"ls", runList},
		"put":     {"put <name> <file> [--max-size N] [--jsonc] [--chunk N]", runPut},
		"get":     {"get <name> [-o file]", runGet},
		"rm":      {"rm <name> [--silent]", runRemove},
		"fsck":    {"fsck [--rebuild]", runCheck},
		"stat":    {"stat [--cbor]", runStat},
		"backup":  {"backup <out> [--codec zstd|lz4|none]", runBackup},
		"restore": {"restore <in>", runRestore},
	}
}

type app struct {
	cfg Config
	log *slog.Logger
	out io.Writer
	dev *mmapflash.Device
	fs  flashfs.FS
}

func run(args []string, stdout io.Writer) error {
	var configPath, image, logLevel string
	flagSet := pflag.NewFlagSet("flashfs", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&configPath, "config", "", "YAML configuration file (default $FLASHFS_CONFIG)")
	flagSet.StringVar(&image, "image", "", "flash image path, overrides the configuration")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.Usage = func() { printUsage(flagSet) }
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	args = flagSet.Args()
	if len(args) == 0 {
		printUsage(flagSet)
		return errors.New("missing command")
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if image != "" {
		cfg.Image = image
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err = cfg.Validate(); err != nil {
		return err
	}
	level, _ := cfg.level()
	a := &app{
		cfg: cfg,
		log: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
		out: stdout,
	}
	defer a.close()
	err = cmd.run(a, args[1:])
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage:\n  flashfs [flags] <command>\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n%s", flagSet.FlagUsages())
}

// open opens the image and, with mount set, mounts it without formatting.
func (a *app) open(mount bool) error {
	dev, err := mmapflash.Open(a.cfg.Image, a.cfg.Size, a.cfg.SectorSize, a.cfg.PageSize)
	if err != nil {
		return err
	}
	a.dev = dev
	if !mount {
		return nil
	}
	err = a.fs.Mount(dev, a.cfg.fsConfig(a.log))
	if errors.Is(err, flashfs.ErrNoFilesystem) {
		return fmt.Errorf("%s: %w (run format first)", a.cfg.Image, err)
	}
	return err
}

func (a *app) close() {
	if a.dev == nil {
		return
	}
	a.fs.Unmount()
	if err := a.dev.Sync(); err != nil {
		a.log.Error("sync failed", slog.String("image", a.cfg.Image), slog.String("err", err.Error()))
	}
	a.dev.Close()
	a.dev = nil
}

// parseArgs parses flagSet and checks the number of positional arguments.
func parseArgs(flagSet *pflag.FlagSet, args []string, npos int) ([]string, error) {
	err := flagSet.Parse(args)
	if err != nil {
		return nil, err
	}
	if flagSet.NArg() != npos {
		return nil, fmt.Errorf("want %d arguments, got %d", npos, flagSet.NArg())
	}
	return flagSet.Args(), nil
}

func runFormat(a *app, args []string) error {
	flagSet := pflag.NewFlagSet("format", pflag.ContinueOnError)
	dirSize := flagSet.Int("dir-size", a.cfg.DirectorySize, "directory size in bytes, rounded up to a sector")
	if _, err := parseArgs(flagSet, args, 0); err != nil {
		return err
	}
	if err := a.open(false); err != nil {
		return err
	}
	cfg := a.cfg.fsConfig(a.log)
	cfg.DirectorySize = *dirSize
	err := a.fs.Format(a.dev, cfg)
	if err != nil {
		return err
	}
	d, _ := a.fs.Stat()
	fmt.Fprintf(a.out, "formatted %s: %d directory slots, %d bytes free\n", a.cfg.Image, d.Slots, d.Free)
	return nil
}

func runList(a *app, args []string) error {
	flagSet := pflag.NewFlagSet("ls", pflag.ContinueOnError)
	if _, err := parseArgs(flagSet, args, 0); err != nil {
		return err
	}
	if err := a.open(true); err != nil {
		return err
	}
	return a.fs.ForEachFile(func(ei flashfs.EntryInfo) error {
		_, err := fmt.Fprintf(a.out, "%-16s %8d %8d seq=%d off=%#x\n", ei.Name, ei.Size, ei.MaxSize, ei.Sequence, ei.FlashOffset)
		return err
	})
}

func runPut(a *app, args []string) error {
	flagSet := pflag.NewFlagSet("put", pflag.ContinueOnError)
	maxSize := flagSet.Int64("max-size", 0, "bytes to reserve, at least the file size")
	strip := flagSet.Bool("jsonc", false, "strip comments and trailing commas, then require valid JSON")
	chunk := flagSet.Int("chunk", 4096, "staging chunk size in bytes")
	pos, err := parseArgs(flagSet, args, 2)
	if err != nil {
		return err
	}
	if *chunk <= 0 {
		return fmt.Errorf("invalid chunk size %d", *chunk)
	}
	name, path := pos[0], pos[1]
	if !flashfs.ValidName(name) {
		return fmt.Errorf("%q: %w", name, flashfs.ErrInvalidName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if *strip {
		data = jsonc.ToJSON(data)
		if !json.Valid(data) {
			return fmt.Errorf("%s: not valid JSON after stripping comments", path)
		}
	}
	if err = a.open(true); err != nil {
		return err
	}
	// Stage in chunks as a transfer from a host link would.
	staged := flashfs.RAMFile{Limit: a.cfg.Size}
	for off := 0; off < len(data); off += *chunk {
		end := min(off+*chunk, len(data))
		_, err = staged.Write(int64(off), data[off:end])
		if err != nil {
			return err
		}
	}
	err = staged.Commit(&a.fs, name, *maxSize)
	if err != nil {
		return err
	}
	a.log.Info("put", slog.String("name", name), slog.Int64("size", staged.Size()))
	return nil
}

func runGet(a *app, args []string) error {
	flagSet := pflag.NewFlagSet("get", pflag.ContinueOnError)
	output := flagSet.StringP("output", "o", "", "write to file instead of stdout")
	pos, err := parseArgs(flagSet, args, 1)
	if err != nil {
		return err
	}
	if err = a.open(true); err != nil {
		return err
	}
	info, err := a.fs.OpenRead(pos[0])
	if err != nil {
		return fmt.Errorf("%s: %w", pos[0], err)
	}
	a.log.Debug("read", slog.String("name", info.Name()), slog.Int64("size", info.Size()),
		slog.Int64("header", info.HeaderOffset()), slog.Uint64("crc", uint64(info.Checksum())))
	if *output != "" {
		return os.WriteFile(*output, info.Bytes(), 0o644)
	}
	_, err = a.out.Write(info.Bytes())
	return err
}

func runRemove(a *app, args []string) error {
	flagSet := pflag.NewFlagSet("rm", pflag.ContinueOnError)
	silent := flagSet.Bool("silent", false, "succeed if the file does not exist")
	pos, err := parseArgs(flagSet, args, 1)
	if err != nil {
		return err
	}
	if err = a.open(true); err != nil {
		return err
	}
	return a.fs.Remove(pos[0], *silent)
}

func runCheck(a *app, args []string) error {
	flagSet := pflag.NewFlagSet("fsck", pflag.ContinueOnError)
	rebuild := flagSet.Bool("rebuild", false, "reclaim replaced, deleted and corrupt directory slots")
	if _, err := parseArgs(flagSet, args, 0); err != nil {
		return err
	}
	if err := a.open(true); err != nil {
		return err
	}
	report, err := a.fs.Check()
	if err != nil {
		return err
	}
	names := make([]string, 0, len(report.Problems))
	for name := range report.Problems {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(a.out, "%s: %v\n", name, report.Problems[name])
	}
	fmt.Fprintf(a.out, "%d files checked, %d bad, %d corrupt slots\n", report.Files, len(names), report.Corrupt)
	if *rebuild {
		stats, err := a.fs.Rebuild()
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "rebuild: %d slots reclaimed, %d bytes freed, %d directory sectors rewritten\n",
			stats.Reclaimed(), stats.FreedBytes, stats.SectorsErased)
	}
	if len(names) > 0 {
		return fmt.Errorf("%d files failed verification", len(names))
	}
	return nil
}

func runStat(a *app, args []string) error {
	flagSet := pflag.NewFlagSet("stat", pflag.ContinueOnError)
	raw := flagSet.Bool("cbor", false, "write the CBOR diagnostics record")
	if _, err := parseArgs(flagSet, args, 0); err != nil {
		return err
	}
	if err := a.open(true); err != nil {
		return err
	}
	if *raw {
		b, err := a.fs.Populate(nil)
		if err != nil {
			return err
		}
		_, err = a.out.Write(b)
		return err
	}
	d, err := a.fs.Stat()
	if err != nil {
		return err
	}
	_, err = io.WriteString(a.out, d.String())
	return err
}

func runBackup(a *app, args []string) error {
	flagSet := pflag.NewFlagSet("backup", pflag.ContinueOnError)
	codecName := flagSet.String("codec", "zstd", "payload compression: zstd, lz4 or none")
	pos, err := parseArgs(flagSet, args, 1)
	if err != nil {
		return err
	}
	codec, err := ParseCodec(*codecName)
	if err != nil {
		return err
	}
	if err = a.open(false); err != nil {
		return err
	}
	b, err := encodeBackup(a.dev.Bytes(), codec)
	if err != nil {
		return err
	}
	a.log.Info("backup", slog.String("codec", Codec(b[4]).String()), slog.Int("size", len(b)))
	return os.WriteFile(pos[0], b, 0o644)
}

func runRestore(a *app, args []string) error {
	flagSet := pflag.NewFlagSet("restore", pflag.ContinueOnError)
	pos, err := parseArgs(flagSet, args, 1)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(pos[0])
	if err != nil {
		return err
	}
	if err = a.open(false); err != nil {
		return err
	}
	image, err := decodeBackup(b, a.dev.Size())
	if err != nil {
		return err
	}
	erased, programmed, err := restoreImage(a.dev, image)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "restored %s: %d sectors erased, %d pages programmed\n", a.cfg.Image, erased, programmed)
	return nil
}
