// Command xen-crashdump-analyser is the thin driver wiring config,
// symtab, elfcore, memmap, and host together in a linear pipeline:
// parse flags, parse both symbol tables, parse the CORE file, build
// the memory map, decode the host, then emit reports. Flag parsing,
// output-directory creation, and log-sink configuration are
// deliberately thin here: they are external collaborators, not part
// of the core decoding logic.
//
// Grounded on heapview/main.go and heapcheck/main.go's flag-based
// main (flag.Usage, log.Fatal on unrecoverable setup errors) and
// original_source/src/main.cpp's directory-descriptor and
// severity-tagged dual-sink logging, reinstated here as two directory
// file descriptors held open for the process lifetime and released on
// return.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"golang.org/x/sys/unix"

	_ "github.com/PaulMarron/xen-crashdump-analyser/archx86" // registers the x86_64 archdispatch.Backend
	"github.com/PaulMarron/xen-crashdump-analyser/config"
	"github.com/PaulMarron/xen-crashdump-analyser/elfcore"
	"github.com/PaulMarron/xen-crashdump-analyser/host"
	"github.com/PaulMarron/xen-crashdump-analyser/memmap"
	"github.com/PaulMarron/xen-crashdump-analyser/symtab"
)

// version is overridden at build time via -ldflags -X, the Go analogue
// of the original's hardcoded `version_str = "2.1.0"`.
var version = "dev"

const logFileName = "xen-crashdump-analyser.log"

func usage() {
	fmt.Fprintf(os.Stderr, "Xen Crashdump Analyser, version %s\n", version)
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Analyse a Xen crash in the kdump environment\n\n")
	flag.PrintDefaults()
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Default()

	var (
		showVersion bool
		quiet       bool
		verboseN    int
	)

	flag.Usage = usage
	flag.StringVar(&cfg.CorePath, "core", config.DefaultCorePath, "Core crash file.")
	flag.StringVar(&cfg.CorePath, "c", config.DefaultCorePath, "Core crash file (shorthand).")
	flag.StringVar(&cfg.OutdirPath, "outdir", "", "Directory for output files (required).")
	flag.StringVar(&cfg.OutdirPath, "o", "", "Directory for output files (shorthand).")
	flag.StringVar(&cfg.XenSymtabPath, "xen-symtab", "", "Xen symbol table file (required).")
	flag.StringVar(&cfg.XenSymtabPath, "x", "", "Xen symbol table file (shorthand).")
	flag.StringVar(&cfg.Dom0SymtabPath, "dom0-symtab", "", "Dom0 symbol table file (required).")
	flag.StringVar(&cfg.Dom0SymtabPath, "d", "", "Dom0 symbol table file (shorthand).")
	flag.BoolVar(&quiet, "quiet", false, "Less logging.")
	flag.BoolVar(&quiet, "q", false, "Less logging (shorthand).")
	flag.BoolFunc("verbose", "More logging; repeatable, saturating at DEBUG+refs.", func(string) error { verboseN++; return nil })
	flag.BoolFunc("v", "More logging (shorthand).", func(string) error { verboseN++; return nil })
	flag.BoolVar(&showVersion, "version", false, "Display version and exit.")
	flag.Parse()

	if showVersion {
		fmt.Printf("Xen Crashdump Analyser, version %s\n", version)
		return config.ExitSuccess
	}
	if quiet {
		cfg.BumpQuiet()
	}
	for i := 0; i < verboseN; i++ {
		cfg.BumpVerbose()
	}

	if cfg.OutdirPath == "" || cfg.XenSymtabPath == "" || cfg.Dom0SymtabPath == "" {
		fmt.Fprintln(os.Stderr, "Required parameters {--outdir,-o}, {--xen-symtab,-x}, {--dom0-symtab,-d} must all be supplied")
		flag.Usage()
		return config.ExitUsage
	}

	if err := os.MkdirAll(cfg.OutdirPath, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to create output directory %q: %v\n", cfg.OutdirPath, err)
		return config.ExitIO
	}

	// Two directory descriptors held open for the process lifetime:
	// the current working directory and the output directory, so
	// report emission never re-resolves a path.
	workdirFD, err := unix.Open(".", unix.O_RDONLY, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to open working directory: %v\n", err)
		return config.ExitIO
	}
	defer unix.Close(workdirFD)

	outdirFD, err := unix.Open(cfg.OutdirPath, unix.O_RDONLY, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to open output directory %q: %v\n", cfg.OutdirPath, err)
		return config.ExitIO
	}
	defer unix.Close(outdirFD)

	logger, closeLog, err := setupLogger(outdirFD, quiet, cfg.Verbosity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to open log file: %v\n", err)
		return config.ExitIO
	}
	defer closeLog()

	logger.Printf("INFO Logging level is %s", cfg.Verbosity)
	logger.Printf("INFO Output directory: %s", cfg.OutdirPath)

	xenSyms, err := symtab.Parse(cfg.XenSymtabPath, true, logger)
	if err != nil {
		logger.Printf("ERROR Failed to parse the Xen symbol table file: %v", err)
		return config.ExitIO
	}

	dom0Syms, err := symtab.Parse(cfg.Dom0SymtabPath, false, logger)
	if err != nil {
		logger.Printf("ERROR Failed to parse the Dom0 symbol table file: %v", err)
		return config.ExitIO
	}

	core, backend, err := elfcore.Open(cfg.CorePath)
	if err != nil {
		logger.Printf("ERROR Failed to parse the crash file: %v", err)
		return config.ExitIO
	}

	mm, err := memmap.New(cfg.CorePath, core.LoadSegments)
	if err != nil {
		logger.Printf("ERROR Failed to set up memory regions from crash file: %v", err)
		return config.ExitSoftware
	}
	defer mm.Close()

	h := host.New(core, backend, mm, xenSyms, dom0Syms, host.WithLogger(logger), host.WithOutdirFD(outdirFD))
	if err := h.Setup(); err != nil {
		logger.Printf("ERROR Failed to set up host structures: %v", err)
		return config.ExitSoftware
	}

	xenLogFD, err := unix.Openat(outdirFD, "xen.log", unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0o644)
	if err != nil {
		logger.Printf("ERROR Unable to open xen.log in output directory: %v", err)
		return config.ExitIO
	}
	xenLog := os.NewFile(uintptr(xenLogFD), "xen.log")
	defer xenLog.Close()

	if err := h.DecodeXen(); err != nil {
		logger.Printf("ERROR Failed to decode xen structures: %v", err)
		return config.ExitSoftware
	}
	if err := h.PrintXen(xenLog); err != nil {
		logger.Printf("ERROR Failed to print xen information: %v", err)
		return config.ExitSoftware
	}

	count, err := h.PrintDomains()
	if err != nil {
		logger.Printf("ERROR Failed to print domains: %v", err)
		return config.ExitSoftware
	}
	logger.Printf("DEBUG Successfully printed %d domains", count)

	logger.Printf("INFO COMPLETE")
	return config.ExitSuccess
}

// setupLogger opens xen-crashdump-analyser.log inside outdirFD and
// returns a *log.Logger that mirrors to stderr unless quiet is set,
// the Go realisation of the original's dual-sink __log (primary log
// file plus an optional additional stream).
func setupLogger(outdirFD int, quiet bool, v config.Verbosity) (*log.Logger, func(), error) {
	fd, err := unix.Openat(outdirFD, logFileName, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, err
	}
	f := os.NewFile(uintptr(fd), logFileName)

	var w io.Writer = f
	if !quiet {
		w = io.MultiWriter(f, os.Stderr)
	}

	return log.New(w, "", log.LstdFlags), func() { f.Close() }, nil
}
