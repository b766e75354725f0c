package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/RowanDark/Seidr/internal/scripts"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	if args[0] != "scripts" {
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return 2
	}
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "list":
		return runList(args[2:], stdout, stderr)
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "init":
		return runInit(args[2:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown scripts subcommand %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(stderr io.Writer) {
	fmt.Fprintln(stderr, "usage: seidrctl scripts <list|validate|init> [flags]")
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("scripts list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", "scripts", "injection scripts directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, err := scripts.NewStore(*dir, discardLogger(), nil)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := store.Load(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	registry := store.Snapshot()
	if registry.Len() == 0 {
		fmt.Fprintf(stdout, "no scripts in %s\n", *dir)
		return 0
	}
	for _, script := range registry.Scripts() {
		state := "enabled"
		if !script.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\n",
			script.Name, script.InjectType, state, strings.Join(script.TargetDomains, ","))
	}
	return 0
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("scripts validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", "scripts", "injection scripts directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	entries, err := os.ReadDir(*dir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	bad := 0
	for _, name := range names {
		path := filepath.Join(*dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", name, err)
			bad++
			continue
		}
		script, err := scripts.ParseScript(data, filepath.Ext(name))
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", name, err)
			bad++
			continue
		}
		fmt.Fprintf(stdout, "%s: ok (%s)\n", name, script.Name)
	}

	if bad > 0 {
		fmt.Fprintf(stderr, "%d of %d script files failed validation\n", bad, len(names))
		return 1
	}
	fmt.Fprintf(stdout, "%d script files valid\n", len(names))
	return 0
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("scripts init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", "scripts", "injection scripts directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	created, err := scripts.WriteExamples(*dir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(created) == 0 {
		fmt.Fprintf(stdout, "examples already present in %s\n", *dir)
		return 0
	}
	for _, name := range created {
		fmt.Fprintf(stdout, "created %s\n", filepath.Join(*dir, name))
	}
	return 0
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
