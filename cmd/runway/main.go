package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const usage = `Usage: runway <command> [flags]

Commands:
  preview   Compute the plan for a manifest without changing anything
  apply     Build, push, and deploy every service in a manifest
  serve     Run the HTTP API
  version   Print version and exit

Run "runway <command> -h" for command flags.
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return ExitConfigError
	}

	switch args[0] {
	case "preview":
		return runPassCommand(args[1:], true)
	case "apply":
		return runPassCommand(args[1:], false)
	case "serve":
		return runServe(args[1:])
	case "version", "-version", "--version":
		fmt.Printf("runway %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		fmt.Fprint(os.Stderr, usage)
		return ExitConfigError
	}
}

// runPassCommand handles both preview and apply; they differ only in
// whether collaborators are invoked.
func runPassCommand(args []string, preview bool) int {
	name := "apply"
	if preview {
		name = "preview"
	}

	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	manifestPath := fs.String("f", "runway.yaml", "Path to manifest file")
	fs.Parse(args)

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	logger := SetupLogger(cfg)
	logger.Info("starting "+name,
		"version", Version,
		"manifest", *manifestPath,
	)

	return runPass(cfg, logger, *manifestPath, preview)
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	logger := SetupLogger(cfg)
	logger.Info("starting runway",
		"version", Version,
		"config", *configPath,
	)

	server, err := NewServer(cfg, logger)
	if err != nil {
		if sErr, ok := err.(*ServerError); ok {
			logger.Error("failed to create server",
				"error", sErr.Err,
				"operation", sErr.Op,
			)
			return sErr.ExitCode
		}
		logger.Error("failed to create server", "error", err)
		return ExitConfigError
	}

	ctx := context.Background()
	if err := server.Start(ctx); err != nil {
		if sErr, ok := err.(*ServerError); ok {
			logger.Error("server error",
				"error", sErr.Err,
				"operation", sErr.Op,
			)
			return sErr.ExitCode
		}
		logger.Error("server error", "error", err)
		return ExitConfigError
	}

	return ExitSuccess
}
