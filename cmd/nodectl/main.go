package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const (
	startCommand    = "start"
	stopCommand     = "stop"
	pauseCommand    = "pause"
	resumeCommand   = "resume"
	statusCommand   = "status"
	keystoreCommand = "import-keystore"
	defaultConfig   = "./config.yaml"
	defaultPassEnv  = "NODE_KEYSTORE_PASS"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		usage(out)
		return fmt.Errorf("missing command")
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case startCommand, stopCommand, pauseCommand, resumeCommand:
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		configPath := fs.String("config", defaultConfig, "Path to the node config file")
		noWait := fs.Bool("no-wait", false, "Return once the request is accepted instead of waiting for the registry")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return runLifecycle(ctx, cmd, *configPath, !*noWait, out)
	case statusCommand:
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		configPath := fs.String("config", defaultConfig, "Path to the node config file")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return runStatus(ctx, *configPath, out)
	case keystoreCommand:
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		configPath := fs.String("config", defaultConfig, "Path to the node config file")
		keystorePath := fs.String("keystore", "", "Output path for the generated keystore file")
		passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
		force := fs.Bool("force", false, "Overwrite an existing keystore file")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return importKeystore(*configPath, *keystorePath, *passEnv, *force, out)
	default:
		usage(out)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "nodectl <command> [flags]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintf(out, "  %-16s Join the network with the configured GPU and stake\n", startCommand)
	fmt.Fprintf(out, "  %-16s Leave the network\n", stopCommand)
	fmt.Fprintf(out, "  %-16s Stop receiving work without leaving\n", pauseCommand)
	fmt.Fprintf(out, "  %-16s Resume a paused node\n", resumeCommand)
	fmt.Fprintf(out, "  %-16s Show cached and remote node state\n", statusCommand)
	fmt.Fprintf(out, "  %-16s Encrypt the configured private key into a keystore file\n", keystoreCommand)
}
