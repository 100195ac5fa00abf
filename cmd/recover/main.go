// Command recover is the offline disaster-recovery tool. It runs at the
// recovery site where the private key generations live, decrypts envelopes
// pulled from the cloud receiver or from local files, and writes the
// recovered changes as JSON lines on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"replicator/internal/envelope"
	"replicator/internal/keystore"
	"replicator/internal/platform/logger"
	"replicator/internal/recovery"
	"replicator/internal/sender"
)

func main() {
	var (
		keysDir  = flag.String("keys", "", "directory of key generations, including private keys")
		fromDir  = flag.String("dir", "", "decrypt envelope files from this directory")
		cloudURL = flag.String("cloud", "", "download and decrypt envelopes from this receiver URL")
		token    = flag.String("token", "", "receiver API token, used with -cloud")
		stdin    = flag.Bool("stdin", false, "decrypt a single envelope from stdin")
		debug    = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	log := logger.FromDebugFlag(*debug)
	slog.SetDefault(log)

	if err := run(*keysDir, *fromDir, *cloudURL, *token, *stdin, log); err != nil {
		log.Error("recovery failed", "error", err)
		os.Exit(1)
	}
}

func run(keysDir, fromDir, cloudURL, token string, stdin bool, log *slog.Logger) error {
	if keysDir == "" {
		return fmt.Errorf("-keys is required")
	}
	modes := 0
	for _, set := range []bool{fromDir != "", cloudURL != "", stdin} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return fmt.Errorf("exactly one of -dir, -cloud, or -stdin is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys, err := keystore.LoadDir(keysDir)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	dec, err := envelope.NewDecryptor(keys)
	if err != nil {
		return fmt.Errorf("build decryptor: %w", err)
	}
	runner, err := recovery.NewRunner(dec, log)
	if err != nil {
		return err
	}

	if stdin {
		item := runner.Decrypt(os.Stdin, "stdin")
		if item.Err != nil {
			return item.Err
		}
		return writeChange(item.Change)
	}

	var report *recovery.Report
	if fromDir != "" {
		report, err = runner.FromDir(ctx, fromDir)
	} else {
		var client *sender.Client
		client, err = sender.New(sender.Config{
			BaseURL:     cloudURL,
			Token:       token,
			MaxAttempts: 1,
		})
		if err != nil {
			return fmt.Errorf("build receiver client: %w", err)
		}
		report, err = runner.FromCloud(ctx, client)
	}
	if err != nil {
		return err
	}

	for _, change := range report.Recovered() {
		if err := writeChange(change); err != nil {
			return err
		}
	}
	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d of %d envelopes could not be recovered", len(failed), len(report.Items))
	}
	return nil
}

func writeChange(change *envelope.Change) error {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(change); err != nil {
		return fmt.Errorf("write recovered change: %w", err)
	}
	return nil
}
