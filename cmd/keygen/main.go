// Command keygen generates a new RSA key generation for the replication
// pipeline. It runs at the recovery site, never on the replicating host: the
// private half stays here and only public.pem is distributed to the live
// service, by provisioning the keys directory or through the admin rotation
// endpoint.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"replicator/internal/keystore"
	"replicator/internal/platform/logger"
)

func main() {
	var (
		dir   = flag.String("dir", "keys", "keys directory to write the generation into")
		keyID = flag.String("id", "", "key id for the new generation (default key-<date>-<suffix>)")
		show  = flag.Bool("print-public", false, "print the public PEM, for pasting into a rotation request")
	)
	flag.Parse()

	log := logger.FromDebugFlag(false)
	slog.SetDefault(log)

	if err := run(*dir, *keyID, *show, log); err != nil {
		log.Error("key generation failed", "error", err)
		os.Exit(1)
	}
}

func run(dir, keyID string, show bool, log *slog.Logger) error {
	if keyID == "" {
		keyID = fmt.Sprintf("key-%s-%s", time.Now().UTC().Format("2006-01-02"), uuid.NewString()[:8])
	}

	privPEM, pubPEM, err := keystore.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	if err := keystore.WriteGeneration(dir, keyID, pubPEM, privPEM); err != nil {
		return fmt.Errorf("write key generation: %w", err)
	}

	log.Info("generated key pair",
		"key_id", keyID,
		"dir", dir,
		"active", true,
	)
	if show {
		fmt.Print(string(pubPEM))
	}
	return nil
}
