package keystore

import (
	"fmt"
	"os"
	"path/filepath"
)

// Keys directory layout, shared between the live service, the keygen tool
// and the recovery tooling:
//
//	keys/
//	├── key-2024-01/
//	│   ├── public.pem
//	│   └── private.pem   (recovery side only)
//	├── key-2024-02/
//	│   ├── public.pem
//	│   └── private.pem
//	└── current -> key-2024-02
const (
	publicFileName  = "public.pem"
	privateFileName = "private.pem"
	currentLinkName = "current"
)

// LoadDir builds a store from a keys directory. The entry the `current`
// symlink points at becomes active; every other generation loads as retired.
// Directories with no public key are skipped with an error only when nothing
// loads at all.
func LoadDir(dir string) (*Store, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read keys dir: %w", err)
	}

	activeID := currentKeyID(dir)

	store := New()
	for _, de := range dirents {
		if !de.IsDir() || de.Name() == currentLinkName {
			continue
		}
		keyID := de.Name()
		keyDir := filepath.Join(dir, keyID)

		pub, err := readPublicKeyFile(filepath.Join(keyDir, publicFileName))
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", keyID, err)
		}

		entry := Entry{KeyID: keyID, State: StateRetired, Public: pub}
		if info, err := de.Info(); err == nil {
			entry.CreatedAt = info.ModTime().UTC()
		}
		if keyID == activeID {
			entry.State = StateActive
		}

		privPath := filepath.Join(keyDir, privateFileName)
		if _, err := os.Stat(privPath); err == nil {
			priv, err := readPrivateKeyFile(privPath)
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", keyID, err)
			}
			entry.Private = priv
		}

		if err := store.Register(entry); err != nil {
			return nil, err
		}
	}

	if len(store.List()) == 0 {
		return nil, fmt.Errorf("keys dir %s: no key generations found", dir)
	}
	return store, nil
}

// LoadPublicKeyFile builds a single-entry store from one public key PEM, for
// deployments that bootstrap with RSA_PUBLIC_KEY_PATH/KEY_ID before adopting
// the directory layout.
func LoadPublicKeyFile(path, keyID string) (*Store, error) {
	pub, err := readPublicKeyFile(path)
	if err != nil {
		return nil, err
	}
	store := New()
	if err := store.Register(Entry{KeyID: keyID, State: StateActive, Public: pub}); err != nil {
		return nil, err
	}
	return store, nil
}

// WriteGeneration persists a key pair into the directory layout and repoints
// the `current` symlink. The private half may be nil (live-side rotation
// distributes only public material).
func WriteGeneration(dir, keyID string, publicPEM, privatePEM []byte) error {
	keyDir := filepath.Join(dir, keyID)
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(keyDir, publicFileName), publicPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	if privatePEM != nil {
		if err := os.WriteFile(filepath.Join(keyDir, privateFileName), privatePEM, 0o600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
	}

	link := filepath.Join(dir, currentLinkName)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlink current: %w", err)
	}
	if err := os.Symlink(keyID, link); err != nil {
		return fmt.Errorf("link current: %w", err)
	}
	return nil
}

func currentKeyID(dir string) string {
	target, err := os.Readlink(filepath.Join(dir, currentLinkName))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}
