package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gpunode/config"
	"gpunode/crypto"
)

const defaultKeystore = "node.keystore"

// importKeystore encrypts the key resolved from the config's privkey sources
// into a keystore file and prints the config change needed to use it.
func importKeystore(configPath, keystorePath, passEnv string, force bool, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if cfg.Ethereum.PrivKey == "" {
		return fmt.Errorf("config %s does not resolve a privkey to import", configPath)
	}
	if cfg.Ethereum.Keystore != "" {
		return fmt.Errorf("config %s already references a keystore", configPath)
	}

	if keystorePath == "" {
		dir := filepath.Dir(configPath)
		if dir == "." || dir == "" {
			keystorePath = defaultKeystore
		} else {
			keystorePath = filepath.Join(dir, defaultKeystore)
		}
	}
	if !force {
		if _, err := os.Stat(keystorePath); err == nil {
			return fmt.Errorf("keystore file %s already exists (use -force to overwrite)", keystorePath)
		} else if !os.IsNotExist(err) {
			return err
		}
	}

	passphrase, ok := os.LookupEnv(passEnv)
	if !ok || strings.TrimSpace(passphrase) == "" {
		return fmt.Errorf("environment variable %s must hold the keystore passphrase", passEnv)
	}
	key, err := crypto.PrivateKeyFromHex(cfg.Ethereum.PrivKey)
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}

	fmt.Fprintf(out, "Wrote keystore for %s to %s\n", key.Address().Hex(), keystorePath)
	fmt.Fprintln(out, "Replace the privkey settings in the ethereum section with:")
	fmt.Fprintf(out, "  keystore: %s\n  keystore_passphrase_env: %s\n", keystorePath, passEnv)
	return nil
}
