package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/hoistpaas/hoist/pkg/config"
	"github.com/hoistpaas/hoist/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		auth    bool
		sshKey  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file and an empty store",
		Long: `Initialize a Hoist installation.

This command:
  - Writes hoist.yaml with the default settings (it never overwrites a file)
  - Creates the data directory, the plugin directory and the SQLite store
  - Optionally enables API authentication with a fresh signing secret
  - Optionally generates an SSH key for docker drivers on remote hosts`,
		Example: `  # Initialize in the current directory
  hoist init

  # Initialize with authentication and an SSH key for remote docker hosts
  hoist init --auth --ssh-key --data-dir /var/lib/hoist --config /etc/hoist/hoist.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = config.FileName
			}
			if dataDir == "" {
				dataDir = filepath.Join(filepath.Dir(path), "data")
			}

			log.Info().Str("config", path).Str("data_dir", dataDir).Msg("Initializing Hoist")

			cfg := config.Default()
			cfg.Database.Path = filepath.Join(dataDir, "hoist.db")
			cfg.Plugins.Dir = filepath.Join(dataDir, "plugins")

			for _, dir := range []string{dataDir, cfg.Plugins.Dir} {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Fprintf(stdout, "✓ Created directory: %s\n", dir)
			}

			if auth {
				secret := make([]byte, 32)
				if _, err := rand.Read(secret); err != nil {
					return fmt.Errorf("failed to generate auth secret: %w", err)
				}
				cfg.Auth.Enabled = true
				cfg.Auth.Secret = hex.EncodeToString(secret)
			}

			if err := config.Write(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "✓ Created config file: %s\n", path)

			store, err := stores.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "✓ Initialized SQLite database: %s\n", cfg.Database.Path)

			if sshKey {
				keyPath := filepath.Join(dataDir, "keys", "hoist-ed25519")
				created, err := generateSSHKey(keyPath)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(stdout, "✓ Generated SSH keypair: %s\n", keyPath)
				} else {
					fmt.Fprintf(stdout, "✓ SSH keypair already exists: %s\n", keyPath)
				}
			}

			fmt.Fprintf(stdout, "\nNext steps:\n")
			fmt.Fprintf(stdout, "  1. Start the control plane:\n")
			fmt.Fprintf(stdout, "     hoist serve --config %s\n\n", path)
			if auth {
				fmt.Fprintf(stdout, "  2. Issue a token for the CLI:\n")
				fmt.Fprintf(stdout, "     hoist token --config %s --subject admin\n\n", path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default: data/ next to the config file)")
	cmd.Flags().BoolVar(&auth, "auth", false, "enable API authentication with a generated secret")
	cmd.Flags().BoolVar(&sshKey, "ssh-key", false, "generate an ed25519 key for docker drivers reached over SSH")

	return cmd
}

// generateSSHKey writes an OpenSSH ed25519 keypair at path unless one exists.
func generateSSHKey(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("failed to create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}
	block, err := sshpkg.MarshalPrivateKey(privKey, "hoist")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(path+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}
	return true, nil
}
