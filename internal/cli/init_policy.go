package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/elevator/internal/identity"
	"github.com/ppiankov/elevator/internal/policy"
)

var (
	initDir   string
	initForce bool
)

func init() {
	rootCmd.AddCommand(initPolicyCmd)
	initPolicyCmd.Flags().StringVar(&initDir, "dir", "", "Config directory (default ~/.elevator)")
	initPolicyCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
}

var initPolicyCmd = &cobra.Command{
	Use:   "init-policy",
	Short: "Generate default policy.yaml and identities.yaml with comments",
	Long:  "Creates ~/.elevator/policy.yaml with default TTLs, MFA levels and approval tiers,\nand a sample identities.yaml. Edit these files before running elevator serve.",
	RunE:  runInitPolicy,
}

func runInitPolicy(cmd *cobra.Command, args []string) error {
	dir := initDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".elevator")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	files := []struct {
		name    string
		content string
	}{
		{"policy.yaml", policy.DefaultConfigYAML()},
		{"identities.yaml", identity.SampleYAML},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("%s already exists at %s (use --force to overwrite)", f.name, path)
		}
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, []byte(f.content), 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
		fmt.Printf("Created %s\n", path)
	}
	return nil
}
