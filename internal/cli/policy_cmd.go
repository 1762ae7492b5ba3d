package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/elevator/internal/policy"
	"github.com/ppiankov/elevator/internal/policydiff"
)

var (
	policyPath   string
	policyTenant string
	policyMarket string
	diffFormat   string
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyResolveCmd)
	policyCmd.AddCommand(policyHashCmd)
	policyCmd.AddCommand(policyDiffCmd)
	policyCmd.PersistentFlags().StringVar(&policyPath, "policy", "", "Path to policy YAML (default ~/.elevator/policy.yaml)")
	policyResolveCmd.Flags().StringVar(&policyTenant, "tenant", "", "Tenant id")
	policyResolveCmd.Flags().StringVar(&policyMarket, "market", "", "Market (e.g. eu, us)")
	policyDiffCmd.Flags().StringVar(&diffFormat, "format", "text", "Output format: text or json")
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the elevation policy",
}

var policyResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Print the merged policy for a tenant and market",
	Long:  "Loads the policy file, merges global, tenant and market layers, and prints the result as JSON.\nDurations are in nanoseconds.",
	RunE:  runPolicyResolve,
}

var policyHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print the SHA-256 hash of the policy file",
	RunE:  runPolicyHash,
}

var policyDiffCmd = &cobra.Command{
	Use:   "diff <old.yaml> <new.yaml>",
	Short: "Compare what two policy files resolve to",
	Long:  "Resolves the global view, every tenant and every market of both files and lists what changed,\nmarking each change as stricter or looser.",
	Args:  cobra.ExactArgs(2),
	RunE:  runPolicyDiff,
}

func runPolicyResolve(cmd *cobra.Command, args []string) error {
	cfg, hash, err := policy.LoadConfigWithHash(policyPath)
	if err != nil {
		return err
	}
	limits := policy.NewResolver(cfg, hash).ResolvePolicy(policyTenant, policyMarket)
	out, err := json.MarshalIndent(map[string]any{
		"hash":   hash,
		"limits": limits,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runPolicyHash(cmd *cobra.Command, args []string) error {
	_, hash, err := policy.LoadConfigWithHash(policyPath)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func runPolicyDiff(cmd *cobra.Command, args []string) error {
	oldCfg, err := policy.LoadConfig(args[0])
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", args[0], err)
	}
	newCfg, err := policy.LoadConfig(args[1])
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", args[1], err)
	}

	result := policydiff.Diff(oldCfg, newCfg)
	result.OldPath = args[0]
	result.NewPath = args[1]

	if diffFormat == "json" || jsonOut {
		out, err := policydiff.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(policydiff.FormatText(result))
	return nil
}
