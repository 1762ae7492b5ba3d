package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/elevator/internal/backend"
	"github.com/ppiankov/elevator/internal/identity"
	"github.com/ppiankov/elevator/internal/policy"
	"github.com/ppiankov/elevator/internal/scope"
)

var scopesBackend string

func init() {
	rootCmd.AddCommand(scopesCmd)
	scopesCmd.Flags().StringVar(&scopesBackend, "backend", "", "Only scopes of this backend")
}

var scopesCmd = &cobra.Command{
	Use:   "scopes",
	Short: "List the scopes each backend offers",
	Long:  "Prints every backend:operation scope with its sensitivity tier, default MFA level\nand whether it needs approval by default.",
	RunE:  runScopes,
}

func runScopes(cmd *cobra.Command, args []string) error {
	dir, err := identity.NewDirectory(nil)
	if err != nil {
		return err
	}
	reg, err := backend.NewRegistry(backend.Options{
		Policy:    policy.NewResolver(policy.DefaultConfig(), ""),
		Directory: dir,
	})
	if err != nil {
		return err
	}

	var list []scope.Details
	for _, d := range reg.Scopes() {
		if scopesBackend == "" || strings.EqualFold(d.Backend, scopesBackend) {
			list = append(list, d)
		}
	}
	if scopesBackend != "" && len(list) == 0 {
		return fmt.Errorf("unknown backend %q (known: %s)", scopesBackend, strings.Join(reg.Backends(), ", "))
	}

	if jsonOut {
		out, _ := json.MarshalIndent(list, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("%-22s %-8s %-8s %-9s %s\n", "SCOPE", "TIER", "MFA", "APPROVAL", "DESCRIPTION")
	for _, d := range list {
		approval := "no"
		if d.DefaultApproval {
			approval = "yes"
		}
		fmt.Printf("%-22s %-8s %-8s %-9s %s\n",
			d.Scope, d.Sensitivity, d.DefaultMFA, approval, truncate(d.Description, 50))
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
