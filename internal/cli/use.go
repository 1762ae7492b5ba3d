package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/elevator/internal/server"
)

var (
	useUsage     map[string]string
	revokeAs     string
	revokeReason string
)

func init() {
	rootCmd.AddCommand(useCmd)
	rootCmd.AddCommand(revokeCmd)
	useCmd.Flags().StringToStringVarP(&useUsage, "usage", "u", nil, "Attributes of this use (e.g. -u image=nginx:1.25)")
	revokeCmd.Flags().StringVar(&revokeAs, "as", os.Getenv("USER"), "Revoking identity")
	revokeCmd.Flags().StringVarP(&revokeReason, "reason", "r", "", "Why the token is revoked")
}

var useCmd = &cobra.Command{
	Use:   "use <token-id> <scope>",
	Short: "Validate and record one use of an elevation token",
	Long:  "Asks the server whether the token allows this use. Exits non-zero when the use is denied.\nEvery call is audited, allowed or not.",
	Args:  cobra.ExactArgs(2),
	RunE:  runUse,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <token-id>",
	Short: "Revoke an elevation token",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevoke,
}

func runUse(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	d, err := c.ValidateTokenUse(cmdContext(cmd), server.TokenUseRequest{
		TokenID: args[0],
		Scope:   args[1],
		Usage:   useUsage,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "DENIED: %v\n", err)
		return err
	}
	if jsonOut {
		out, _ := json.MarshalIndent(d, "", "  ")
		fmt.Println(string(out))
		return nil
	}
	left := "unlimited"
	if d.UsesLeft >= 0 {
		left = fmt.Sprintf("%d", d.UsesLeft)
	}
	fmt.Printf("ALLOWED: %s for %s (uses left: %s, expires %s)\n",
		d.TokenID, d.Scope, left, d.ExpiresAt.Format("15:04:05"))
	return nil
}

func runRevoke(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Revoke(cmdContext(cmd), args[0], revokeAs, revokeReason); err != nil {
		return err
	}
	fmt.Printf("Revoked %s\n", args[0])
	return nil
}
