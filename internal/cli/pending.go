package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/elevator/internal/server"
)

var (
	pendingTenant   string
	pendingState    string
	pendingApprover string
)

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.Flags().StringVar(&pendingTenant, "tenant", "", "Only this tenant")
	pendingCmd.Flags().StringVar(&pendingState, "state", "", "Only this state (e.g. approval_pending)")
	pendingCmd.Flags().StringVar(&pendingApprover, "approver", "", "Only requests this identity can still decide")
}

var pendingCmd = &cobra.Command{
	Use:     "pending",
	Aliases: []string{"list"},
	Short:   "List elevation requests",
	Long:    "Shows requests known to the server with their scope, state and requester.\nUse --approver to see what is waiting on you.",
	RunE:    runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	list, err := c.List(cmdContext(cmd), server.ListRequests{
		Tenant:   pendingTenant,
		State:    pendingState,
		Approver: pendingApprover,
	})
	if err != nil {
		return fmt.Errorf("failed to list requests: %w", err)
	}

	if jsonOut {
		out, _ := json.MarshalIndent(list, "", "  ")
		fmt.Println(string(out))
		return nil
	}
	if len(list) == 0 {
		fmt.Println("No matching requests.")
		return nil
	}

	fmt.Printf("%-32s %-20s %-18s %-12s %s\n", "REQUEST", "SCOPE", "STATE", "REQUESTER", "CREATED")
	for _, v := range list {
		state := string(v.State)
		if v.Emergency {
			state += "!"
		}
		fmt.Printf("%-32s %-20s %-18s %-12s %s\n",
			v.ID,
			truncate(v.Scope, 20),
			state,
			truncate(v.Requester, 12),
			v.CreatedAt.Format("15:04:05"),
		)
	}
	return nil
}
