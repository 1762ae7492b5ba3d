package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/elevator/internal/client"
	"github.com/ppiankov/elevator/internal/elevation"
	"github.com/ppiankov/elevator/internal/server"
)

var (
	submitRequester     string
	submitTenant        string
	submitMarket        string
	submitJustification string
	submitTarget        map[string]string
	submitEmergency     bool
	submitTTL           time.Duration
	submitOneTime       bool
	submitWait          bool

	awaitTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(verifyMFACmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(awaitCmd)

	submitCmd.Flags().StringVar(&submitRequester, "as", os.Getenv("USER"), "Requesting identity")
	submitCmd.Flags().StringVar(&submitTenant, "tenant", "", "Tenant (default: the requester's tenant)")
	submitCmd.Flags().StringVar(&submitMarket, "market", "", "Market or jurisdiction (e.g. eu, us)")
	submitCmd.Flags().StringVarP(&submitJustification, "reason", "r", "", "Why the elevation is needed")
	submitCmd.Flags().StringToStringVarP(&submitTarget, "target", "t", nil, "Target attributes (e.g. -t image=nginx:1.25 -t network=host)")
	submitCmd.Flags().BoolVar(&submitEmergency, "emergency", false, "Break-glass request: short TTL, post-hoc justification")
	submitCmd.Flags().DurationVar(&submitTTL, "ttl", 0, "Requested token lifetime (capped by policy)")
	submitCmd.Flags().BoolVar(&submitOneTime, "one-time", false, "Token valid for a single use")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Block until approvals settle the request")

	awaitCmd.Flags().DurationVar(&awaitTimeout, "timeout", 0, "Give up (and expire the request) after this long")
}

var submitCmd = &cobra.Command{
	Use:   "submit <scope>",
	Short: "Request an elevation",
	Long:  "Submits an elevation request for a backend:operation scope such as docker:run or github:push.\nIf MFA is required, answer it with elevator verify-mfa.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

var verifyMFACmd = &cobra.Command{
	Use:   "verify-mfa <request-id> <code>",
	Short: "Answer the MFA challenge of a request",
	Args:  cobra.ExactArgs(2),
	RunE:  runVerifyMFA,
}

var statusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show a request's state and history",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var awaitCmd = &cobra.Command{
	Use:   "await <request-id>",
	Short: "Wait until a request leaves MFA or approval",
	Args:  cobra.ExactArgs(1),
	RunE:  runAwait,
}

// dial connects to the server named by --addr.
func dial() (*client.Client, error) {
	return client.New(serverAddr)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

func runSubmit(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	req := server.SubmitRequest{
		Requester:     submitRequester,
		Tenant:        submitTenant,
		Market:        submitMarket,
		Scope:         args[0],
		Justification: submitJustification,
		Target:        submitTarget,
		Emergency:     submitEmergency,
		OneTime:       submitOneTime,
	}
	if submitTTL > 0 {
		req.TTL = submitTTL.String()
	}
	v, err := c.Submit(cmdContext(cmd), req)
	if err != nil {
		return requestFailed(os.Stdout, v, err)
	}
	if submitWait && v.State == elevation.StateApprovalPending {
		v, err = c.Await(cmdContext(cmd), v.ID, 0)
		if err != nil {
			return requestFailed(os.Stdout, v, err)
		}
	}
	return printView(os.Stdout, v)
}

func runVerifyMFA(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()
	v, err := c.VerifyMFA(cmdContext(cmd), args[0], args[1])
	if err != nil {
		return requestFailed(os.Stdout, v, err)
	}
	return printView(os.Stdout, v)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()
	v, err := c.Status(cmdContext(cmd), args[0])
	if err != nil {
		return err
	}
	if err := printView(os.Stdout, v); err != nil {
		return err
	}
	if !jsonOut {
		printHistory(os.Stdout, v)
	}
	return nil
}

func runAwait(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()
	v, err := c.Await(cmdContext(cmd), args[0], awaitTimeout)
	if err != nil {
		return requestFailed(os.Stdout, v, err)
	}
	return printView(os.Stdout, v)
}

// requestFailed prints what is known about a request that an error ended
// and returns the error.
func requestFailed(w io.Writer, v elevation.View, err error) error {
	if v.ID != "" {
		printView(w, v)
	}
	return err
}

func printView(w io.Writer, v elevation.View) error {
	if jsonOut {
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(out))
		return nil
	}

	fmt.Fprintf(w, "Request:  %s\n", v.ID)
	if v.Scope != "" {
		fmt.Fprintf(w, "Scope:    %s (%s)\n", v.Scope, v.Sensitivity)
	}
	if v.Requester != "" {
		fmt.Fprintf(w, "Owner:    %s @ %s/%s\n", v.Requester, v.Tenant, v.Market)
	}
	state := string(v.State)
	if v.Emergency {
		state += " [emergency]"
	}
	fmt.Fprintf(w, "State:    %s\n", state)
	if v.Reason != "" {
		fmt.Fprintf(w, "Reason:   %s\n", v.Reason)
	}
	if v.Message != "" {
		fmt.Fprintf(w, "Message:  %s\n", v.Message)
	}
	switch v.State {
	case elevation.StateMFAPending:
		fmt.Fprintf(w, "MFA:      %s code sent; run: elevator verify-mfa %s <code>\n", v.MFALevel, v.ID)
	case elevation.StateApprovalPending:
		fmt.Fprintf(w, "Approval: %d of %d from %s\n", countApprovals(v), v.Quorum, strings.Join(v.Approvers, ", "))
	}
	if v.TokenID != "" {
		fmt.Fprintf(w, "Token:    %s\n", v.TokenID)
		if v.TokenExpiresAt != nil {
			fmt.Fprintf(w, "Expires:  %s (ttl %s)\n", v.TokenExpiresAt.Format(time.RFC3339), v.TokenTTL)
		}
		if v.TokenMaxUses > 0 {
			fmt.Fprintf(w, "Uses:     %d\n", v.TokenMaxUses)
		}
	}
	if v.PostHocJustificationRequired {
		fmt.Fprintln(w, "Note:     emergency elevation; justify to compliance after use")
	}
	return nil
}

func printHistory(w io.Writer, v elevation.View) {
	if len(v.History) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-10s %-18s %-18s %-12s %s\n", "TIME", "FROM", "TO", "ACTOR", "REASON")
	for _, t := range v.History {
		fmt.Fprintf(w, "%-10s %-18s %-18s %-12s %s\n",
			t.At.Format("15:04:05"), t.From, t.To, truncate(t.Actor, 12), t.Reason)
	}
}

func countApprovals(v elevation.View) int {
	n := 0
	for _, a := range v.Approvals {
		if a.Decision == "approve" {
			n++
		}
	}
	return n
}
