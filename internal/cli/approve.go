package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	approveAs      string
	approveComment string
)

func init() {
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVar(&approveAs, "as", os.Getenv("USER"), "Deciding identity")
		c.Flags().StringVarP(&approveComment, "comment", "m", "", "Note kept with the decision")
	}
}

var approveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending elevation request",
	Long:  "Records an approval. The token is issued once the policy's approval quorum is met.\nRequesters cannot approve their own requests.",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

var rejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a pending elevation request",
	Long:  "Records a rejection. A single rejection ends the request regardless of prior approvals.",
	Args:  cobra.ExactArgs(1),
	RunE:  runReject,
}

func runApprove(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()
	v, err := c.Approve(cmdContext(cmd), args[0], approveAs, approveComment)
	if err != nil {
		return requestFailed(os.Stdout, v, err)
	}
	return printView(os.Stdout, v)
}

func runReject(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()
	v, err := c.Reject(cmdContext(cmd), args[0], approveAs, approveComment)
	if err != nil {
		return requestFailed(os.Stdout, v, err)
	}
	return printView(os.Stdout, v)
}
