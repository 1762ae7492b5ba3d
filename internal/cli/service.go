package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/elevator/internal/systemd"
)

var (
	unitBinary    string
	unitUser      string
	unitConfigDir string
	unitStateDir  string
	unitPort      int
	unitMetrics   string
	unitOutput    string
)

func init() {
	rootCmd.AddCommand(serviceUnitCmd)
	d := systemd.DefaultUnitOptions()
	serviceUnitCmd.Flags().StringVar(&unitBinary, "binary", d.Binary, "Path to the elevator binary")
	serviceUnitCmd.Flags().StringVar(&unitUser, "user", d.User, "System user the server runs as")
	serviceUnitCmd.Flags().StringVar(&unitConfigDir, "config-dir", d.ConfigDir, "Directory holding policy.yaml, identities.yaml and denylist.yaml")
	serviceUnitCmd.Flags().StringVar(&unitStateDir, "state-dir", d.StateDir, "Directory for the audit log and spool")
	serviceUnitCmd.Flags().IntVar(&unitPort, "port", d.Port, "gRPC listen port")
	serviceUnitCmd.Flags().StringVar(&unitMetrics, "metrics-addr", d.MetricsAddr, "HTTP address for /metrics and /healthz")
	serviceUnitCmd.Flags().StringVarP(&unitOutput, "output", "o", "", "Write the unit to a file instead of stdout")
}

var serviceUnitCmd = &cobra.Command{
	Use:   "service-unit",
	Short: "Print a systemd unit for elevator serve",
	Long:  "Renders a hardened systemd unit that runs the elevation server.\nInstall it as /etc/systemd/system/elevator.service.",
	RunE:  runServiceUnit,
}

func runServiceUnit(cmd *cobra.Command, args []string) error {
	unit := systemd.ServerUnit(systemd.UnitOptions{
		Binary:      unitBinary,
		User:        unitUser,
		ConfigDir:   unitConfigDir,
		StateDir:    unitStateDir,
		Port:        unitPort,
		MetricsAddr: unitMetrics,
	})
	if unitOutput == "" {
		fmt.Print(unit)
		return nil
	}
	if err := os.WriteFile(unitOutput, []byte(unit), 0644); err != nil {
		return fmt.Errorf("failed to write unit: %w", err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", unitOutput)
	return nil
}
