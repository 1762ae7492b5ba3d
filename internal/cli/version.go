package cli

import (
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/ppiankov/elevator/internal/backend"
	"github.com/ppiankov/elevator/internal/identity"
	"github.com/ppiankov/elevator/internal/policy"
)

const version = "0.1.0"

var versionPolicy string

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().StringVar(&versionPolicy, "policy", "", "Policy YAML to fingerprint (default ~/.elevator/policy.yaml)")
}

// versionInfo describes this build and the policy it would start with.
type versionInfo struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	GoVersion  string   `json:"go_version,omitempty"`
	Revision   string   `json:"revision,omitempty"`
	Backends   []string `json:"backends"`
	Scopes     int      `json:"scopes"`
	PolicyPath string   `json:"policy_path,omitempty"`
	PolicyHash string   `json:"policy_hash,omitempty"`
	PolicyErr  string   `json:"policy_error,omitempty"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Prints the build version, the registered backends and the hash of the policy\nfile a server started now would load.",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := buildVersionInfo(versionPolicy)
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(info, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

// buildVersionInfo never fails on a bad policy file; the load error is
// reported in the output instead.
func buildVersionInfo(policyPath string) (versionInfo, error) {
	info := versionInfo{Name: "elevator", Version: version}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				info.Revision = s.Value
			}
		}
	}

	if policyPath == "" {
		policyPath = policy.DefaultPath()
	}
	info.PolicyPath = policyPath
	cfg, hash, err := policy.LoadConfigWithHash(policyPath)
	if err != nil {
		info.PolicyErr = err.Error()
		cfg = policy.DefaultConfig()
	} else {
		info.PolicyHash = hash
	}

	dir, err := identity.NewDirectory(nil)
	if err != nil {
		return versionInfo{}, err
	}
	reg, err := backend.NewRegistry(backend.Options{
		Policy:    policy.NewResolver(cfg, hash),
		Directory: dir,
	})
	if err != nil {
		return versionInfo{}, err
	}
	info.Backends = reg.Backends()
	info.Scopes = len(reg.Scopes())
	return info, nil
}
