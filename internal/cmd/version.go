package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/portalsync/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print version information including version number, git commit,
build date, Go version, and platform.`,
	RunE: runVersion,
}

var versionVerbose bool

func init() {
	versionCmd.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "show detailed version information")

	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	info := version.GetInfo()

	if cc.JSON() {
		return printJSON(cmd.OutOrStdout(), info)
	}
	if versionVerbose {
		fmt.Fprintln(cmd.OutOrStdout(), info.String()) //nolint:errcheck
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "portal %s\n", info.Version) //nolint:errcheck
	return nil
}
