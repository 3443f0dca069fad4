package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd(version string, buildTime string, gitCommit string) *cobra.Command {
	return &cobra.Command{
		Use:          "version",
		Short:        "imagegen-billing version",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "imagegen-billing")
			fmt.Fprintln(out, "Credit ledger, image generation and payment settlement.")
			fmt.Fprintf(out, "version: %s\n", version)
			fmt.Fprintf(out, "buildTime: %s\n", buildTime)
			fmt.Fprintf(out, "gitCommit: %s\n", gitCommit)
			fmt.Fprintf(out, "goVersion: %s\n", runtime.Version())
		},
	}
}
