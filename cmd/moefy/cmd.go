package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/FlavioCFOliveira/moefy/internal/envconfig"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func initLogging(cmd *cobra.Command, _ []string) {
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: envconfig.LogLevel()})
	slog.SetDefault(slog.New(handler))
}

// newTable returns a borderless table in the style used by every command.
func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

// NewCLI builds the moefy command tree.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "moefy",
		Short:         "Mixture-of-Experts conversion and routing toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: initLogging,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	convertCmd := newConvertCmd()
	inspectCmd := newInspectCmd()
	routeCmd := newRouteCmd()
	envCmd := newEnvCmd()

	envVars := envconfig.AsMap()
	appendEnvDocs(convertCmd, []envconfig.EnvVar{envVars["MOEFY_DEBUG"]})
	appendEnvDocs(routeCmd, []envconfig.EnvVar{
		envVars["MOEFY_DEBUG"],
		envVars["MOEFY_WORKERS"],
		envVars["MOEFY_DUMP_DIR"],
		envVars["MOEFY_REPLICA_ID"],
	})

	rootCmd.AddCommand(convertCmd, inspectCmd, routeCmd, envCmd)
	rootCmd.SetOut(os.Stdout)
	return rootCmd
}
