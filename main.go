package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/apparentlymart/go-userdirs/userdirs"
	"github.com/hashicorp/hcl/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/auth"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/config"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/logging"
	"github.com/apparentlymart/oci-distribution-artifact-plugins/internal/server"
)

func main() {
	err := rootCommand().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to execute: %s\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "oci-distribution-artifact-plugins",
		Short: "Serves npm, Python and model registry protocols using an OCI Distribution server for storage.",
	}
	root.SetUsageTemplate(usageTemplate)
	logLevel := root.PersistentFlags().String("log-level", "info", "Minimum level of log messages to emit")
	logFormat := root.PersistentFlags().String("log-format", "text", "Log message format: text or json")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(*logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		switch *logFormat {
		case "text":
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unsupported log format %q", *logFormat)
		}
		return nil
	}

	root.AddCommand(
		serverCommand(),
		hashPasswordCommand(),
	)

	return root
}

func serverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run a server providing all of the plugins enabled in the configuration",
	}
	cmdLineConfigFile := cmd.Flags().String("config", "", "Configuration file to use")

	cmd.Run = func(cmd *cobra.Command, args []string) {
		globalConfig := loadConfig(cmd, *cmdLineConfigFile)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		ctx = logging.ContextWithLogger(ctx, logrus.NewEntry(logrus.StandardLogger()))

		if err := server.Run(ctx, globalConfig); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err)
			os.Exit(1)
		}
	}
	return cmd
}

func loadConfig(cmd *cobra.Command, configFile string) *config.Config {
	if configFile == "" {
		candidates := dirs.FindConfigFiles("config.hcl")
		if len(candidates) == 0 {
			fmt.Fprintf(
				cmd.ErrOrStderr(),
				"Error: No configuration file found.\n\nEither specify a config file using the --config option, or place config.hcl\nin one of the following directories:\n",
			)
			for _, dir := range dirs.ConfigDirs {
				fmt.Fprintf(cmd.ErrOrStderr(), " - %s\n", dir)
			}
			os.Exit(1)
		}
		if len(candidates) != 1 {
			fmt.Fprintf(
				cmd.ErrOrStderr(),
				"Error: Multiple configuration files found.\n\nUse the --config option to specify which configuration file to use.\nFound the following configuration files:\n",
			)
			for _, filename := range candidates {
				fmt.Fprintf(cmd.ErrOrStderr(), " - %s\n", filename)
			}
			os.Exit(1)
		}
		configFile = candidates[0]
	}

	gotConfig, diags := config.LoadConfigFile(configFile)
	for _, diag := range diags {
		severity := "Problem"
		switch diag.Severity {
		case hcl.DiagError:
			severity = "Error"
		case hcl.DiagWarning:
			severity = "Warning"
		}
		prefix := severity
		if diag.Subject != nil {
			prefix = fmt.Sprintf("%s at %s", severity, *diag.Subject)
		}
		detail := ""
		if diag.Detail != "" {
			detail = "\n\n" + diag.Detail + "\n"
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s%s\n", prefix, diag.Summary, detail)
	}
	if diags.HasErrors() {
		fmt.Fprintf(cmd.ErrOrStderr(), "\nConfiguration is invalid.\n")
		os.Exit(1)
	}
	return gotConfig
}

func hashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its hash, for use in a user block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				if err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}
				return fmt.Errorf("password must not be empty")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

var dirs = userdirs.ForApp(
	"OCI Distribution Artifact Plugins",
	"apparentlymart",
	"io.github.apparentlymart.oci-distribution-artifact-plugins",
)

const usageTemplate = `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}{{if eq (len .Groups) 0}}

Available subcommands:{{range $cmds}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{else}}{{range $group := .Groups}}

{{.Title}}{{range $cmds}}{{if (and (eq .GroupID $group.ID) (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if not .AllChildCommandsHaveGroup}}

Additional subcommands:{{range $cmds}}{{if (and (eq .GroupID "") (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Options:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global options:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`
