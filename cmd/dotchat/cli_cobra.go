package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var (
		showVersion bool
		configPath  string
	)

	root := &cobra.Command{
		Use:   "dotchat",
		Short: "Group chat assistant that decides when to reply and what to say",
		Long: strings.TrimSpace(`dotchat watches group conversations, judges whether a message deserves a
reply, and answers with text, rendered templates, images or files.

Use CLI commands to run the Discord gateway, chat locally in the console,
validate provider routes, and inspect readiness.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.dotchat/config.json)")

	root.AddCommand(newGatewayCommand(&configPath))
	root.AddCommand(newConsoleCommand(&configPath))
	root.AddCommand(newRoutesCommand(&configPath))
	root.AddCommand(newStatusCommand(&configPath))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func newGatewayCommand(configPath *string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "gateway",
		Short:   "Run the Discord gateway and health server",
		Long:    "Start the Discord channel, the reply pipeline, the idle sweep, routes hot reload, and the HTTP health/status/admin endpoints.",
		Example: "  dotchat gateway --debug",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return gatewayCmd(cmd.OutOrStdout(), *configPath, debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newConsoleCommand(configPath *string) *cobra.Command {
	var (
		conversation string
		debug        bool
	)

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Chat with the bot in a local terminal conversation",
		Long: strings.TrimSpace(`Run the full reply pipeline against a terminal conversation. Lines are
addressed to the bot unless they start with "~". "/image <path> [text]" attaches
a local image and "/recall" deletes your previous line.`),
		Example: strings.Join([]string{
			"  dotchat console",
			"  dotchat console --conversation sandbox --debug",
		}, "\n"),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return consoleCmd(cmd.OutOrStdout(), *configPath, conversation, debug)
		},
	}

	cmd.Flags().StringVar(&conversation, "conversation", "", "Conversation id for settings and history (default from config)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newRoutesCommand(configPath *string) *cobra.Command {
	routesRoot := &cobra.Command{
		Use:   "routes",
		Short: "Inspect provider routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	check := &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a routes file and print each capability's fallback order",
		Example: strings.Join([]string{
			"  dotchat routes check",
			"  dotchat routes check ./models.yaml",
		}, "\n"),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := ""
			if len(args) == 1 {
				file = args[0]
			}
			return routesCheckCmd(cmd.OutOrStdout(), *configPath, file)
		},
	}

	routesRoot.AddCommand(check)
	return routesRoot
}

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration, route, and runtime readiness",
		Example: "  dotchat status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd(cmd.OutOrStdout(), *configPath)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotchat version",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
