package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
)

func principalFlag(usage string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "as",
		Usage:    usage,
		Required: true,
		Sources:  cli.EnvVars("CALCORE_PRINCIPAL"),
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "calcore",
		Usage: "Calendar collection and event engine maintenance tool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("CALCORE_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "validate",
				Usage:  "Load and validate the configuration",
				Action: validateAction,
			},
			{
				Name:   "provision",
				Usage:  "Create the roots and the home collections of every configured principal",
				Action: provisionAction,
			},
			{
				Name:      "import",
				Usage:     "Import an iCalendar file into a calendar collection",
				ArgsUsage: "<file.ics>",
				Flags: []cli.Flag{
					principalFlag("Principal href to import as"),
					&cli.StringFlag{Name: "calendar", Usage: "Target collection path", Required: true},
					&cli.BoolFlag{Name: "strict", Usage: "Fail an event when any of its overrides does not match an instance"},
				},
				Action: importAction,
			},
			{
				Name:      "tree",
				Usage:     "Print a collection subtree with sync tokens",
				ArgsUsage: "[path]",
				Flags:     []cli.Flag{principalFlag("Principal href to list as")},
				Action:    treeAction,
			},
			{
				Name:      "freebusy",
				Usage:     "Print the free-busy time of principals' default calendars",
				ArgsUsage: "<principal href>...",
				Flags: []cli.Flag{
					principalFlag("Principal href asking for free-busy"),
					&cli.StringFlag{Name: "start", Usage: "Window start, RFC 3339 or YYYY-MM-DD", Required: true},
					&cli.StringFlag{Name: "end", Usage: "Window end, RFC 3339 or YYYY-MM-DD", Required: true},
					&cli.BoolFlag{Name: "ignore-transparency", Usage: "Count transparent events as busy"},
				},
				Action: freeBusyAction,
			},
			{
				Name:   "purge",
				Usage:  "Remove tombstones older than the configured retention",
				Action: purgeAction,
			},
			{
				Name:   "run",
				Usage:  "Run scheduled maintenance until interrupted",
				Action: runAction,
			},
		},
	}
}

func main() {
	cmd := newCommand()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
