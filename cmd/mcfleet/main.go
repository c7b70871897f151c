package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

// CreateFlags holds the admin form for a new server.
type CreateFlags struct {
	Name           string
	Flavor         string
	Memory         string
	MaxPlayers     int
	Difficulty     string
	Gamemode       string
	Seed           string
	MaxRuntime     int
	BackupInterval float64
}

// ServerFlags identifies one server for start/stop/delete/backup.
type ServerFlags struct {
	ID string
}

// CommandFlags holds the console command form.
type CommandFlags struct {
	ID      string
	Command string
}

// ValidateFlags scopes a reconciliation pass.
type ValidateFlags struct {
	FQDN   string
	DryRun bool
}

// buildRoot assembles the CLI command tree.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	createFlags := &CreateFlags{}
	startFlags := &ServerFlags{}
	stopFlags := &ServerFlags{}
	deleteFlags := &ServerFlags{}
	backupFlags := &ServerFlags{}
	commandFlags := &CommandFlags{}
	validateFlags := &ValidateFlags{}

	fleetCommand := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createCreateCommand(fleetCommand, createFlags),
		createStartCommand(fleetCommand, startFlags),
		createStopCommand(fleetCommand, stopFlags),
		createDeleteCommand(fleetCommand, deleteFlags),
		createSendCommandCommand(fleetCommand, commandFlags),
		createListCommand(fleetCommand),
		createBackupCommand(fleetCommand, backupFlags),
		createValidateCommand(fleetCommand, validateFlags),
		createWorkerCommand(fleetCommand),
		createServeCommand(fleetCommand),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "mcfleet",
		Short: "Ephemeral Minecraft fleet coordinator",
		Long: `Mcfleet coordinates ephemeral game server workers through a git-backed
document store. The control plane edits server documents and dispatches
workers; each worker supervises one game server, its tunnel and its backups.

Examples:
  mcfleet create --name="Sky World" --type=paper --memory=2G
  mcfleet start --id=ab12cd34
  mcfleet worker ab12cd34 paper
  mcfleet serve --config=mcfleet.toml`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createCreateCommand(fleetCommand command, flags *CreateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new server",
		Long: `Create a new server document and claim a pool identity for it.
The server starts out inactive; use 'mcfleet start' to launch a worker.

Examples:
  mcfleet create --name="Sky World" --type=paper
  mcfleet create --name="Modded" --type=forge --memory=4G --max-runtime=120`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fleetCommand.Create(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&flags.Flavor, "type", "vanilla", "server type: vanilla, paper, forge, fabric, bedrock")
	cmd.Flags().StringVar(&flags.Memory, "memory", "", "JVM heap size, e.g. 2G")
	cmd.Flags().IntVar(&flags.MaxPlayers, "max-players", 0, "player cap")
	cmd.Flags().StringVar(&flags.Difficulty, "difficulty", "", "world difficulty")
	cmd.Flags().StringVar(&flags.Gamemode, "gamemode", "", "default gamemode")
	cmd.Flags().StringVar(&flags.Seed, "seed", "", "world seed")
	cmd.Flags().IntVar(&flags.MaxRuntime, "max-runtime", 0, "runtime budget in minutes (0 = unlimited)")
	cmd.Flags().Float64Var(&flags.BackupInterval, "backup-interval", 0, "hours between scheduled backups (0 = off)")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}

func createStartCommand(fleetCommand command, flags *ServerFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Dispatch a worker for a server",
		Long: `Ask the configured dispatcher to launch a worker for a stopped server.

Examples:
  mcfleet start --id=ab12cd34`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fleetCommand.Start(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.ID, "id", "", "server id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createStopCommand(fleetCommand command, flags *ServerFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Request a graceful shutdown",
		Long: `Raise the shutdown flag on a server document. The worker notices the
flag on its next poll, warns players and shuts down with a final backup.

Examples:
  mcfleet stop --id=ab12cd34`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fleetCommand.Stop(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.ID, "id", "", "server id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createDeleteCommand(fleetCommand command, flags *ServerFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a stopped server",
		Long: `Delete a server document and release its pool identity. Active servers
are refused; stop them first.

Examples:
  mcfleet delete --id=ab12cd34`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fleetCommand.Delete(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.ID, "id", "", "server id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createSendCommandCommand(fleetCommand command, flags *CommandFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send-command",
		Short: "Queue a console command",
		Long: `Queue one console command for a running server. The worker delivers it
on its next poll. A still-pending previous command is a conflict.

Examples:
  mcfleet send-command --id=ab12cd34 --command="say hello"
  mcfleet send-command --id=ab12cd34 --command="weather clear"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fleetCommand.SendCommand(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.ID, "id", "", "server id (required)")
	cmd.Flags().StringVar(&flags.Command, "command", "", "console command (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("command"); err != nil {
		panic(err)
	}
	return cmd
}

func createListCommand(fleetCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all servers",
		Long: `List every server document, sorted by creation time.

Examples:
  mcfleet list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fleetCommand.List()
		},
	}
}

func createBackupCommand(fleetCommand command, flags *ServerFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot a server's world locally",
		Long: `Take an on-demand backup of a server's working directory. This operates
on local files; running workers take their own scheduled backups.

Examples:
  mcfleet backup --id=ab12cd34`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fleetCommand.Backup(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.ID, "id", "", "server id (required)")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createValidateCommand(fleetCommand command, flags *ValidateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-tunnels",
		Short: "Reconcile the tunnel mapping against DNS",
		Long: `Compare the recorded fqdn-to-tunnel mapping against live DNS and heal
any drift. DNS is authoritative; the recorded side is corrected.

Examples:
  mcfleet validate-tunnels
  mcfleet validate-tunnels --fqdn=mc-sky-world.example.co.uk
  mcfleet validate-tunnels --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fleetCommand.ValidateTunnels(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.FQDN, "fqdn", "", "validate a single fqdn (default: whole pool)")
	cmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "report mismatches without writing corrections")
	return cmd
}

func createWorkerCommand(fleetCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "worker <server_id> <type> [initialize_only]",
		Short: "Run one worker lifecycle",
		Long: `Supervise one game server for the lifetime of this process: start it,
establish its tunnel, poll its document for commands and shutdown
requests, take backups and finalize the document on exit.

With initialize_only the worker generates the world and stops without
establishing a tunnel.

Examples:
  mcfleet worker ab12cd34 paper
  mcfleet worker ab12cd34 vanilla initialize_only`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fleetCommand.Worker(args)
		},
	}
}

func createServeCommand(fleetCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the admin API server",
		Long: `Run the control plane HTTP server: server CRUD, command queueing,
tunnel validation and Prometheus metrics.

Examples:
  mcfleet serve --config=mcfleet.toml
  mcfleet serve mcfleet.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fleetCommand.Serve(args)
		},
	}
}
