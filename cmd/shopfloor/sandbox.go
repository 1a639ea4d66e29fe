package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpataki/shopfloor/internal/logging"
	"github.com/mpataki/shopfloor/internal/remotefs"
	"github.com/mpataki/shopfloor/internal/sandbox"
)

func newSandboxCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Debug sandbox lifecycle directly",
	}
	cmd.AddCommand(newSandboxStartCommand())
	cmd.AddCommand(newSandboxExecCommand())
	cmd.AddCommand(newSandboxDestroyCommand())
	return cmd
}

func sandboxManager(cmd *cobra.Command) (*sandbox.Manager, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return newSandboxManager(cfg, log)
}

func printDebug(sb *sandbox.Sandbox) error {
	data, err := json.MarshalIndent(sb.DebugInfo(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func newSandboxStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Claim a sandbox and wait until it is ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := sandboxManager(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			sb, err := mgr.Start(ctx)
			if err != nil {
				return err
			}
			return printDebug(sb)
		},
	}
}

func newSandboxExecCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <claim> <command> [args...]",
		Short: "Run a command in an existing sandbox",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			cwd, _ := cmd.Flags().GetString("cwd")

			mgr, err := sandboxManager(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			sb, err := mgr.Attach(ctx, args[0])
			if err != nil {
				return err
			}
			res, err := sb.ExecuteCommand(ctx, args[1], args[2:], remotefs.CommandOptions{Timeout: timeout, Cwd: cwd})
			if err != nil {
				return err
			}
			fmt.Print(res.Stdout)
			fmt.Fprint(os.Stderr, res.Stderr)
			if res.TimedOut {
				return fmt.Errorf("command timed out")
			}
			if res.ExitCode != 0 {
				return fmt.Errorf("command exited with %d", res.ExitCode)
			}
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 30*time.Second, "Command timeout")
	cmd.Flags().String("cwd", "", "Working directory inside the sandbox")
	return cmd
}

func newSandboxDestroyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <claim>",
		Short: "Delete a sandbox claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := sandboxManager(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			sb := mgr.Handle(args[0])
			if err := sb.Destroy(ctx); err != nil {
				return err
			}
			fmt.Printf("Destroyed sandbox %s\n", args[0])
			return printDebug(sb)
		},
	}
}
