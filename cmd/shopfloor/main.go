package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mpataki/shopfloor/internal/orchestration"
	"github.com/mpataki/shopfloor/internal/storage"
	"github.com/mpataki/shopfloor/internal/team"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "shopfloor",
		Short:         "Durable LLM agent runtime",
		Long:          "Shopfloor runs tool-using agents and agent teams as crash-recoverable workflows.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "TOML config file (default $SHOPFLOOR_CONFIG)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newOrchestrateCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newKillCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newServeAgentCommand())
	rootCmd.AddCommand(newSandboxCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// execute runs or resumes id and prints the final answer.
func execute(ctx context.Context, a *app, id string, resume bool) error {
	var out json.RawMessage
	var err error
	if resume {
		out, err = a.orch.Resume(ctx, id)
	} else {
		out, err = a.orch.Execute(ctx, id)
	}
	if err != nil {
		if ctx.Err() != nil {
			fmt.Printf("Interrupted. Continue with: shopfloor resume %s\n", id)
			return nil
		}
		return fmt.Errorf("execution failed: %w", err)
	}

	var res struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	fmt.Println(titleStyle.Render("Final answer"))
	fmt.Println(res.Content)
	return nil
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run a single agent on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			noExec, _ := cmd.Flags().GetBool("no-exec")

			ctx, cancel := signalContext()
			defer cancel()
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			inst, err := a.orch.StartAgent(args[0])
			if err != nil {
				return fmt.Errorf("failed to start instance: %w", err)
			}
			fmt.Printf("Created instance %s\n", inst.ID)

			if noExec {
				fmt.Println("Skipping execution (--no-exec)")
				return nil
			}
			return execute(ctx, a, inst.ID, false)
		},
	}

	cmd.Flags().Bool("no-exec", false, "Create the instance but don't execute it")
	cmd.Flags().StringP("repo", "r", "", "Git repository to seed local workspaces from")
	return cmd
}

func newOrchestrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orchestrate <team> <task>",
		Short: "Run a team of agents on a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			noExec, _ := cmd.Flags().GetBool("no-exec")

			ctx, cancel := signalContext()
			defer cancel()
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			inst, err := a.orch.StartOrchestration(teamRef(args[0]), args[1])
			if err != nil {
				return fmt.Errorf("failed to start orchestration: %w", err)
			}
			fmt.Printf("Created orchestration %s (team %s)\n", inst.ID, inst.Team)

			if noExec {
				fmt.Println("Skipping execution (--no-exec)")
				return nil
			}
			return execute(ctx, a, inst.ID, false)
		},
	}

	cmd.Flags().Bool("no-exec", false, "Create the instance but don't execute it")
	return cmd
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <instance-id>",
		Short: "Resume an interrupted instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			inst, err := a.orch.GetInstance(args[0])
			if err != nil {
				return fmt.Errorf("failed to get instance: %w", err)
			}
			fmt.Printf("Resuming %s %s at turn %d\n", inst.Kind, inst.ID, inst.Turn)
			return execute(ctx, a, inst.ID, true)
		},
	}
}

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <instance-id>",
		Short: "Replay an instance from its log without doing any work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			_, stats, err := a.orch.Verify(ctx, args[0])
			if err != nil {
				return fmt.Errorf("replay diverged after %d steps: %w", stats.Replayed, err)
			}
			fmt.Printf("Replayed %d steps from the log without executing any\n", stats.Replayed)
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show instance status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			inst, err := store.GetInstance(args[0])
			if err != nil {
				return fmt.Errorf("failed to get instance: %w", err)
			}

			fmt.Println(titleStyle.Render("Instance " + inst.ID))
			fmt.Println(label("Kind"), inst.Kind)
			fmt.Println(label("Status"), renderStatus(inst.Status))
			fmt.Println(label("Task"), inst.Task)
			if inst.Team != "" {
				fmt.Println(label("Team"), inst.Team)
				if t, err := team.Load(inst.Team, cfg.TeamDirs()); err == nil {
					fmt.Println(label("Agents"), strings.Join(team.AgentNames(t), ", "))
				}
			}
			fmt.Println(label("Turn"), inst.Turn)
			fmt.Println(label("Created"), storage.FormatTimeAgo(inst.CreatedAt))
			if inst.TraceID != "" {
				fmt.Println(label("Trace"), inst.TraceID)
			}
			if inst.Error != "" {
				fmt.Println(label("Error"), inst.Error)
			}

			steps, err := store.ListSteps(inst.ID)
			if err != nil {
				return err
			}
			if len(steps) > 0 {
				fmt.Println("\nSteps:")
				for _, s := range steps {
					line := fmt.Sprintf("  [%d] %s %s", s.Index, s.Kind, renderStepStatus(s.Status))
					if s.Attempts > 1 {
						line += dimStyle.Render(fmt.Sprintf(" (%d attempts)", s.Attempts))
					}
					if s.Error != "" {
						line += " " + dimStyle.Render(truncate(s.Error, 60))
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}

func newHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <instance-id>",
		Short: "Show an agent instance's conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			msgs, err := store.ListMessages(args[0])
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				inst, err := store.GetInstance(args[0])
				if err != nil {
					return err
				}
				return printContributions(inst.Result)
			}

			for _, m := range msgs {
				header := renderRole(m.Role)
				if m.Role == "tool" {
					header += dimStyle.Render(fmt.Sprintf(" %s (%s)", m.Name, m.ToolCallID))
				}
				fmt.Println(header)
				if m.Content != "" {
					fmt.Println(m.Content)
				}
				for _, tc := range m.ToolCalls {
					fmt.Println(dimStyle.Render(fmt.Sprintf("  -> %s %s [%s]", tc.Name, string(tc.Arguments), tc.ID)))
				}
				fmt.Println()
			}
			return nil
		},
	}
}

// printContributions shows an orchestration's turns from its result.
func printContributions(result json.RawMessage) error {
	if len(result) == 0 {
		fmt.Println("No history recorded yet.")
		return nil
	}
	var res orchestration.Result
	if err := json.Unmarshal(result, &res); err != nil {
		return err
	}
	for _, c := range res.Contributions {
		fmt.Println(roleAssistant.Render(c.Agent) + dimStyle.Render(fmt.Sprintf(" turn %d", c.Turn)))
		fmt.Println(c.Content)
		fmt.Println()
	}
	fmt.Println(titleStyle.Render("Final answer"))
	fmt.Println(res.Content)
	return nil
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			_, store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			instances, err := store.ListInstances(limit)
			if err != nil {
				return err
			}
			if len(instances) == 0 {
				fmt.Println("No instances found.")
				return nil
			}
			for _, inst := range instances {
				fmt.Printf("%s %-13s [%s] %s %s\n",
					inst.ID, inst.Kind, renderStatus(inst.Status),
					truncate(inst.Task, 50),
					dimStyle.Render(storage.FormatTimeAgo(inst.CreatedAt)))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of instances to show")
	return cmd
}

func newKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <instance-id>",
		Short: "Mark an instance failed so it is never resumed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.orch.Kill(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to kill instance: %w", err)
			}
			fmt.Printf("Killed instance %s\n", args[0])
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <instance-id>",
		Short: "Delete an instance, its log and its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.orch.Delete(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to delete instance: %w", err)
			}
			fmt.Printf("Deleted instance %s\n", args[0])
			return nil
		},
	}
}

func newServeAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-agent",
		Short: "Serve this process's agent to remote orchestrations over NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			a, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			appID := a.cfg.NATS.AppID
			if v, _ := cmd.Flags().GetString("app-id"); v != "" {
				appID = v
			}
			if appID == "" {
				return errors.New("an app id is required (--app-id or SHOPFLOOR_APP_ID)")
			}
			if a.nc == nil {
				return errors.New("a NATS url is required (SHOPFLOOR_NATS_URL)")
			}

			fmt.Printf("Serving agent %q on %s\n", appID, orchestration.Subject(appID))
			host := orchestration.NewAgentHost(a.nc, appID, a.orch.AgentRunner(appID), a.log)
			return host.Serve(ctx)
		},
	}
	cmd.Flags().String("app-id", "", "App id to serve (default $SHOPFLOOR_APP_ID)")
	return cmd
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
