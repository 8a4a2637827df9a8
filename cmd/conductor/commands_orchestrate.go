package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conductorai/conductor/internal/orchestrator"
	"github.com/conductorai/conductor/pkg/models"
)

type orchestratorSubtask = orchestrator.Subtask

func (a *app) orchestrate(ctx context.Context, objective string, subtasks []orchestratorSubtask) (*orchestrator.Synthesis, error) {
	return a.orch.Run(ctx, objective, subtasks)
}

func newOrchestrateCmd() *cobra.Command {
	var subtaskArgs []string

	cmd := &cobra.Command{
		Use:   "orchestrate <objective>",
		Short: "Fan an objective out to agents and synthesize the results",
		Long: `Creates a task tree for the objective, dispatches each subtask to its
agent with bounded parallelism, and prints the synthesized result. Subtasks
are given as agent:objective pairs:

  conductor orchestrate "Compare the options" \
    --subtask researcher:"Collect the data" \
    --subtask analyst:"Evaluate the tradeoffs"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			subtasks := make([]orchestratorSubtask, 0, len(subtaskArgs))
			for _, pair := range subtaskArgs {
				agentID, objective, ok := strings.Cut(pair, ":")
				if !ok || agentID == "" || objective == "" {
					return fmt.Errorf("invalid subtask %q, expected agent:objective", pair)
				}
				subtasks = append(subtasks, orchestratorSubtask{AgentID: agentID, Objective: objective})
			}

			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
				defer cancel()
				a.close(ctx)
			}()

			syn, err := a.orchestrate(cmd.Context(), args[0], subtasks)
			if err != nil {
				return err
			}
			printSynthesis(syn)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&subtaskArgs, "subtask", nil, "subtask as agent:objective (repeatable)")
	return cmd
}

func printSynthesis(syn *orchestrator.Synthesis) {
	fmt.Printf("Task %s: %s\n", syn.RootID, syn.Status)
	for _, child := range syn.Children {
		marker := "✓"
		if child.Status != models.TaskSucceeded {
			marker = "✗"
		}
		fmt.Printf("  %s %s [%s] %s\n", marker, child.TaskID, child.Status, child.Objective)
	}
	if len(syn.Caveats) > 0 {
		fmt.Println("\nCaveats:")
		for _, caveat := range syn.Caveats {
			fmt.Printf("  - %s\n", caveat)
		}
	}
	if syn.Result != "" {
		fmt.Println("\n" + syn.Result)
	}
}
