package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/conductorai/conductor/pkg/models"
)

func newRunCmd() *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "run <message>",
		Short: "Send one message to an agent and stream the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
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

			msg := &models.Message{
				ID:        uuid.NewString(),
				AgentID:   agentID,
				Role:      models.RoleUser,
				Content:   args[0],
				CreatedAt: time.Now().UTC(),
			}
			if err := a.store.AppendMessage(cmd.Context(), msg); err != nil {
				return err
			}

			// Print deltas as they stream; the run result is durable either way.
			go func() {
				for delta := range a.emitter.Deltas() {
					if delta.AgentID == agentID {
						fmt.Print(delta.Text)
					}
				}
			}()

			result, runErr := a.runner.Run(cmd.Context(), a.agentByID(agentID))
			if runErr != nil {
				return runErr
			}
			fmt.Println()
			fmt.Fprintf(os.Stderr, "run complete: attempts=%d tool_rounds=%d committed_seq=%d\n",
				result.Attempts, result.ToolRounds, result.CommittedSeq)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "default", "agent id to message")
	return cmd
}

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage agents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Agents) == 0 {
				fmt.Println("No agents configured.")
				return nil
			}
			for _, ag := range cfg.Agents {
				model := ag.Model
				if model == "" {
					model = "(provider default)"
				}
				fmt.Printf("%-24s model=%s tools=%d\n", ag.ID, model, len(ag.Tools))
			}
			return nil
		},
	})
	return cmd
}
