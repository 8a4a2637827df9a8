package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conductorai/conductor/pkg/models"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect task trees",
	}
	cmd.AddCommand(newTasksTreeCmd())
	return cmd
}

func newTasksTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <task-id>",
		Short: "Print a task and its descendants",
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

			tree, err := a.store.TaskTree(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTree(tree, args[0], 0)
			return nil
		},
	}
}

func printTree(tasks []*models.Task, id string, depth int) {
	var node *models.Task
	for _, t := range tasks {
		if t.ID == id {
			node = t
			break
		}
	}
	if node == nil {
		return
	}

	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	line := fmt.Sprintf("%s%s [%s]", indent, node.ID, node.Status)
	if node.Objective != "" {
		line += " " + node.Objective
	}
	if node.Error != "" {
		line += fmt.Sprintf(" (error: %s)", node.Error)
	}
	fmt.Println(line)

	for _, t := range tasks {
		if t.ParentID == id {
			printTree(tasks, t.ID, depth+1)
		}
	}
}
