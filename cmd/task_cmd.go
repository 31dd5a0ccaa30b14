package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/toralehq/torale/internal/store"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage monitoring tasks on a running torale server",
	}
	cmd.PersistentFlags().String("api", envOr("TORALE_API", "http://localhost:8080"), "torale server base URL")
	cmd.PersistentFlags().String("user", envOr("TORALE_USER", ""), "user id sent as X-User-ID")

	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskRunCmd())
	cmd.AddCommand(taskPauseCmd())
	cmd.AddCommand(taskResumeCmd())
	cmd.AddCommand(taskDeleteCmd())
	cmd.AddCommand(taskExecutionsCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var name, schedule, query, condition, behavior, channel string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a monitoring task",
		Run: func(cmd *cobra.Command, args []string) {
			body := map[string]any{
				"name":                  name,
				"schedule":              schedule,
				"search_query":          query,
				"condition_description": condition,
				"notify_behavior":       behavior,
			}
			if channel != "" {
				body["config"] = map[string]string{"notify.channel": channel}
			}
			var task store.Task
			if err := clientFrom(cmd).post("/v1/tasks", body, &task); err != nil {
				fail(err)
			}
			fmt.Printf("Created task %s\n", task.ID)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the query)")
	cmd.Flags().StringVar(&schedule, "schedule", "", "5-field cron expression, UTC")
	cmd.Flags().StringVar(&query, "query", "", "search query to monitor")
	cmd.Flags().StringVar(&condition, "condition", "", "condition that triggers a notification")
	cmd.Flags().StringVar(&behavior, "behavior", "once", "notify behavior: once, always, or track_state")
	cmd.Flags().StringVar(&channel, "channel", "", "notification channel override")
	cobra.CheckErr(cmd.MarkFlagRequired("schedule"))
	cobra.CheckErr(cmd.MarkFlagRequired("query"))
	cobra.CheckErr(cmd.MarkFlagRequired("condition"))
	return cmd
}

func taskListCmd() *cobra.Command {
	var jsonOutput bool
	var showAll bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Run: func(cmd *cobra.Command, args []string) {
			path := "/v1/tasks?active=true"
			if showAll {
				path = "/v1/tasks"
			}
			var resp struct {
				Tasks []store.Task `json:"tasks"`
			}
			if err := clientFrom(cmd).get(path, &resp); err != nil {
				fail(err)
			}
			printTasks(resp.Tasks, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&showAll, "all", false, "include paused tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [taskId]",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var task store.Task
			if err := clientFrom(cmd).get("/v1/tasks/"+args[0], &task); err != nil {
				fail(err)
			}
			printJSON(task)
		},
	}
}

func taskRunCmd() *cobra.Command {
	var suppress bool
	cmd := &cobra.Command{
		Use:   "run [taskId]",
		Short: "Run a task immediately",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var resp struct {
				ExecutionID string `json:"execution_id"`
			}
			body := map[string]any{"suppress_notifications": suppress}
			if err := clientFrom(cmd).post("/v1/tasks/"+args[0]+"/run", body, &resp); err != nil {
				fail(err)
			}
			fmt.Printf("Execution %s started\n", resp.ExecutionID)
		},
	}
	cmd.Flags().BoolVar(&suppress, "suppress", false, "skip notification delivery for this run")
	return cmd
}

func taskPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause [taskId]",
		Short: "Pause a task's schedule",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := clientFrom(cmd).post("/v1/tasks/"+args[0]+"/pause", nil, nil); err != nil {
				fail(err)
			}
			fmt.Printf("Paused task %s\n", args[0])
		},
	}
}

func taskResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [taskId]",
		Short: "Resume a paused task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := clientFrom(cmd).post("/v1/tasks/"+args[0]+"/resume", nil, nil); err != nil {
				fail(err)
			}
			fmt.Printf("Resumed task %s\n", args[0])
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [taskId]",
		Short: "Delete a task and its schedule",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := clientFrom(cmd).delete("/v1/tasks/" + args[0]); err != nil {
				fail(err)
			}
			fmt.Printf("Deleted task %s\n", args[0])
		},
	}
}

func taskExecutionsCmd() *cobra.Command {
	var jsonOutput bool
	var limit int
	cmd := &cobra.Command{
		Use:   "executions [taskId]",
		Short: "List recent executions of a task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := fmt.Sprintf("/v1/tasks/%s/executions?limit=%d", args[0], limit)
			var resp struct {
				Executions []store.Execution `json:"executions"`
			}
			if err := clientFrom(cmd).get(path, &resp); err != nil {
				fail(err)
			}
			printExecutions(resp.Executions, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum executions to return")
	return cmd
}

func printTasks(tasks []store.Task, jsonOutput bool) {
	if jsonOutput {
		printJSON(tasks)
		return
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tBEHAVIOR\tACTIVE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", t.ID, t.Name, t.Schedule, t.Behavior, t.IsActive)
	}
	w.Flush()
}

func printExecutions(execs []store.Execution, jsonOutput bool) {
	if jsonOutput {
		printJSON(execs)
		return
	}
	if len(execs) == 0 {
		fmt.Println("No executions")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tCONDITION MET")
	for _, e := range execs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", e.ID, e.Status, e.StartedAt.Format("2006-01-02 15:04:05"), e.ConditionMet)
	}
	w.Flush()
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail(err)
	}
	fmt.Println(string(data))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	os.Exit(1)
}
