package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/campaigner/internal/queue"
)

var (
	queueListStatus   string
	queueListCampaign string
	queueListLimit    int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue management commands",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks in the queue",
	RunE:  runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <task_id>",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "Filter by status (queued, leased, sent, failed, cancelled)")
	queueListCmd.Flags().StringVar(&queueListCampaign, "campaign", "", "Filter by campaign ID")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of tasks to show")

	queueCmd.AddCommand(queueListCmd, queueShowCmd, queueStatsCmd)
	rootCmd.AddCommand(queueCmd)
}

// openQueueStorage opens the bolt file directly. These commands only work
// while the daemon is stopped; bolt holds an exclusive lock.
func openQueueStorage() (*queue.BoltStorage, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	storage, err := queue.NewBoltStorage(cfg.Storage.QueuePath, queue.Options{
		LeaseTTL: cfg.Queue.LeaseTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue storage: %w", err)
	}
	return storage, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	tasks, err := storage.List(context.Background(), queue.ListFilter{
		Status:     queue.TaskStatus(queueListStatus),
		CampaignID: queueListCampaign,
		Limit:      queueListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	if len(tasks) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCAMPAIGN\tRECIPIENT\tNOT BEFORE\tATTEMPTS")
	fmt.Fprintln(w, "--\t------\t--------\t---------\t----------\t--------")

	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			truncateID(t.ID),
			t.Status,
			truncateID(t.CampaignID),
			t.Recipient,
			t.NotBefore.Format("2006-01-02 15:04"),
			t.AttemptCount,
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d tasks\n", len(tasks))
	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	task, err := storage.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task not found: %s", args[0])
	}

	fmt.Printf("Task: %s\n\n", task.ID)
	fmt.Printf("Status:       %s\n", task.Status)
	fmt.Printf("Campaign:     %s\n", task.CampaignID)
	fmt.Printf("Recipient:    %s\n", task.Recipient)
	fmt.Printf("Subject:      %s\n", task.Subject)
	fmt.Printf("Not Before:   %s\n", task.NotBefore.Format(time.RFC3339))
	fmt.Printf("Attempts:     %d / %d\n", task.AttemptCount, task.MaxAttempts)
	fmt.Printf("Rate Limited: %d\n", task.RateLimitedCount)
	if task.VariantID != "" {
		fmt.Printf("Variant:      %s\n", task.VariantID)
	}
	if !task.LastAttemptAt.IsZero() {
		fmt.Printf("Last Attempt: %s\n", task.LastAttemptAt.Format(time.RFC3339))
	}
	if task.LastError != "" {
		fmt.Printf("Last Error:   %s\n", task.LastError)
	}
	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	storage, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	ov, err := storage.Overview(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get queue overview: %w", err)
	}

	fmt.Println("Queue statistics:")
	fmt.Printf("  Queued:    %d\n", ov.Queued)
	fmt.Printf("  Leased:    %d\n", ov.Leased)
	fmt.Printf("  Sent:      %d\n", ov.Sent)
	fmt.Printf("  Failed:    %d\n", ov.Failed)
	fmt.Printf("  Cancelled: %d\n", ov.Cancelled)
	fmt.Printf("  Total:     %d\n", ov.Total)

	if len(ov.Campaigns) > 0 {
		fmt.Println("\nPer campaign:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CAMPAIGN\tQUEUED\tLEASED\tSENT\tFAILED\tCANCELLED")
		for _, c := range ov.Campaigns {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
				c.CampaignID, c.Queued, c.Leased, c.Sent, c.Failed, c.Cancelled)
		}
		w.Flush()
	}
	return nil
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
