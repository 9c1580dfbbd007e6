package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbormail/mailflow/internal/config"
	"github.com/arbormail/mailflow/internal/mailparse"
	"github.com/arbormail/mailflow/internal/message"
	"github.com/arbormail/mailflow/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue management commands",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show broker job counts",
	RunE:  runQueueStats,
}

var (
	ingestFrom string
	ingestTo   []string

	jobsState string
	jobsLimit int

	purgeOlderThan time.Duration
)

var queueJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List broker jobs",
	RunE:  runQueueJobs,
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete completed and dead-lettered jobs past retention",
	RunE:  runQueuePurge,
}

var queueIngestCmd = &cobra.Command{
	Use:   "ingest <message.eml>",
	Short: "Enqueue a raw message for delivery",
	Long:  "Read an RFC 5322 message from a file and enqueue a parse job for it",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueIngest,
}

func init() {
	queueIngestCmd.Flags().StringVar(&ingestFrom, "from", "", "envelope sender")
	queueIngestCmd.Flags().StringSliceVar(&ingestTo, "to", nil, "envelope recipient (repeatable)")
	queueIngestCmd.MarkFlagRequired("from")
	queueIngestCmd.MarkFlagRequired("to")

	queueJobsCmd.Flags().StringVar(&jobsState, "state", "", "filter by state (created, active, completed, failed)")
	queueJobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum jobs to list")

	queuePurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 48*time.Hour, "retention window")

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueJobsCmd)
	queueCmd.AddCommand(queueIngestCmd)
	queueCmd.AddCommand(queuePurgeCmd)
}

func openBroker(ctx context.Context) (queue.Store, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Broker.DSN == "" {
		return nil, fmt.Errorf("no broker dsn configured")
	}
	return queue.NewPostgresStore(ctx, cfg.Broker.DSN)
}

func runQueueStats(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := openBroker(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runQueueJobs(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := openBroker(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, err := store.List(ctx, jobsState, jobsLimit)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runQueuePurge(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := openBroker(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Purge(ctx, purgeOlderThan)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d jobs\n", n)
	return nil
}

func runQueueIngest(_ *cobra.Command, args []string) error {
	eml, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}

	mailFrom, err := message.NewAddress(ingestFrom)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	transport := &message.Transport{MailFrom: mailFrom, Headers: message.Headers{}}
	for _, to := range ingestTo {
		rcpt, err := message.NewAddress(to)
		if err != nil {
			return fmt.Errorf("invalid recipient %q: %w", to, err)
		}
		transport.RcptTo = append(transport.RcptTo, rcpt)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := openBroker(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	eml64 := base64.StdEncoding.EncodeToString(eml)

	// Reject unparseable input here rather than letting it dead-letter, and
	// honor any reserved routing headers the message itself carries.
	parsed, err := mailparse.NewParser().ParseBase64(eml64)
	if err != nil {
		return fmt.Errorf("parsing message: %w", err)
	}
	transport.Headers = message.CopyRoutingHeaders(message.Headers(parsed.Headers), transport.Headers)

	logger := newLogger("error", "text")
	manager := queue.NewManager(store, nil, logger)
	guid := message.ExtractGUID("", transport)
	if guid == "" {
		guid = message.GenerateGUID()
	}
	transport.GUID = guid

	item := queue.Item{
		Job:       queue.KindParse,
		GUID:      guid,
		EML64:     eml64,
		Transport: transport,
	}
	if err := manager.PushItem(ctx, queue.QueueMain, item); err != nil {
		return err
	}
	fmt.Printf("enqueued %s for %s\n", guid, strings.Join(ingestTo, ", "))
	return nil
}
