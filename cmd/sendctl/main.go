package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ignite/sendpipeline/internal/bootstrap"
	"github.com/ignite/sendpipeline/internal/config"
	"github.com/ignite/sendpipeline/internal/domain"
	"github.com/ignite/sendpipeline/internal/pkg/logger"
	"github.com/ignite/sendpipeline/internal/service/campaign"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "sendctl",
	Short: "Operate campaign sends",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Configure("warn", "text")
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [campaign-id]",
	Short: "Plan a draft campaign and submit its batches",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

var statusCmd = &cobra.Command{
	Use:   "status [campaign-id]",
	Short: "Show batch progress for a campaign, or one batch with --batch",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var retryCmd = &cobra.Command{
	Use:   "retry [batch-id]",
	Short: "Re-send a batch's unresolved failures now",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [campaign-id]",
	Short: "Stop submitting and expanding a campaign's batches",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var watchCmd = &cobra.Command{
	Use:   "watch [campaign-id]",
	Short: "Stream progress events until the campaign finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var (
	sendUser  string
	sendLists []string
	sendTags  []string
	batchID   string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config.yaml")

	sendCmd.Flags().StringVar(&sendUser, "user", "", "owner of the campaign and its contacts")
	sendCmd.Flags().StringSliceVar(&sendLists, "list", nil, "contact list id (repeatable)")
	sendCmd.Flags().StringSliceVar(&sendTags, "tag", nil, "required contact tag (repeatable)")
	statusCmd.Flags().StringVar(&batchID, "batch", "", "show a single batch")

	rootCmd.AddCommand(sendCmd, statusCmd, retryCmd, cancelCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func pipeline(ctx context.Context) (*bootstrap.Pipeline, error) {
	cfg, err := config.LoadFromEnv(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return bootstrap.Build(ctx, cfg)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := pipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	summary, err := p.Campaigns.Send(ctx, campaign.SendRequest{
		CampaignID: args[0],
		UserID:     sendUser,
		Filter:     domain.ContactFilter{ListIDs: sendLists, Tags: sendTags},
	})
	if err != nil {
		return err
	}
	// Flush anything an in-process fallback left buffered.
	p.Tracker.Close(context.WithoutCancel(ctx))
	return printJSON(summary)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if batchID == "" && len(args) == 0 {
		return errors.New("campaign id or --batch is required")
	}
	p, err := pipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	if batchID != "" {
		view, err := p.Campaigns.GetStatus(ctx, batchID)
		if err != nil {
			return err
		}
		return printJSON(view)
	}
	view, err := p.Campaigns.GetAllStatuses(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(view)
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := pipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	n, err := p.Campaigns.RetryBatch(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("retried %d recipients\n", n)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := pipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Campaigns.Cancel(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("campaign %s cancelled\n", args[0])
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	events, unsubscribe, err := p.Events.Subscribe(ctx, args[0], 256)
	if err != nil {
		return err
	}
	defer unsubscribe()

	for ev := range events {
		if ev.Email != "" {
			fmt.Printf("%s  %-18s batch=%s email=%s\n", ev.At.Format("15:04:05"), ev.Name, ev.JobID, logger.RedactEmail(ev.Email))
		} else {
			fmt.Printf("%s  %-18s batch=%s sent=%d failed=%d total=%d %s\n", ev.At.Format("15:04:05"), ev.Name,
				ev.JobID, ev.Counts.Sent, ev.Counts.Failed, ev.Counts.Total, ev.Status)
		}
		if ev.Name == domain.EventCampaignCompleted {
			return nil
		}
	}
	return ctx.Err()
}
