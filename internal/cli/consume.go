package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/streambridge/internal/runtime/queue"
)

type consumeOptions struct {
	partition int
	max       int
	follow    bool
	ack       bool
	poll      time.Duration
}

func newConsumeCommand(root *rootOptions) *cobra.Command {
	opts := &consumeOptions{}

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Fetch records from one partition",
		Long: `Bind the durable consumer of a partition and print its records, one line
per record: sequence, delivery count, routing key, and payload.

Without --ack records are left unacknowledged and are redelivered once the
ack wait expires.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, cleanup, err := root.provider(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			r, err := p.NewReceiver(opts.partition)
			if err != nil {
				return err
			}
			if err := r.Initialize(cmd.Context(), root.timeout); err != nil {
				return err
			}
			defer func() {
				_ = r.Shutdown(context.Background(), 5*time.Second)
			}()

			return consume(cmd.Context(), r, opts, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.partition, "partition", 0, "partition to read")
	flags.IntVar(&opts.max, "max", 0, "maximum records per fetch, 0 for the batch size")
	flags.BoolVar(&opts.follow, "follow", false, "keep polling for new records until interrupted")
	flags.BoolVar(&opts.ack, "ack", false, "acknowledge records after printing them")
	flags.DurationVar(&opts.poll, "poll", 500*time.Millisecond, "pause between empty fetches with --follow")
	return cmd
}

func consume(ctx context.Context, r *queue.Receiver[[]byte], opts *consumeOptions, out io.Writer) error {
	for {
		batches, err := r.GetBatches(ctx, opts.max)
		for _, b := range batches {
			for _, event := range b.Events {
				fmt.Fprintf(out, "%d\t%d\t%s\t%s\n", b.Sequence.Stream, b.Delivered, b.RoutingKey, event)
			}
		}
		if opts.ack && len(batches) > 0 {
			if ackErr := r.MarkDelivered(ctx, batches); ackErr != nil {
				return ackErr
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if len(batches) == 0 {
			if !opts.follow {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(opts.poll):
			}
		}
	}
}
