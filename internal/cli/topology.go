package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func contextWithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func newTopologyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Ensure the stream exists and print its partition layout",
		Long: `Connect, create or attach to the stream, and print the subjects, the
subject transform, and the durable consumer binding of every partition.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, cleanup, err := opts.provider(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			cfg := p.Manager().Config()
			topo := p.Topology()
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "stream:     %s\n", topo.Stream)
			fmt.Fprintf(out, "provider:   %s\n", topo.Provider)
			fmt.Fprintf(out, "partitions: %d\n", topo.Partitions)
			fmt.Fprintf(out, "routing:    %s\n", cfg.RoutingMode)
			fmt.Fprintf(out, "subjects:   %v\n", topo.StreamSubjects())
			if tr := topo.Transform(); tr != nil {
				fmt.Fprintf(out, "transform:  %s -> %s\n", tr.Source, tr.Destination)
			}
			fmt.Fprintln(out)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PARTITION\tFILTER\tDURABLE")
			for partition := 0; partition < topo.Partitions; partition++ {
				b, err := topo.Binding(cfg.ConsumerPrefix, partition)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n", b.Partition, b.FilterSubject, b.Durable)
			}
			return tw.Flush()
		},
	}
}
