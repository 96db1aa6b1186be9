package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/drblury/streambridge/internal/runtime/requestctx"
	"github.com/drblury/streambridge/internal/runtime/routing"
	"github.com/drblury/streambridge/internal/runtime/wire"
)

type publishOptions struct {
	namespace string
	key       string
	data      string
	count     int
	context   map[string]string
}

func newPublishCommand(root *rootOptions) *cobra.Command {
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish events under a routing key",
		Example: `  streambridge publish --stream events --namespace chat --key room-1 --data hello
  streambridge publish --stream events --namespace orders --key 42 --data '{"total":10}' --count 3 --ctx tenant=acme`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := wire.RoutingKey{Namespace: opts.namespace, Key: opts.key}
			if err := key.Validate(); err != nil {
				return err
			}
			if opts.count < 1 {
				return fmt.Errorf("count must be at least 1, got %d", opts.count)
			}

			p, cleanup, err := root.provider(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			events := make([][]byte, opts.count)
			for i := range events {
				events[i] = []byte(opts.data)
			}

			var values requestctx.Values
			if len(opts.context) > 0 {
				values = make(requestctx.Values, len(opts.context))
				for k, v := range opts.context {
					values[k] = v
				}
			}

			if err := p.Writer().Enqueue(cmd.Context(), key, events, values); err != nil {
				return err
			}

			partition := routing.Partition(key.Namespace, key.Key, p.Partitions())
			fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s (partition %s)\n",
				pluralize(opts.count, "event"), key, strconv.Itoa(partition))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.namespace, "namespace", "", "routing key namespace")
	flags.StringVar(&opts.key, "key", "", "routing key")
	flags.StringVar(&opts.data, "data", "", "payload of each event")
	flags.IntVar(&opts.count, "count", 1, "number of events to publish")
	flags.StringToStringVar(&opts.context, "ctx", nil, "request context values, key=value")
	_ = cmd.MarkFlagRequired("namespace")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func pluralize(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return strconv.Itoa(n) + " " + word + "s"
}
