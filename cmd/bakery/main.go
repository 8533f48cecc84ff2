// Command bakery runs one participant of a bakery-algorithm session: a
// replicated counter that participants increment under mutual exclusion.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreamware/bakery/internal/config"
)

func main() {
	os.Exit(submain(context.Background(), os.Args[1:]))
}

func submain(ctx context.Context, args []string) int {
	cmd := newRootCommand(viper.New())
	cmd.SetArgs(args)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "bakery: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bakery",
		Short:         "bakery runs one participant of a replicated mutual exclusion session",
		SilenceErrors: true,
		Example: `
  # Participant 1 creates the document and accepts replication streams
  bakery --id 1 --members 1=http://127.0.0.1:8001,2=http://127.0.0.1:8002 \
    --http-listen :8001 --sync-listen :9001

  # Participant 2 fetches the document from participant 1
  BAKERY_MEMBERS=1=http://127.0.0.1:8001,2=http://127.0.0.1:8002 \
    bakery --id 2 --http-listen :8002 --sync-peer 127.0.0.1:9001 --doc-source http://127.0.0.1:8001
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, nil)
		},
	}

	config.RegisterFlags(cmd.PersistentFlags())
	if err := config.Bind(v, cmd.PersistentFlags()); err != nil {
		panic(err)
	}
	cmd.AddCommand(newConfigCommand(v))
	return cmd
}

func newConfigCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
