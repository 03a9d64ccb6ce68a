package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/havocsh/havoc-sub000/pkg/agent"
	"github.com/havocsh/havoc-sub000/pkg/client"
	"github.com/havocsh/havoc-sub000/pkg/log"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	var (
		server       string
		apiKey       string
		secret       string
		region       string
		apiDomain    string
		taskName     string
		taskType     string
		taskContext  string
		pollInterval time.Duration
		logLevel     string
	)

	rootCmd := &cobra.Command{
		Use:     "havoc-agent",
		Short:   "Reference worker for the havoc control plane",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Init(log.Config{Level: log.Level(logLevel)})

			if taskName == "" {
				return fmt.Errorf("--task-name is required")
			}
			if apiKey == "" || secret == "" {
				return fmt.Errorf("--api-key and --secret are required")
			}

			worker := agent.New(agent.Config{
				API: client.New(client.Config{
					BaseURL:   server,
					APIKey:    apiKey,
					Secret:    secret,
					Region:    region,
					APIDomain: apiDomain,
				}),
				TaskName:     taskName,
				TaskType:     taskType,
				TaskContext:  taskContext,
				PollInterval: pollInterval,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	rootCmd.Flags().StringVar(&server, "server", "http://127.0.0.1:8080", "control-plane base URL")
	rootCmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("HAVOC_API_KEY"), "API key")
	rootCmd.Flags().StringVar(&secret, "secret", os.Getenv("HAVOC_SECRET"), "API secret")
	rootCmd.Flags().StringVar(&region, "region", os.Getenv("HAVOC_REGION"), "deployment region")
	rootCmd.Flags().StringVar(&apiDomain, "api-domain", os.Getenv("HAVOC_API_DOMAIN"), "API domain name")
	rootCmd.Flags().StringVar(&taskName, "task-name", "", "unique name for this worker")
	rootCmd.Flags().StringVar(&taskType, "task-type", "sandbox", "worker type")
	rootCmd.Flags().StringVar(&taskContext, "task-context", "", "deployment context label")
	rootCmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "instruction poll interval")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
