package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/havocsh/havoc-sub000/pkg/client"
)

// manifestEntry is one API envelope expressed in YAML. Entries are
// applied in file order so dependent resources can be declared together
// (portgroup before the listener that references it).
type manifestEntry struct {
	Command  string         `yaml:"command"`
	Resource string         `yaml:"resource"`
	Detail   map[string]any `yaml:"detail"`
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a YAML manifest of API requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		server, _ := cmd.Flags().GetString("server")
		apiKey, _ := cmd.Flags().GetString("api-key")
		secret, _ := cmd.Flags().GetString("secret")
		region, _ := cmd.Flags().GetString("region")
		apiDomain, _ := cmd.Flags().GetString("api-domain")

		if file == "" {
			return fmt.Errorf("a manifest file is required (-f)")
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		var entries []manifestEntry
		if err := yaml.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("failed to parse manifest: %w", err)
		}

		api := client.New(client.Config{
			BaseURL:   server,
			APIKey:    apiKey,
			Secret:    secret,
			Region:    region,
			APIDomain: apiDomain,
		})

		ctx := context.Background()
		for i, entry := range entries {
			if entry.Command == "" || entry.Resource == "" {
				return fmt.Errorf("entry %d: command and resource are required", i+1)
			}
			resp, err := api.Call(ctx, entry.Command, entry.Resource, entry.Detail)
			if err != nil {
				return fmt.Errorf("entry %d (%s %s): %w", i+1, entry.Command, entry.Resource, err)
			}
			if !resp.Success() {
				return fmt.Errorf("entry %d (%s %s): %s", i+1, entry.Command, entry.Resource, resp.Message)
			}
			fmt.Printf("%s %s: %s\n", entry.Command, entry.Resource, resp.Message)
		}
		return nil
	},
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "manifest file to apply")
	applyCmd.Flags().String("server", "http://127.0.0.1:8080", "control-plane base URL")
	applyCmd.Flags().String("api-key", os.Getenv("HAVOC_API_KEY"), "API key")
	applyCmd.Flags().String("secret", os.Getenv("HAVOC_SECRET"), "API secret")
	applyCmd.Flags().String("region", os.Getenv("HAVOC_REGION"), "deployment region")
	applyCmd.Flags().String("api-domain", os.Getenv("HAVOC_API_DOMAIN"), "API domain name")
}
