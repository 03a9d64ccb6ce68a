package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/havocsh/havoc-sub000/pkg/config"
	"github.com/havocsh/havoc-sub000/pkg/events"
	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/storage"
	"github.com/havocsh/havoc-sub000/pkg/users"
)

// User commands operate on the store directly so the first admin
// credential can be minted before the daemon has ever run.

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage API credentials",
}

var userAddCmd = &cobra.Command{
	Use:   "add <user-id>",
	Short: "Create an API credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		admin, _ := cmd.Flags().GetBool("admin")
		remoteTask, _ := cmd.Flags().GetBool("remote-task")
		taskName, _ := cmd.Flags().GetString("task-name")

		manager, store, err := openUserManager()
		if err != nil {
			return err
		}
		defer store.Close()

		cred, err := manager.Create("cli", &users.CreateRequest{
			UserID:     args[0],
			Admin:      admin,
			RemoteTask: remoteTask,
			TaskName:   taskName,
		})
		if err != nil {
			return err
		}

		fmt.Printf("user_id: %s\n", cred.UserID)
		fmt.Printf("api_key: %s\n", cred.APIKey)
		fmt.Printf("secret:  %s\n", cred.Secret)
		fmt.Println("The secret is shown once; store it now.")
		return nil
	},
}

var userDelCmd = &cobra.Command{
	Use:   "del <user-id>",
	Short: "Delete an API credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, store, err := openUserManager()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := manager.Delete("cli", args[0]); err != nil {
			return err
		}
		fmt.Printf("user %s deleted\n", args[0])
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, store, err := openUserManager()
		if err != nil {
			return err
		}
		defer store.Close()

		creds, err := manager.List()
		if err != nil {
			return err
		}
		fmt.Printf("%-20s %-34s %-6s %-12s %s\n", "USER", "API KEY", "ADMIN", "REMOTE TASK", "TASK")
		for _, c := range creds {
			fmt.Printf("%-20s %-34s %-6t %-12t %s\n", c.UserID, c.APIKey, c.Admin, c.RemoteTask, c.TaskName)
		}
		return nil
	},
}

func openUserManager() (*users.Manager, storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level)})

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}

	broker := events.NewBroker()
	broker.Start()
	return users.NewManager(store, broker), store, nil
}

func init() {
	userAddCmd.Flags().Bool("admin", false, "grant full API access")
	userAddCmd.Flags().Bool("remote-task", false, "restrict to the task-facing endpoints")
	userAddCmd.Flags().String("task-name", "", "pin a remote-task credential to one task name")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userDelCmd)
	userCmd.AddCommand(userListCmd)
}
