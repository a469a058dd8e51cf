package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/agentd/internal/auth"
	"github.com/opencode-ai/agentd/internal/config"
	"github.com/opencode-ai/agentd/internal/storage"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	Long: `Issue, list and revoke the bearer tokens clients authenticate with.
The plaintext secret is shown once at creation; only its hash is
stored.`,
}

var keysCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Issue a new API key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "default"
		if len(args) > 0 {
			name = args[0]
		}

		keys, err := openKeyStore()
		if err != nil {
			return err
		}
		key, secret, err := keys.Create(context.Background(), name)
		if err != nil {
			return err
		}

		fmt.Printf("Key %s (%s) created.\n", key.ID, key.Name)
		fmt.Printf("Secret (shown once): %s\n", secret)
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := openKeyStore()
		if err != nil {
			return err
		}
		all, err := keys.List(context.Background())
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("No keys.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCREATED\tLAST USED")
		for _, key := range all {
			lastUsed := "never"
			if !key.LastUsedAt.IsZero() {
				lastUsed = key.LastUsedAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				key.ID, key.Name, key.CreatedAt.Format("2006-01-02 15:04"), lastUsed)
		}
		return w.Flush()
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := openKeyStore()
		if err != nil {
			return err
		}
		if err := keys.Revoke(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Key %s revoked.\n", args[0])
		return nil
	},
}

func init() {
	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysRevokeCmd)
}

func openKeyStore() (*auth.Store, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(workDir)
	if err != nil {
		return nil, err
	}
	return auth.NewStore(context.Background(), storage.New(cfg.StorageDir))
}
