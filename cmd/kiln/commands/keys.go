package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/config"
	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/store"
)

// KeysCmd groups tenant credential management.
var KeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage tenant API keys",
	Long: `Manage tenant accounts and their API keys.

Keys are bearer credentials; the store keeps only a digest, so a key is
shown exactly once at issue time.

Examples:
  kiln keys issue alice --tier free    # Create a tenant and print their key
  kiln keys issue acme --tier tier_top
  kiln keys list                       # Show all tenants and quota usage`,
}

var keysIssueCmd = &cobra.Command{
	Use:   "issue <user-id>",
	Short: "Create a tenant and issue their API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysIssue,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants with tier and quota usage",
	RunE:  runKeysList,
}

var issueTierFlag string

func init() {
	KeysCmd.AddCommand(keysIssueCmd)
	KeysCmd.AddCommand(keysListCmd)
	keysIssueCmd.Flags().StringVar(&issueTierFlag, "tier", "free", "Subscription tier: free, tier_mid, or tier_top")
}

func runKeysIssue(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openStore(cfg.Store.URI)
	if err != nil {
		return err
	}
	defer database.Close()
	st := store.New(database)

	key, err := store.GenerateAPIKey()
	if err != nil {
		return err
	}

	user, err := st.CreateUser(args[0], store.Tier(issueTierFlag), key)
	if err != nil {
		return errors.Wrapf(err, "failed to create user %s", args[0])
	}

	pterm.Success.Printf("Created tenant %s (tier %s)\n", user.ID, user.Tier)
	fmt.Println(key)
	pterm.Warning.Println("Store this key now; only its hash is kept.")
	return nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openStore(cfg.Store.URI)
	if err != nil {
		return err
	}
	defer database.Close()

	users, err := store.New(database).ListUsers()
	if err != nil {
		return err
	}
	if len(users) == 0 {
		pterm.Info.Println("No tenants")
		return nil
	}

	fmt.Printf("%-20s %-10s %-10s %-10s %-20s\n", "ID", "TIER", "DEPLOYS", "FTESTS", "CREATED")
	for _, u := range users {
		fmt.Printf("%-20s %-10s %-10s %-10s %-20s\n",
			u.ID, u.Tier,
			formatCounter(u.Deploy), formatCounter(u.FunctionTest),
			u.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

// formatCounter renders usage as used/cap, with "inf" for uncapped tiers.
func formatCounter(c store.Counter) string {
	if c.Unbounded() {
		return fmt.Sprintf("%d/inf", c.Count)
	}
	return fmt.Sprintf("%d/%d", c.Count, c.Limit)
}
