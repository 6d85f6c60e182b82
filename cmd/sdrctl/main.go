// sdrctl is the operator CLI for the SDR daemon: first-run setup, Gmail
// authorization, daemon status, learned rules, and the local audit trail.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/growlancer/sdr/internal/config"
	"github.com/growlancer/sdr/internal/sources"
	"github.com/growlancer/sdr/internal/storage"
)

var (
	configPath string
	envPath    string

	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sdrctl",
		Short: "Operator CLI for the SDR daemon",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", "", "path to .env file with secrets")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func openDB(cfg *config.Config) (*storage.DB, error) {
	db, err := storage.Open(storage.Config{Path: cfg.DBPath()})
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.DBPath(), err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and collect API keys",
		Long: `Creates the data directory with a default config.yaml and prompts
for the required API keys, which are written to a .env file next to
the config. Keys are read without echo.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			cfgFile := configPath
			if cfgFile == "" {
				cfgFile = filepath.Join(cfg.DataDir, "config.yaml")
			}
			if _, err := os.Stat(cfgFile); err == nil {
				fmt.Printf("Config already exists at %s, leaving it alone.\n", cfgFile)
			} else {
				if err := cfg.Save(cfgFile); err != nil {
					return fmt.Errorf("write config: %w", err)
				}
				fmt.Printf("Wrote default config to %s\n", cfgFile)
			}

			envFile := envPath
			if envFile == "" {
				envFile = filepath.Join(cfg.DataDir, ".env")
			}
			if _, err := os.Stat(envFile); err == nil {
				fmt.Printf("Secrets file already exists at %s, leaving it alone.\n", envFile)
				return nil
			}

			fmt.Println("\nEnter API keys (input is hidden, empty to skip optional keys):")
			keys := []struct {
				name     string
				required bool
			}{
				{"AIRTABLE_API_KEY", true},
				{"AIRTABLE_BASE_ID", true},
				{"ANTHROPIC_API_KEY", true},
				{"UNIPILE_DSN", false},
				{"UNIPILE_API_KEY", false},
				{"PERPLEXITY_API_KEY", false},
				{"APOLLO_API_KEY", false},
				{"RAPIDAPI_KEY", false},
			}

			var lines []string
			for _, key := range keys {
				label := key.name
				if !key.required {
					label += " (optional)"
				}
				fmt.Printf("%s: ", label)
				value, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("read %s: %w", key.name, err)
				}
				if len(value) == 0 {
					if key.required {
						return fmt.Errorf("%s is required", key.name)
					}
					continue
				}
				lines = append(lines, key.name+"="+string(value))
			}

			if err := os.WriteFile(envFile, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
				return fmt.Errorf("write secrets: %w", err)
			}
			fmt.Printf("Wrote secrets to %s\n", envFile)
			fmt.Println("\nNext: run `sdrctl auth gmail` if you want Gmail polling, then start sdrd.")
			return nil
		},
	}
}

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize channel access",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "gmail",
		Short: "Run the Gmail OAuth flow and store the token",
		Long: `Opens the Google consent flow in your browser and stores the
resulting token where the daemon expects it (GMAIL_TOKEN_PATH).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secrets := config.LoadSecrets(envPath)
			if _, err := os.Stat(secrets.GmailCredentialsPath); err != nil {
				return fmt.Errorf("gmail credentials not found at %s (set GMAIL_CREDENTIALS_PATH)", secrets.GmailCredentialsPath)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			fmt.Println("Starting Gmail authorization...")
			if err := sources.AuthorizeGmail(ctx, secrets.GmailCredentialsPath, secrets.GmailTokenPath); err != nil {
				return fmt.Errorf("gmail authorization failed: %w", err)
			}
			fmt.Printf("Token saved to %s\n", secrets.GmailTokenPath)
			return nil
		},
	})

	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status from the ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			url := fmt.Sprintf("http://%s:%d/api/status", cfg.API.Host, cfg.API.Port)
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("daemon not reachable at %s: %w", url, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}

			// Re-indent for the terminal.
			var pretty map[string]interface{}
			if err := json.Unmarshal(body, &pretty); err != nil {
				return fmt.Errorf("bad status response: %w", err)
			}
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage learned drafting rules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active rules, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			rules, err := storage.NewRuleStore(db).Active()
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				fmt.Println("No active rules.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCONFIDENCE\tCREATED\tRULE")
			for _, r := range rules {
				fmt.Fprintf(w, "%d\t%.2f\t%s\t%s\n", r.ID, r.Confidence, r.CreatedAt.Format("2006-01-02"), r.RuleText)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deactivate <id>",
		Short: "Retire a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad rule id %q", args[0])
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := storage.NewRuleStore(db).Deactivate(id); err != nil {
				return err
			}
			fmt.Printf("Rule %d deactivated.\n", id)
			return nil
		},
	})

	return cmd
}

func auditCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent local audit entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := storage.NewAuditStore(db).Recent(limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No audit entries yet.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACTION\tTRACE\tMESSAGE\tCONTACT")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format("01-02 15:04:05"), e.Action, e.TraceID, e.MessageID, e.ContactID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "number of entries to show")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sdrctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("sdrctl", version)
		},
	}
}
