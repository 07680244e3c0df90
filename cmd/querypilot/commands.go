package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudbro-kube-ai/querypilot/pkg/config"
	"github.com/cloudbro-kube-ai/querypilot/pkg/db"
	"github.com/cloudbro-kube-ai/querypilot/pkg/safety"
)

var errRejected = errors.New("query rejected")

func newPolicy(cfg *config.Config) *safety.Policy {
	return safety.NewPolicy(safety.PolicyOptions{ConfirmUnknown: cfg.Safety.ConfirmUnknown})
}

func newValidateCmd(root *rootOptions) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "validate <sql>",
		Short: "Check a statement against a query mode without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			m := cfg.DefaultMode()
			if mode != "" {
				m = safety.ParseMode(mode)
			}
			_, verdict := newPolicy(cfg).Check(safety.DefaultClassifier, strings.Join(args, " "), m)
			if err := writeIndented(cmd.OutOrStdout(), verdict); err != nil {
				return err
			}
			if !verdict.Valid {
				return errRejected
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Query mode: read-only, safe, full-access (default from config)")
	return cmd
}

func newFormatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format [sql]",
		Short: "Pretty-print SQL (reads stdin when no argument is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			sql := strings.Join(args, " ")
			if len(args) == 0 {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				sql = string(b)
			}
			out, err := safety.Format(sql)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var (
		filter  db.HistoryFilter
		status  string
		asJSON  bool
		purge   bool
		olderBy int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List or purge recorded queries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			store, err := openHistory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("query history is disabled in the config")
			}
			defer store.Close()

			if purge {
				if olderBy <= 0 {
					return errors.New("--older-than must be a positive number of days")
				}
				n, err := store.Purge(cmd.Context(), time.Now().AddDate(0, 0, -olderBy))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d entries\n", n)
				return nil
			}

			filter.Status = db.Status(status)
			entries, err := store.Recent(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				return writeIndented(cmd.OutOrStdout(), entries)
			}
			return writeHistoryTable(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "Maximum entries")
	cmd.Flags().StringVar(&filter.ConversationID, "conversation", "", "Only this conversation")
	cmd.Flags().StringVar(&filter.TargetDatabase, "database", "", "Only this target database")
	cmd.Flags().StringVar(&status, "status", "", "Only this status: executed, pending, rejected, cancelled, failed")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	cmd.Flags().BoolVar(&purge, "purge", false, "Delete old entries instead of listing")
	cmd.Flags().IntVar(&olderBy, "older-than", 30, "With --purge, age in days")
	return cmd
}

func writeHistoryTable(w io.Writer, entries []db.HistoryEntry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tDATABASE\tMODE\tTYPE\tSTATUS\tROWS\tSQL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.TargetDatabase, e.Mode, e.QueryType, e.Status, e.RowCount, oneLine(e.SQL, 60))
	}
	return tw.Flush()
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func newLLMCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "llm",
		Short: "Language model provider commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Send a probe prompt to the configured provider",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			client, err := newLLMClient(cfg)
			if err != nil {
				return err
			}
			status := client.TestConnection(cmd.Context())
			if err := writeIndented(cmd.OutOrStdout(), status); err != nil {
				return err
			}
			if !status.Connected {
				return errors.New(status.Error)
			}
			return nil
		},
	})
	return cmd
}

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}
	path := func() string {
		if root.configPath != "" {
			return root.configPath
		}
		return config.GetConfigPath()
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := path()
			if _, err := os.Stat(p); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", p)
			}
			if err := config.NewDefaultConfig().SaveTo(p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", p)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file location",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), path())
			},
		},
		initCmd,
	)
	return cmd
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
