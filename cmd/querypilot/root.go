package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudbro-kube-ai/querypilot/pkg/ai"
	"github.com/cloudbro-kube-ai/querypilot/pkg/config"
	"github.com/cloudbro-kube-ai/querypilot/pkg/datasource"
	"github.com/cloudbro-kube-ai/querypilot/pkg/db"
	"github.com/cloudbro-kube-ai/querypilot/pkg/log"
	"github.com/cloudbro-kube-ai/querypilot/pkg/query"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "querypilot",
		Short:         "Ask questions of your databases in plain language, safely",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default: "+config.GetConfigPath()+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(
		newServeCmd(opts),
		newValidateCmd(opts),
		newFormatCmd(),
		newHistoryCmd(opts),
		newLLMCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}

// load reads the config file and applies the log level.
func (o *rootOptions) load() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.LoadConfigFrom(path)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if err := log.Init("querypilot"); err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		if err := log.SetLevel(cfg.LogLevel); err != nil {
			log.Warnf("ignoring log level %q: %v", cfg.LogLevel, err)
		}
	}
	return cfg, nil
}

// openHistory returns nil when history is disabled.
func openHistory(ctx context.Context, cfg *config.Config) (*db.Store, error) {
	h := cfg.History
	if !h.Enabled {
		return nil, nil
	}
	dbType := db.DBType(h.DBType)
	if dbType == "" {
		dbType = db.DBTypeSQLite
	}
	return db.OpenWithConfig(ctx, db.DBConfig{
		Type:     dbType,
		Host:     h.DBHost,
		Port:     h.DBPort,
		Database: h.DBName,
		Username: h.DBUser,
		Password: h.DBPassword,
		SSLMode:  h.DBSSLMode,
		Path:     cfg.GetEffectiveDBPath(),
	})
}

// connectConfigured opens every database named in the config. A failure is
// logged and the rest are still tried.
func connectConfigured(ctx context.Context, cfg *config.Config, conns *datasource.Manager) {
	for _, d := range cfg.Databases {
		kind, err := datasource.ParseKind(d.Type)
		if err != nil {
			log.Warnf("database %q: %v", d.Name, err)
			continue
		}
		if _, err := conns.Open(ctx, d.Name, kind, d.Credentials); err != nil {
			log.Warnf("database %q (%s): %v", d.Name, kind, err)
		}
	}
}

func newLLMClient(cfg *config.Config) (*ai.Client, error) {
	llm := cfg.EffectiveLLM()
	client, err := ai.NewClient(&llm)
	if err != nil {
		return nil, err
	}
	if !client.IsReady() {
		log.Warnf("%s provider is not ready; questions will fail until an API key or endpoint is configured", client.GetProvider())
	}
	return client, nil
}

func newService(cfg *config.Config, conns query.Connections, gen ai.Generator, history *db.Store) *query.Service {
	opts := query.Options{
		DefaultMode:       cfg.DefaultMode(),
		AutoSchema:        cfg.LLM.AutoSchema,
		BindConfirmations: cfg.Safety.BindConfirmations,
		PendingTTL:        cfg.Safety.PendingTTL,
		Policy:            newPolicy(cfg),
	}
	// A nil *db.Store must not become a non-nil Recorder.
	if history != nil {
		opts.History = history
	}
	return query.NewService(conns, gen, opts)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "querypilot version %s\n", Version)
			fmt.Fprintf(out, "  Build time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git commit: %s\n", GitCommit)
		},
	}
}
