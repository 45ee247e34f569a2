package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/pbaille/classifier/internal/config"
	"github.com/pbaille/classifier/internal/store"
)

// set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	configPath   string
	dbPath       string
	addr         string
	tokenizerURL string
	logLevel     string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "classifier",
		Short:        "Item cache and classification engine",
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&dbPath, "db", "", "database path (overrides database.path)")
	flags.StringVar(&tokenizerURL, "tokenizer", "", "tokenizer service URL (overrides tokenizer.url)")
	flags.StringVar(&logLevel, "log-level", "", "log level. debug|info|warn|error|off")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(tagsCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// loadConfig reads the configuration file and applies flag overrides
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Database.Path = dbPath
	}
	if flags.Changed("addr") {
		cfg.Server.Addr = addr
	}
	if flags.Changed("tokenizer") {
		cfg.Tokenizer.URL = tokenizerURL
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	return cfg, cfg.Validate()
}

func getStore(path string) (*store.Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	return store.New(path)
}

// revision is the VCS revision the binary was built from
func revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			if rev := revision(); rev != "" {
				fmt.Printf("classifier %s (%s)\n", version, rev)
				return
			}
			fmt.Printf("classifier %s\n", version)
		},
	}
}
