package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3liz/qgswps/internal/log"
	"github.com/3liz/qgswps/internal/model"
)

var (
	userConfigPath string // /default/config/path/qgswps on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = os.TempDir()
	}
	userConfigPath = filepath.Join(d, "qgswps")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is qgswps.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initQgswps

	workerCmd.Flags().IntVar(&flagMaxCycles, "maxcycles", 0, "exit after that many tasks")
	workerEndpoints.BindFlags(workerCmd.Flags())
	catalogCmd.Flags().StringVar(&flagIdentifier, "identifier", "", "process to contextualize")
	catalogCmd.Flags().StringVar(&flagMap, "map", "", "map the process is contextualized for")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(catalogCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("qgswps failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "qgswps",
	Short:        "Processing server for WPS 1.0 and OGC API Processes",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the http server and its worker pool",
	RunE:  doServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return enc.Close()
	},
}

var workerCmd = &cobra.Command{
	Use:    "_worker",
	Short:  "internal command",
	RunE:   doWorker,
	Hidden: true,
}

var catalogCmd = &cobra.Command{
	Use:    "_catalog",
	Short:  "internal command",
	RunE:   doCatalog,
	Hidden: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of qgswps",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("qgswps: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("qgswps: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initQgswps(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("QGSWPSCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "qgswps.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	v, err := model.NewViper(configPath)
	if err != nil {
		return err
	}
	config, err = model.LoadConfig(v)
	if err != nil {
		var cerr *model.ConfigError
		if errors.As(err, &cerr) {
			slog.Error("invalid configuration", "details", cerr)
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Logging.Level = "debug"
	}
	// workers cannot reach the memory of the server
	if config.Store.Backend == model.StoreMemory {
		config.Server.InProcess = true
	}

	slog.SetDefault(log.New(config.Logging.Level, os.Stderr))
	slog.Debug("qgswps run", "configPath", configPath)
	return nil
}

// childArgs are the arguments of a child process running the hidden cmd
// with the same configuration.
func childArgs(cmd string) []string {
	args := []string{cmd}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if flagVerbose {
		args = append(args, "--verbose")
	}
	return args
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
