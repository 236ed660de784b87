package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"

	"github.com/CZERTAINLY/broker-testenv/internal/env"
	"github.com/CZERTAINLY/broker-testenv/internal/log"
	"github.com/CZERTAINLY/broker-testenv/internal/mockapi"
	"github.com/CZERTAINLY/broker-testenv/internal/model"
	"github.com/CZERTAINLY/broker-testenv/internal/service"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "brokerenv.yaml"

var (
	configPath string // actual config file used (if loaded)
	config     model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+defaultConfigFile+" in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	modeFlags(runCmd.Flags())
	modeFlags(envCmd.Flags())

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initBrokerEnv

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("brokerenv failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "brokerenv",
	Short:        "Runs the portier broker under test with a selected backend combination",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the broker, prints the mail it sends and stops on SIGINT or SIGTERM",
	RunE:  doRun,
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "env prints the broker environment for the selected modes",
	RunE:  doEnv,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return writeConfig(cmd.OutOrStdout(), config)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a brokerenv",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("brokerenv: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("brokerenv: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doEnv(cmd *cobra.Command, _ []string) error {
	modes, err := resolveModes(cmd.Flags(), config.Modes)
	if err != nil {
		return err
	}
	environment, err := env.Build(modes, config)
	if err != nil {
		return err
	}
	for _, kv := range environment.Environ() {
		if _, err := fmt.Fprintln(cmd.OutOrStdout(), kv); err != nil {
			return err
		}
	}
	return nil
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	modes, err := resolveModes(cmd.Flags(), config.Modes)
	if err != nil {
		return err
	}

	attrs := slog.Group("brokerenv",
		slog.String("cmd", "run"),
		slog.String("instance", uuid.NewString()),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	printer := &mailPrinter{w: cmd.OutOrStdout()}
	g, gctx := errgroup.WithContext(ctx)

	if modes.Mailer.UsesMailAPI() {
		// listen before the broker starts, so its first mail can't get lost
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", config.MockAPI)
		if err != nil {
			return fmt.Errorf("mock mail api: %w", err)
		}
		api := mockapi.New(printer)
		g.Go(func() error {
			return api.Serve(gctx, ln)
		})
	}

	g.Go(func() error {
		broker, err := service.Start(gctx, service.Options{
			Modes:  modes,
			Config: config,
			Sink:   printer,
		})
		if err != nil {
			return err
		}

		select {
		case <-gctx.Done():
			slog.InfoContext(gctx, "stopping broker")
			broker.Destroy()
			<-broker.Done()
			return nil
		case <-broker.Done():
			return fmt.Errorf("%w: %s", service.ErrExited, broker.ExitReason())
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// mailPrinter writes every captured mail to w.
type mailPrinter struct {
	mx sync.Mutex
	w  io.Writer
	n  int
}

func (p *mailPrinter) Deliver(ctx context.Context, body string) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.n++
	if _, err := fmt.Fprintf(p.w, "--- mail %d ---\n%s", p.n, body); err != nil {
		slog.WarnContext(ctx, "printing mail", "error", err)
	}
}

func initBrokerEnv(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("BROKERENV_CONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else if exists(defaultConfigFile) {
		configPath = defaultConfigFile
	}

	if configPath == "" {
		config = model.DefaultConfig()
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid config", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}

	slog.SetDefault(log.New(os.Stderr, config.Verbose))

	slog.Debug("brokerenv run", "configPath", configPath)
	slog.Debug("brokerenv run", "config", config)
	return nil
}

func writeConfig(w io.Writer, cfg model.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
