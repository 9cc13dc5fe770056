package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/vfaronov/turq/editor"
	"github.com/vfaronov/turq/mock"
	"github.com/vfaronov/turq/netx"
	"github.com/vfaronov/turq/rules"
	"github.com/vfaronov/turq/syncx"
	"github.com/vfaronov/turq/util/httpx"
)

const (
	defaultMockPort   = 13085
	defaultEditorPort = 13086
	defaultRules      = "error(404)\n"
)

type options struct {
	Bind           string  `yaml:"bind"`
	MockPort       int     `yaml:"mock_port"`
	EditorPort     int     `yaml:"editor_port"`
	IPv6           bool    `yaml:"ipv6"`
	NoEditor       bool    `yaml:"no_editor"`
	EditorPassword *string `yaml:"editor_password"`
	Rules          string  `yaml:"rules"`
	Watch          bool    `yaml:"watch"`
	MaxConns       int     `yaml:"max_conns"`
	Verbose        bool    `yaml:"verbose"`
	NoColor        bool    `yaml:"no_color"`
}

func main() {
	opts := options{
		MockPort:   defaultMockPort,
		EditorPort: defaultEditorPort,
	}
	var (
		configPath     string
		editorPassword string
	)

	rootCmd := &cobra.Command{
		Use:           "turq",
		Short:         "Mock HTTP server scripted with live-editable rules",
		Long: `Turq is a mock HTTP server for debugging and testing HTTP clients.
A short rules script decides how every request is answered; the script can
be swapped out from a web editor while connections stay open.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := loadConfig(configPath, &opts, cmd); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("editor-password") {
				opts.EditorPassword = &editorPassword
			}
			return run(&opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.Bind, "bind", "", "address to listen on (default: all interfaces)")
	flags.IntVar(&opts.MockPort, "mock-port", defaultMockPort, "port for the mock server")
	flags.IntVar(&opts.EditorPort, "editor-port", defaultEditorPort, "port for the rules editor")
	flags.BoolVar(&opts.IPv6, "ipv6", false, "listen on IPv6 instead of IPv4")
	flags.BoolVar(&opts.NoEditor, "no-editor", false, "do not start the rules editor")
	flags.StringVar(&editorPassword, "editor-password", "",
		"password for the rules editor (empty disables authentication)")
	flags.StringVar(&opts.Rules, "rules", "", "file with initial rules")
	flags.BoolVar(&opts.Watch, "watch", false, "reinstall rules when the --rules file changes")
	flags.IntVar(&opts.MaxConns, "max-conns", 0, "limit on concurrent mock connections (0 = unlimited)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "log every header and state change")
	flags.BoolVar(&opts.NoColor, "no-color", false, "disable colors in output")
	flags.StringVar(&configPath, "config", "", "YAML file with these same options")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "turq: %s\n", color.RedString("error: %s", err))
		os.Exit(1)
	}
}

// loadConfig fills opts from a YAML file; flags given on the command line
// still win.
func loadConfig(path string, opts *options, cmd *cobra.Command) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fromFile options
	fromFile.MockPort = -1
	fromFile.EditorPort = -1
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return fmt.Errorf("cannot parse %s: %w", path, err)
	}
	setIfDefault := func(name string, apply func()) {
		if !cmd.Flags().Changed(name) {
			apply()
		}
	}
	setIfDefault("bind", func() { opts.Bind = fromFile.Bind })
	setIfDefault("mock-port", func() {
		if fromFile.MockPort >= 0 {
			opts.MockPort = fromFile.MockPort
		}
	})
	setIfDefault("editor-port", func() {
		if fromFile.EditorPort >= 0 {
			opts.EditorPort = fromFile.EditorPort
		}
	})
	setIfDefault("ipv6", func() { opts.IPv6 = fromFile.IPv6 || opts.IPv6 })
	setIfDefault("no-editor", func() { opts.NoEditor = fromFile.NoEditor || opts.NoEditor })
	setIfDefault("editor-password", func() { opts.EditorPassword = fromFile.EditorPassword })
	setIfDefault("rules", func() {
		if fromFile.Rules != "" {
			opts.Rules = fromFile.Rules
		}
	})
	setIfDefault("watch", func() { opts.Watch = fromFile.Watch || opts.Watch })
	setIfDefault("max-conns", func() {
		if fromFile.MaxConns > 0 {
			opts.MaxConns = fromFile.MaxConns
		}
	})
	setIfDefault("verbose", func() { opts.Verbose = fromFile.Verbose || opts.Verbose })
	setIfDefault("no-color", func() { opts.NoColor = fromFile.NoColor || opts.NoColor })
	return nil
}

func run(opts *options) error {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
		DisableColors:   opts.NoColor || !term.IsTerminal(int(os.Stderr.Fd())),
	})
	if opts.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if opts.Watch && opts.Rules == "" {
		return fmt.Errorf("--watch requires --rules")
	}

	store := rules.NewStore(log)
	rulesName := "<default>"
	rulesSource := defaultRules
	if opts.Rules != "" {
		data, err := os.ReadFile(opts.Rules)
		if err != nil {
			return err
		}
		rulesName = opts.Rules
		rulesSource = string(data)
	}
	if err := store.Install(rulesName, rulesSource); err != nil {
		return fmt.Errorf("bad rules in %s: %w", rulesName, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mockListener, err := netx.Listen(opts.Bind, opts.MockPort, opts.IPv6)
	if err != nil {
		return err
	}
	if opts.MaxConns > 0 {
		mockListener = netutil.LimitListener(mockListener, opts.MaxConns)
	}
	mockURL := httpx.GuessExternalURL(opts.Bind, opts.MockPort)
	log.Infof("mock server on %s", mockURL)

	group, ctx := errgroup.WithContext(ctx)

	mockServer := mock.NewServer(mockListener, store, log, clockwork.NewRealClock())
	group.Go(func() error {
		return mockServer.Serve(ctx)
	})

	if !opts.NoEditor {
		editorListener, err := netx.Listen(opts.Bind, opts.EditorPort, opts.IPv6)
		if err != nil {
			mockListener.Close()
			return err
		}
		password := ""
		if opts.EditorPassword != nil {
			password = *opts.EditorPassword
		} else {
			password = generatePassword()
			log.Infof("editor password: %s", password)
		}
		editorServer, err := editor.NewServer(store, log, mockURL, password, cancel)
		if err != nil {
			mockListener.Close()
			editorListener.Close()
			return err
		}
		log.Infof("rules editor on %s", httpx.GuessExternalURL(opts.Bind, opts.EditorPort))
		group.Go(func() error {
			return editorServer.Serve(ctx, editorListener)
		})
	}

	if opts.Watch {
		watcher, err := watchRules(ctx, opts.Rules, store, log)
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	return group.Wait()
}

// watchRules reinstalls the rules file whenever it changes on disk. Writes
// are debounced: editors commonly produce several events per save.
func watchRules(ctx context.Context, path string, store *rules.Store, log *logrus.Logger) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	reload := syncx.NewFuncDebounce(200*time.Millisecond, func() {
		data, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).Errorf("cannot reload %s", path)
			return
		}
		if err := store.Install(path, string(data)); err != nil {
			log.Errorf("bad rules in %s: %s", path, err)
		}
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					reload.Call()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Error("rules watcher failed")
			}
		}
	}()
	return watcher, nil
}

// generatePassword makes a 24-character base64url password for the editor
// when none was given.
func generatePassword() string {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
