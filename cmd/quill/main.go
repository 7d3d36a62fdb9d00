package main

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/youruser/quill/internal/apperr"
	"github.com/youruser/quill/internal/commands"
	"github.com/youruser/quill/internal/config"
	"github.com/youruser/quill/internal/logging"
	"github.com/youruser/quill/internal/session"
	"github.com/youruser/quill/internal/vault"
)

//go:embed version.txt
var version string

// buildCommit is set via -ldflags or falls back to VCS info from debug.ReadBuildInfo.
var buildCommit string

var log = logging.Get()

// getBuildCommit returns the short commit hash, resolving from VCS build info if needed.
func getBuildCommit() string {
	if buildCommit != "" {
		return buildCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}
	return ""
}

func versionString() string {
	v := strings.TrimSpace(version)
	if commit := getBuildCommit(); commit != "" {
		return v + " (" + commit + ")"
	}
	return v
}

func logBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		log.Info("Build info: unavailable")
		return
	}
	var revision, modified string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}
	v := info.Main.Version
	if revision != "" {
		v = revision
	}
	if modified == "true" {
		v += " (modified)"
	}
	log.Info("Build: %s; go=%s", v, runtime.Version())
}

func main() {
	defer log.Close()
	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "quill: %s\n", apperr.Message(err))
		log.Close()
		os.Exit(1)
	}
}

// app holds everything a command needs, built from the global flags.
type app struct {
	store    *config.Store
	vault    vault.Store
	ctrl     *session.Controller
	commands *commands.Registry
}

type globalFlags struct {
	configPath string
	vaultDir   string
}

func (f *globalFlags) open(notices io.Writer) (*app, error) {
	path := f.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	store, err := config.Open(path)
	if err != nil {
		return nil, err
	}
	v, err := vault.Open(f.vaultDir)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	reg := commands.NewRegistry(store.Get())
	store.OnChange(reg.Rebuild)

	notifier := session.NotifyFunc(func(msg string) { fmt.Fprintln(notices, msg) })
	log.Info("config %s, vault %s", path, f.vaultDir)
	return &app{
		store:    store,
		vault:    v,
		ctrl:     session.NewController(store, v, notifier),
		commands: reg,
	}, nil
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "quill",
		Short:         "Stream AI generations into markdown notes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logBuildInfo()
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "settings file (default $QUILL_CONFIG or ~/.config/quill/settings.json)")
	root.PersistentFlags().StringVar(&flags.vaultDir, "vault", ".", "vault root directory")

	serve := newServeCmd(flags)
	root.RunE = serve.RunE
	root.AddCommand(
		serve,
		newGenerateCmd(flags),
		newCommandsCmd(flags),
		newSettingsCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "quill %s\n", versionString())
			},
		},
	)
	return root
}
