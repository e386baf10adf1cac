package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/willibrandon/chronodump/pkg/capsule"
	"github.com/willibrandon/chronodump/pkg/recorder"
)

// app carries the configuration shared by all commands.
type app struct {
	v       *viper.Viper
	cfgFile string
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "chronodump",
		Short: "Post-mortem debugging of saved Go crash capsules",
		Long: `chronodump opens crash capsules: snapshots of a failing goroutine's
stack, its local and package variables and the source it ran through,
saved with capsule.Recover or captured from a crashing binary with
"chronodump exec". A capsule can be inspected long after the process is
gone, on another machine.

Getting started:
  chronodump show crash.cdump               Print the trace and locals
  chronodump debug crash.cdump              Open the console debugger
  chronodump debug -b dap crash.cdump       Serve the capsule to an editor
  chronodump inspect --query message x.cdump
  chronodump exec ./server -- -port 8080    Capture a crash under delve

Configuration is read from $HOME/.chronodump.yaml and from CHRONODUMP_*
environment variables, e.g. CHRONODUMP_KEY or CHRONODUMP_LOG_LEVEL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.configure()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.chronodump.yaml)")
	pf.String("log-level", "warning", "log level: debug, info, warning or error")
	pf.String("key", "", "hex encoded key that seals and opens capsules (AES-GCM and HMAC)")
	pf.String("compression", string(recorder.DefaultCompression), "codec for written capsules: none, gzip or zstd")
	pf.String("archive", "", "capsule archive: a directory, or a .db file for SQLite (default is $HOME/.chronodump/archive.db)")
	for _, name := range []string{"log-level", "key", "compression", "archive"} {
		_ = a.v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(
		newDebugCmd(),
		newShowCmd(),
		newInspectCmd(),
		newExecCmd(a),
		newArchiveCmd(a),
		newVersionCmd(),
	)
	return root
}

// configure reads the config file and environment and applies them to
// the capsule package.
func (a *app) configure() error {
	v := a.v
	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		v.AddConfigPath(home)
		v.SetConfigName(".chronodump")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("CHRONODUMP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("source", true)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	} else {
		log.Debugf("using config file %s", v.ConfigFileUsed())
	}

	cfg := capsule.DefaultConfig()
	cfg.LogLevel = v.GetString("log-level")
	cfg.Compression = recorder.CompressionType(v.GetString("compression"))
	cfg.IncludeSource = v.GetBool("source")
	cfg.RedactPatterns = v.GetStringSlice("redact")
	cfg.ModuleAliases = v.GetStringMapString("aliases")
	cfg.OnFailure = func(err error) {
		log.Errorf("capture failed: %v", err)
	}
	if key := v.GetString("key"); key != "" {
		k, err := hex.DecodeString(key)
		if err != nil {
			return fmt.Errorf("invalid key: %w", err)
		}
		cfg.Security = recorder.NewSecurityOptions(
			recorder.WithEncryption(k),
			recorder.WithIntegrityCheck(k),
		)
	}
	return capsule.Setup(cfg)
}

// openArchive opens the configured archive, creating it if needed.
func (a *app) openArchive() (recorder.Recorder, error) {
	path := a.v.GetString("archive")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".chronodump", "archive.db")
	}
	switch filepath.Ext(path) {
	case ".db", ".sqlite", ".sqlite3":
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		return recorder.NewSQLiteRecorder(path)
	}
	return recorder.NewFileRecorder(path)
}
