package main

import (
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	logjson "github.com/apex/log/handlers/json"
	"github.com/spf13/cobra"

	"binpart/internal/config"
)

// app carries state shared by every subcommand once the root has run.
type app struct {
	configPath string
	logLevel   string
	logJSON    bool

	cfg *config.Config
	log *log.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "binpart",
		Short: "binpart - recursive-descent binary partitioner",
		Long: `binpart disassembles ELF executables by recursive descent and partitions
them into basic blocks, functions and a control-flow graph.

Commands:
  info       Print ELF summary (architecture, segments, symbols)
  partition  Partition a binary and write results
  disasm     Print per-function listings
  cfg        Print a function CFG as DOT
  compare    Compare two partition snapshots
  modules    List matcher modules

Use "binpart [command] --help" for more information about a command.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.SetVersionTemplate("binpart version {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.BoolVar(&a.logJSON, "log-json", false, "log as JSON lines")

	root.AddCommand(
		newInfoCmd(a),
		newPartitionCmd(a),
		newDisasmCmd(a),
		newCFGCmd(a),
		newCompareCmd(a),
		newModulesCmd(a),
	)
	return root
}

// setup loads the configuration and builds the logger. Flags override the
// config file.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logJSON {
		cfg.Log.JSON = true
	}
	lvl, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", cfg.Log.Level, err)
	}
	a.cfg = cfg
	a.log = newLogger(cmd.ErrOrStderr(), lvl, cfg.Log.JSON)
	return nil
}

func newLogger(w io.Writer, lvl log.Level, asJSON bool) *log.Logger {
	var h log.Handler = cli.New(w)
	if asJSON {
		h = logjson.New(w)
	}
	return &log.Logger{Handler: h, Level: lvl}
}
