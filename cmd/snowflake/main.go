// Command snowflake is the thin CLI entrypoint: parse flags, load
// configuration, wire the engine's components together, and dispatch to
// the one subcommand this spec needs. Wiring style follows please's
// top-level flag parsing (src/cli/flags.go's ParseFlagsOrDie) reduced to
// the single `build` verb this repository exposes.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/thought-machine/go-flags"
	gologging "gopkg.in/op/go-logging.v1"

	"github.com/thought-machine/snowflake/internal/cache"
	"github.com/thought-machine/snowflake/internal/config"
	"github.com/thought-machine/snowflake/internal/evaluator"
	"github.com/thought-machine/snowflake/internal/hash"
	"github.com/thought-machine/snowflake/internal/journal"
	"github.com/thought-machine/snowflake/internal/logging"
	"github.com/thought-machine/snowflake/internal/metrics"
	"github.com/thought-machine/snowflake/internal/runner"
	"github.com/thought-machine/snowflake/internal/ruleset"
	"github.com/thought-machine/snowflake/internal/scratch"
	"github.com/thought-machine/snowflake/internal/stash"
)

var log = gologging.MustGetLogger("main")

var opts struct {
	Verbosity int    `short:"v" long:"verbosity" description:"Log verbosity, 0-3"`
	Config    string `long:"config" description:"Path to .snowflakeconfig" default:".snowflakeconfig"`

	Build struct {
		RuleFile string `positional-arg-name:"rulefile" description:"JSON rule file" required:"true"`
		RuleName string `positional-arg-name:"rule" description:"Name of the rule to build" required:"true"`
	} `command:"build" description:"Build a rule and print its output hash"`
}

func main() {
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logging.Init(logging.ParseLevel(opts.Verbosity))

	if parser.Active == nil || parser.Active.Name != "build" {
		fmt.Fprintln(os.Stderr, "expected the \"build\" command")
		os.Exit(1)
	}

	if err := runBuild(); err != nil {
		log.Error("%s", err)
		os.Exit(1)
	}
}

func runBuild() error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	root := cfg.Snowflake.Root
	h := newHasher(cfg, root)

	c, err := cache.New(filepath.Join(root, "cache"))
	if err != nil {
		return err
	}
	sc, err := scratch.New(filepath.Join(root, "scratch"), cfg.Snowflake.CopyTool)
	if err != nil {
		return err
	}
	st, err := stash.New(filepath.Join(root, "stash"))
	if err != nil {
		return err
	}
	r, err := runner.New(cfg.Snowflake.ShellTool)
	if err != nil {
		return err
	}
	j, err := journal.Open(filepath.Join(root, "journal"))
	if err != nil {
		return err
	}
	defer j.Close()

	m := metrics.New()
	defer func() {
		if pushErr := m.Push(cfg.Snowflake.MetricsPushGatewayURL, "snowflake"); pushErr != nil {
			log.Warning("%s", pushErr)
		}
	}()

	eval := evaluator.New(h, c, sc, r, st, j, m)

	doc, err := ruleset.Load(opts.Build.RuleFile)
	if err != nil {
		return err
	}
	rule, err := ruleset.Build(doc, opts.Build.RuleName)
	if err != nil {
		return err
	}

	outputHash, err := eval.Evaluate(rule)
	if err != nil {
		return err
	}
	fmt.Println(outputHash.String())
	fmt.Println(st.OutputPath(outputHash))
	return nil
}

func newHasher(cfg *config.Config, root string) *hash.Hasher {
	switch cfg.Snowflake.HashFunction {
	case "blake3":
		return hash.New(hash.NewBLAKE3, root, false)
	default:
		return hash.New(hash.NewSHA256, root, false)
	}
}
