package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"threestep/internal/bundle"
	"threestep/internal/config"
	"threestep/internal/engine"
	"threestep/internal/extract"
	"threestep/internal/failure"
	"threestep/internal/logging"
	"threestep/internal/output"
	"threestep/internal/pipeline"
	"threestep/internal/report"
	"threestep/internal/workspace"
)

// command describes a CLI subcommand.
type command struct {
	name  string
	short string
	usage string
	long  string
	run   func(args []string) error
}

var commands = []command{
	{
		name:  "init",
		short: "Write a starter pipeline.yaml",
		usage: "threestep init [dir]",
		long: `Write a starter pipeline.yaml into dir (default: current directory).

Errors if the file already exists.
`,
		run: runInit,
	},
	{
		name:  "render",
		short: "Render the stage-1 input without running the engine",
		usage: "threestep render [-config pipeline.yaml]",
		long: `Render the stage-1 enumeration model into <output_dir>/stage1/.

Writes stage1.inp and stage1.dat so the input can be reviewed or run by
hand. Stages 2 and 3 depend on stage-1 results and are not rendered.
`,
		run: runRender,
	},
	{
		name:  "run",
		short: "Run all three stages",
		usage: "threestep run [-config pipeline.yaml] [-yes] [-engine cmd] [-replay dir]",
		long: `Run the enumeration, covariate and distal-outcome stages in order.

After each stage the class proportions, drift and engine warnings are
shown and you are asked whether to continue. -yes skips the prompt and
proceeds unless the configured drift tolerance is exceeded.

-engine overrides the engine command; -replay plays back recorded runs
(<stage>.txtar) from a directory instead of invoking the engine.
`,
		run: runRun,
	},
	{
		name:  "extract",
		short: "Print the logit matrix from an engine output file",
		usage: "threestep extract [-classes K] [-reference R] [-class-variable c] <file.out>",
		long: `Parse an engine output file and print its classification logit
matrix with the reference column dropped, plus a summary of the saved
per-case data if the file declares any.

-reference defaults to the last class. -class-variable names the latent
class variable, whose column holds each case's most likely class.
`,
		run: runExtract,
	},
	{
		name:  "bundle",
		short: "Archive a run directory as a txtar bundle",
		usage: "threestep bundle [-config pipeline.yaml] [-o file] | bundle -x <file> <dir>",
		long: `Pack every artifact of the last run into a single text archive,
leaving out files matched by bundle.exclude in pipeline.yaml.

With -x, unpack a bundle into dir instead.
`,
		run: runBundle,
	},
	{
		name:  "status",
		short: "Summarize the last run",
		usage: "threestep status [-config pipeline.yaml]",
		long: `Print the run id and each stage's status, warnings and class
proportion drift from the run directory's manifest and reports.
`,
		run: runStatus,
	},
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "threestep — manual three-step latent class analysis\n\n")
	fmt.Fprintf(w, "Usage:\n  threestep <command> [arguments]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", cmd.name, cmd.short)
	}
	fmt.Fprintf(w, "\nRun 'threestep help <command>' for details on a specific command.\n")
}

func printCommandHelp(w io.Writer, name string) {
	for _, cmd := range commands {
		if cmd.name == name {
			fmt.Fprintf(w, "Usage: %s\n\n%s", cmd.usage, cmd.long)
			return
		}
	}
	fmt.Fprintf(w, "threestep: unknown command %q\n\nRun 'threestep help' for usage.\n", name)
}

func dispatch(args []string) error {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(os.Stdout)
		return nil
	}
	if args[0] == "help" {
		if len(args) >= 2 {
			printCommandHelp(os.Stdout, args[1])
		} else {
			printUsage(os.Stdout)
		}
		return nil
	}
	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(args[1:])
		}
	}
	return usageError(args[0], fmt.Errorf("unknown command %q", args[0]))
}

// flags returns a FlagSet for cmd that reports errors instead of exiting.
func flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// usageError appends the usage line of the named command, or the general
// usage line when name is not a command.
func usageError(name string, err error) error {
	usage := "threestep <command> [arguments] (see 'threestep help')"
	for _, cmd := range commands {
		if cmd.name == name {
			usage = cmd.usage
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%w\nusage: %s", err, usage)
	}
	return fmt.Errorf("usage: %s", usage)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.FileName
	}
	return config.Load(path)
}

// ---------------------------------------------------------------------------
// init
// ---------------------------------------------------------------------------

func runInit(args []string) error {
	if len(args) > 1 {
		return usageError("init", nil)
	}
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	path, err := config.Init(dir)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

// ---------------------------------------------------------------------------
// render
// ---------------------------------------------------------------------------

func runRender(args []string) error {
	fs := flags("render")
	cfgPath := fs.String("config", "", "path to pipeline.yaml")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return usageError("render", err)
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	r, err := pipeline.Render(cfg, filepath.Join(cfg.OutputPath(), pipeline.Stage1))
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s\n      %s\n", r.InputPath(), r.DataPath())
	return nil
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func runRun(args []string) error {
	fs := flags("run")
	cfgPath := fs.String("config", "", "path to pipeline.yaml")
	yes := fs.Bool("yes", false, "proceed through inspection gates without prompting")
	engineCmd := fs.String("engine", "", "engine command (overrides config)")
	replay := fs.String("replay", "", "directory of recorded runs to play back")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return usageError("run", err)
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Dir: cfg.OutputPath()})
	if err != nil {
		return err
	}
	defer logger.Close()

	var eng engine.Engine
	switch {
	case *replay != "":
		eng = &engine.Replay{Dir: *replay}
	case cfg.Engine.Replay != "":
		eng = &engine.Replay{Dir: cfg.ReplayPath()}
	default:
		cmd := cfg.Engine.Command
		if *engineCmd != "" {
			cmd = *engineCmd
		}
		r := engine.NewRunner(cmd, logger.Logger)
		if err := r.Available(); err != nil {
			return err
		}
		eng = r
	}

	auto := pipeline.AutoGate{Tolerance: cfg.DriftTolerance}
	var gate pipeline.Gate = auto
	if !*yes {
		gate = &promptGate{auto: auto, in: os.Stdin, out: os.Stdout}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	out, err := pipeline.New(cfg, eng, gate, logger.Logger).Run(ctx)
	if out != nil {
		fmt.Printf("run %s: %d of 3 stages complete, artifacts in %s\n", out.RunID, len(out.Stages), out.Dir)
	}
	return err
}

// ---------------------------------------------------------------------------
// extract
// ---------------------------------------------------------------------------

func runExtract(args []string) error {
	fs := flags("extract")
	k := fs.Int("classes", 0, "number of classes (default: from the logit table)")
	ref := fs.Int("reference", 0, "reference class (default: last)")
	classVar := fs.String("class-variable", "c", "latent class variable name")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return usageError("extract", err)
	}
	path := fs.Arg(0)
	res, err := output.ParseFile(path)
	if err != nil {
		return err
	}
	if err := engine.Classify(filepath.Base(path), res); err != nil {
		return err
	}
	if *k == 0 && res.ClassCounts != nil {
		*k = len(res.ClassCounts.LogitsMostLikely)
	}
	if *ref == 0 {
		*ref = *k
	}
	m, err := extract.Logits(res, *k, *ref)
	if err != nil {
		return err
	}
	fmt.Print(formatLogits(m))

	if res.SaveData == nil {
		return nil
	}
	d, err := extract.SavedData(res, filepath.Dir(path), extract.SavedDataOptions{
		Classes:      *k,
		LatentColumn: strings.ToUpper(*classVar),
	})
	if err != nil {
		return err
	}
	fmt.Printf("\nsaved data: %d cases, columns %s\n", d.Len(), strings.Join(d.Columns, " "))
	return nil
}

// ---------------------------------------------------------------------------
// bundle
// ---------------------------------------------------------------------------

func runBundle(args []string) error {
	fs := flags("bundle")
	cfgPath := fs.String("config", "", "path to pipeline.yaml")
	outPath := fs.String("o", "", "bundle file (default: <output_dir>/<run id>.txtar)")
	unpack := fs.String("x", "", "unpack this bundle")
	if err := fs.Parse(args); err != nil {
		return usageError("bundle", err)
	}

	if *unpack != "" {
		if fs.NArg() != 1 {
			return usageError("bundle", nil)
		}
		names, err := bundle.Unpack(*unpack, fs.Arg(0))
		if err != nil {
			return err
		}
		fmt.Printf("unpacked %d files into %s\n", len(names), fs.Arg(0))
		return nil
	}
	if fs.NArg() != 0 {
		return usageError("bundle", nil)
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	ws, err := workspace.Open(cfg.OutputPath())
	if err != nil {
		return err
	}
	dst := *outPath
	if dst == "" {
		dst = filepath.Join(ws.Dir, ws.Manifest.RunID+bundle.Ext)
	}
	a, err := bundle.Build(ws, func(rel string) bool {
		return strings.HasSuffix(rel, bundle.Ext) || cfg.Excluded(rel)
	})
	if err != nil {
		return err
	}
	if err := bundle.Write(a, dst); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d files)\n", dst, len(a.Files))
	return nil
}

// ---------------------------------------------------------------------------
// status
// ---------------------------------------------------------------------------

func runStatus(args []string) error {
	fs := flags("status")
	cfgPath := fs.String("config", "", "path to pipeline.yaml")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return usageError("status", err)
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	ws, err := workspace.Open(cfg.OutputPath())
	if err != nil {
		return err
	}
	var metas []*report.Meta
	for _, s := range ws.Manifest.Stages {
		m, err := report.ReadMeta(filepath.Join(ws.Dir, s.Dir, report.ReportFile))
		if err != nil {
			m = nil
		}
		metas = append(metas, m)
	}
	fmt.Print(formatStatus(ws.Manifest, metas))
	return nil
}

func main() {
	if err := dispatch(os.Args[1:]); err != nil {
		fmt.Fprint(os.Stderr, formatError(err))
		if errors.Is(err, pipeline.ErrHalted) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// formatError renders err with any engine diagnostics it carries.
func formatError(err error) string {
	var b strings.Builder
	b.WriteString(errorStyle.Render("error: "+err.Error()) + "\n")
	for _, d := range failure.Diagnostics(err) {
		b.WriteString(diagStyle.Render(d) + "\n")
	}
	return b.String()
}
