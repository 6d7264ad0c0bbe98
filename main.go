package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/bradleyayers/rails/internal/buildinfo"
	"github.com/bradleyayers/rails/pkg/ivm"
	"github.com/bradleyayers/rails/pkg/script"
	"github.com/bradleyayers/rails/pkg/util"
	"github.com/bradleyayers/rails/pkg/visualize"
)

var (
	version    = "dev"
	commitHash = "n/a"
	buildDate  = "<unknown>"
)

func main() {
	var scriptFile, graphFormat string
	var autoCommit bool

	flag.StringVar(&scriptFile, "script", "", "The transaction script to run (YAML or JSON).")
	flag.StringVar(&graphFormat, "graph", "", "Print the propagation graph: \"dot\" or \"mermaid\".")
	flag.BoolVar(&autoCommit, "auto-commit", false,
		"Commit every mutation made outside of a transaction immediately.")

	opts := zap.Options{
		Development:     true,
		DestWriter:      os.Stderr,
		StacktraceLevel: zapcore.Level(3),
		TimeEncoder:     zapcore.RFC3339NanoTimeEncoder,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	logger := zap.New(zap.UseFlagOptions(&opts)).WithName("rails")
	setupLog := logger.WithName("setup")

	buildInfo := buildinfo.New(version, commitHash, buildDate)
	setupLog.Info(fmt.Sprintf("starting rails %s", buildInfo.String()))

	if scriptFile == "" {
		setupLog.Error(nil, "no script given, use -script")
		os.Exit(1)
	}

	var gen visualize.Generator
	if graphFormat != "" {
		g, err := visualize.NewGenerator(graphFormat)
		if err != nil {
			setupLog.Error(err, "invalid graph format")
			os.Exit(1)
		}
		gen = g
	}

	f, err := os.Open(scriptFile)
	if err != nil {
		setupLog.Error(err, "unable to open script", "file", scriptFile)
		os.Exit(1)
	}
	s, err := script.Load(f)
	f.Close() //nolint:errcheck
	if err != nil {
		setupLog.Error(err, "unable to load script", "file", scriptFile)
		os.Exit(1)
	}

	m := ivm.New(ivm.Options{Logger: logger, AutoCommit: autoCommit})
	rt, err := script.NewRuntime(m, s, logger)
	if err != nil {
		setupLog.Error(err, "unable to set up script runtime")
		os.Exit(1)
	}

	if gen != nil {
		fmt.Println(gen.Generate(visualize.BuildGraph(scriptFile, rt.Roots()...)))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rt.Run(ctx); err != nil {
		setupLog.Error(err, "problem running script")
		os.Exit(1) //nolint:gocritic
	}

	for _, res := range rt.Results() {
		fmt.Println(util.Stringify(res))
	}
}
