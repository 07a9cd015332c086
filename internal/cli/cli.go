// Package cli parses command-line arguments into a resolved configuration
// and maps run errors to process exit codes.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/wehubfusion/Daedalus/internal/config"
	"github.com/wehubfusion/Daedalus/internal/logging"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/partition"
)

// Exit codes.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfiguration = 2
	ExitEnumeration   = 3
	ExitNodeFailure   = 4
)

// Subcommands.
const (
	CommandRun   = "run"
	CommandSweep = "sweep"
)

// ExitError is an error that carries the process exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// ExitCode maps an error to the exit code the process should return.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch {
	case derrors.IsConfiguration(err):
		return ExitConfiguration
	case derrors.IsEnumeration(err):
		return ExitEnumeration
	case derrors.IsNodeFailure(err):
		return ExitNodeFailure
	}
	return ExitFailure
}

// Command is a parsed invocation.
type Command struct {
	Name   string
	Config *config.Config
	// Workers is the sweep's worker counts, in order
	Workers []int
}

const usage = `
Daedalus - bulk image transformation across isolated worker nodes.

Usage:
  daedalus run   [options]
  daedalus sweep [options] [-workers-list 1,2,4,8]

Precedence: flags > -config file > DAEDALUS_* environment > defaults.

Options:
`

// Parse processes args (without the program name). It returns the command,
// whether the program should exit cleanly (help was requested), or an
// ExitError.
func Parse(args []string, output io.Writer) (*Command, bool, error) {
	if len(args) == 0 {
		fmt.Fprint(output, usage)
		return nil, true, nil
	}

	name := args[0]
	switch name {
	case CommandRun, CommandSweep:
	case "-h", "-help", "--help", "help":
		fmt.Fprint(output, usage)
		return nil, true, nil
	default:
		return nil, false, &ExitError{Code: ExitConfiguration, Message: fmt.Sprintf("unknown command %q: want run or sweep", name)}
	}

	fs := flag.NewFlagSet("daedalus "+name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprint(output, usage)
		fs.PrintDefaults()
	}

	configPath := fs.String("config", "", "Path to an HCL config file.")
	mode := fs.String("mode", "", "Run mode: distributed, pooled or sequential.")
	nodes := fs.Int("nodes", 0, "Number of nodes (distributed mode).")
	workers := fs.Int("workers", 0, "Workers per node.")
	input := fs.String("input", "", "Dataset root of class folders.")
	outDir := fs.String("output", "", "Output root; defaults to output_<mode>.")
	baseline := fs.String("baseline", "", "Sequential baseline duration, e.g. 18.24s.")
	policy := fs.String("policy", "", "Remainder policy: leading or trailing.")
	extensions := fs.String("extensions", "", "Comma-separated file extensions to accept.")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn or error.")
	logFormat := fs.String("log-format", "", "Log format: console or json.")
	report := fs.String("report", "", "Write the JSON report to this path.")
	natsURL := fs.String("nats-url", "", "Share node results through this NATS server.")
	natsBucket := fs.String("nats-bucket", "", "JetStream key-value bucket for node results.")
	blobContainer := fs.String("blob-container", "", "Upload the JSON report to this Azure Blob container.")
	blobPrefix := fs.String("blob-prefix", "", "Blob name prefix for uploaded reports.")
	otlpEndpoint := fs.String("otlp-endpoint", "", "OTLP/HTTP collector host:port for traces.")
	sentryDSN := fs.String("sentry-dsn", "", "Sentry DSN for fatal error reporting.")
	font := fs.String("font", "", "TrueType font for the watermark.")
	text := fs.String("watermark", "", "Watermark text.")
	var workersList *string
	if name == CommandSweep {
		workersList = fs.String("workers-list", "1,2,4,8", "Comma-separated worker counts to compare.")
	}

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: ExitConfiguration, Message: err.Error()}
	}
	if fs.NArg() > 0 {
		return nil, false, &ExitError{Code: ExitConfiguration, Message: fmt.Sprintf("unexpected arguments: %v", fs.Args())}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, false, err
	}

	var applyErr error
	fs.Visit(func(f *flag.Flag) {
		if applyErr != nil {
			return
		}
		switch f.Name {
		case "mode":
			m, err := concurrency.ParseMode(*mode)
			if err != nil {
				applyErr = derrors.Configuration("%v", err)
				return
			}
			cfg.Mode = m
		case "nodes":
			cfg.Nodes = *nodes
		case "workers":
			cfg.Workers = *workers
		case "input":
			cfg.Input = *input
		case "output":
			cfg.Output = *outDir
		case "baseline":
			cfg.Baseline, applyErr = config.ParseBaseline(*baseline)
		case "policy":
			cfg.Policy, applyErr = partition.ParsePolicy(*policy)
		case "extensions":
			cfg.Extensions = config.SplitList(*extensions)
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "report":
			cfg.ReportPath = *report
		case "nats-url":
			cfg.NATSURL = *natsURL
		case "nats-bucket":
			cfg.NATSBucket = *natsBucket
		case "blob-container":
			cfg.BlobContainer = *blobContainer
		case "blob-prefix":
			cfg.BlobPrefix = *blobPrefix
		case "otlp-endpoint":
			cfg.OTLPEndpoint = *otlpEndpoint
		case "sentry-dsn":
			cfg.SentryDSN = *sentryDSN
		case "font":
			cfg.Watermark.FontPath = *font
		case "watermark":
			cfg.Watermark.Text = *text
		}
	})
	if applyErr != nil {
		return nil, false, applyErr
	}

	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return nil, false, derrors.Configuration("%v", err)
	}
	switch cfg.LogFormat {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		return nil, false, derrors.Configuration("invalid log format %q: must be console or json", cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	cmd := &Command{Name: name, Config: cfg}
	if workersList != nil {
		cmd.Workers, err = parseWorkers(*workersList)
		if err != nil {
			return nil, false, err
		}
	}
	return cmd, false, nil
}

func parseWorkers(s string) ([]int, error) {
	items := config.SplitList(s)
	if len(items) == 0 {
		return nil, derrors.Configuration("workers list cannot be empty")
	}
	out := make([]int, len(items))
	for i, item := range items {
		n, err := strconv.Atoi(item)
		if err != nil || n < 1 {
			return nil, derrors.Configuration("invalid worker count %q", item)
		}
		out[i] = n
	}
	return out, nil
}
