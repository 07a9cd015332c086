// Package config resolves run settings from defaults, the environment and an
// optional HCL file. Command-line flags are applied on top by the caller.
package config

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/imaging"
	"github.com/wehubfusion/Daedalus/pkg/partition"
)

// DefaultInput is the dataset root used when nothing else is configured.
const DefaultInput = "images_dataset"

// Config is the fully resolved run configuration.
type Config struct {
	Input string
	// Output defaults to "output_<mode>" when empty
	Output     string
	Mode       concurrency.Mode
	Nodes      int
	Workers    int
	Policy     partition.Policy
	Baseline   time.Duration
	Extensions []string
	ReportPath string

	LogLevel  string
	LogFormat string

	Watermark imaging.Options

	NATSURL    string
	NATSBucket string

	BlobConnection string
	BlobContainer  string
	BlobPrefix     string

	OTLPEndpoint string
	SentryDSN    string

	EffectiveCPUs int
	IsKubernetes  bool
}

// File is the HCL schema of a config file.
//
//	input    = "images_dataset"
//	mode     = "distributed"
//	nodes    = 2
//	workers  = 4
//	baseline = "18.24s"
//
//	watermark {
//	  text = "© AttiaAI"
//	}
type File struct {
	Input      *string  `hcl:"input,optional"`
	Output     *string  `hcl:"output,optional"`
	Mode       *string  `hcl:"mode,optional"`
	Nodes      *int     `hcl:"nodes,optional"`
	Workers    *int     `hcl:"workers,optional"`
	Policy     *string  `hcl:"policy,optional"`
	Baseline   *string  `hcl:"baseline,optional"`
	Extensions []string `hcl:"extensions,optional"`
	Report     *string  `hcl:"report,optional"`

	Log       *LogBlock       `hcl:"log,block"`
	Watermark *WatermarkBlock `hcl:"watermark,block"`
	NATS      *NATSBlock      `hcl:"nats,block"`
	Blob      *BlobBlock      `hcl:"blob,block"`
	Telemetry *TelemetryBlock `hcl:"telemetry,block"`
}

type LogBlock struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

type WatermarkBlock struct {
	Text     *string  `hcl:"text,optional"`
	Font     *string  `hcl:"font,optional"`
	FontSize *float64 `hcl:"font_size,optional"`
	Width    *int     `hcl:"width,optional"`
	Height   *int     `hcl:"height,optional"`
	Margin   *int     `hcl:"margin,optional"`
	Opacity  *int     `hcl:"opacity,optional"`
	Quality  *int     `hcl:"quality,optional"`
}

type NATSBlock struct {
	URL    *string `hcl:"url,optional"`
	Bucket *string `hcl:"bucket,optional"`
}

type BlobBlock struct {
	ConnectionString *string `hcl:"connection_string,optional"`
	Container        *string `hcl:"container,optional"`
	Prefix           *string `hcl:"prefix,optional"`
}

type TelemetryBlock struct {
	OTLPEndpoint *string `hcl:"otlp_endpoint,optional"`
	SentryDSN    *string `hcl:"sentry_dsn,optional"`
}

// Load resolves defaults and environment, then applies the file at path if
// path is not empty.
func Load(path string) (*Config, error) {
	c, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := c.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// FromEnv returns defaults overridden by DAEDALUS_* environment variables.
// Node and worker counts come from concurrency.LoadConfig, which falls back
// to the host's usable CPUs when they are unset. Out-of-range values are
// kept so Validate rejects them.
func FromEnv() (*Config, error) {
	cc := concurrency.LoadConfig()
	if err := cc.EnvError(); err != nil {
		return nil, derrors.Configuration("%v", err)
	}

	c := &Config{
		Input:          getEnv("DAEDALUS_INPUT", DefaultInput),
		Output:         os.Getenv("DAEDALUS_OUTPUT"),
		Mode:           cc.Mode,
		Nodes:          cc.Nodes,
		Workers:        cc.WorkersPerNode,
		Policy:         partition.PolicyLeading,
		ReportPath:     os.Getenv("DAEDALUS_REPORT"),
		LogLevel:       getEnv("DAEDALUS_LOG_LEVEL", "info"),
		LogFormat:      getEnv("DAEDALUS_LOG_FORMAT", "console"),
		Watermark:      imaging.DefaultOptions(),
		NATSURL:        os.Getenv("DAEDALUS_NATS_URL"),
		NATSBucket:     os.Getenv("DAEDALUS_NATS_BUCKET"),
		BlobConnection: getEnv("DAEDALUS_BLOB_CONNECTION", os.Getenv("AZURE_STORAGE_CONNECTION_STRING")),
		BlobContainer:  os.Getenv("DAEDALUS_BLOB_CONTAINER"),
		BlobPrefix:     os.Getenv("DAEDALUS_BLOB_PREFIX"),
		OTLPEndpoint:   os.Getenv("DAEDALUS_OTLP_ENDPOINT"),
		SentryDSN:      os.Getenv("SENTRY_DSN"),
		EffectiveCPUs:  cc.EffectiveCPUs,
		IsKubernetes:   cc.IsKubernetes,
	}
	c.Watermark.FontPath = os.Getenv("DAEDALUS_FONT")

	if v := os.Getenv("DAEDALUS_POLICY"); v != "" {
		p, err := partition.ParsePolicy(v)
		if err != nil {
			return nil, err
		}
		c.Policy = p
	}
	if v := os.Getenv("DAEDALUS_BASELINE"); v != "" {
		d, err := ParseBaseline(v)
		if err != nil {
			return nil, err
		}
		c.Baseline = d
	}
	if v := os.Getenv("DAEDALUS_EXTENSIONS"); v != "" {
		c.Extensions = SplitList(v)
	}

	return c, nil
}

// ApplyFile decodes the HCL file at path and overrides every field it sets.
func (c *Config) ApplyFile(path string) error {
	var f File
	if err := hclsimple.DecodeFile(path, nil, &f); err != nil {
		return derrors.NewError(derrors.CodeConfiguration, fmt.Sprintf("cannot load config file %q", path), err)
	}
	return c.apply(&f)
}

func (c *Config) apply(f *File) error {
	setString(&c.Input, f.Input)
	setString(&c.Output, f.Output)
	setInt(&c.Nodes, f.Nodes)
	setInt(&c.Workers, f.Workers)
	setString(&c.ReportPath, f.Report)
	if f.Extensions != nil {
		c.Extensions = f.Extensions
	}

	if f.Mode != nil {
		m, err := concurrency.ParseMode(*f.Mode)
		if err != nil {
			return derrors.Configuration("%v", err)
		}
		c.Mode = m
	}
	if f.Policy != nil {
		p, err := partition.ParsePolicy(*f.Policy)
		if err != nil {
			return err
		}
		c.Policy = p
	}
	if f.Baseline != nil {
		d, err := ParseBaseline(*f.Baseline)
		if err != nil {
			return err
		}
		c.Baseline = d
	}

	if l := f.Log; l != nil {
		setString(&c.LogLevel, l.Level)
		setString(&c.LogFormat, l.Format)
	}
	if w := f.Watermark; w != nil {
		setString(&c.Watermark.Text, w.Text)
		setString(&c.Watermark.FontPath, w.Font)
		if w.FontSize != nil {
			c.Watermark.FontSize = *w.FontSize
		}
		setInt(&c.Watermark.Width, w.Width)
		setInt(&c.Watermark.Height, w.Height)
		setInt(&c.Watermark.Margin, w.Margin)
		setInt(&c.Watermark.Quality, w.Quality)
		if w.Opacity != nil {
			if *w.Opacity < 0 || *w.Opacity > 255 {
				return derrors.Configuration("watermark opacity must be 0-255, got %d", *w.Opacity)
			}
			c.Watermark.Color = color.NRGBA{R: 255, G: 255, B: 255, A: uint8(*w.Opacity)}
		}
	}
	if n := f.NATS; n != nil {
		setString(&c.NATSURL, n.URL)
		setString(&c.NATSBucket, n.Bucket)
	}
	if b := f.Blob; b != nil {
		setString(&c.BlobConnection, b.ConnectionString)
		setString(&c.BlobContainer, b.Container)
		setString(&c.BlobPrefix, b.Prefix)
	}
	if t := f.Telemetry; t != nil {
		setString(&c.OTLPEndpoint, t.OTLPEndpoint)
		setString(&c.SentryDSN, t.SentryDSN)
	}
	return nil
}

// Effective returns the node and worker counts the mode actually uses.
func (c *Config) Effective() (nodes, workers int) {
	cc := concurrency.Config{Nodes: c.Nodes, WorkersPerNode: c.Workers, Mode: c.Mode}
	return cc.Effective()
}

// OutputRoot returns Output, or "output_<mode>" when it is unset.
func (c *Config) OutputRoot() string {
	if c.Output != "" {
		return c.Output
	}
	return "output_" + string(c.Mode)
}

// Validate reports the first setting that cannot start a run.
func (c *Config) Validate() error {
	if c.Input == "" {
		return derrors.Configuration("input root cannot be empty")
	}
	cc := concurrency.Config{Nodes: c.Nodes, WorkersPerNode: c.Workers, Mode: c.Mode}
	if err := cc.Validate(); err != nil {
		return derrors.Configuration("%v", err)
	}
	if c.Baseline < 0 {
		return derrors.Configuration("baseline cannot be negative, got %s", c.Baseline)
	}
	if c.Watermark.Width <= 0 || c.Watermark.Height <= 0 {
		return derrors.Configuration("watermark size must be positive, got %dx%d",
			c.Watermark.Width, c.Watermark.Height)
	}
	if c.BlobContainer != "" && c.BlobConnection == "" {
		return derrors.Configuration("blob container %q set without a connection string", c.BlobContainer)
	}
	return nil
}

// ParseBaseline accepts a Go duration ("18.24s", "1m30s") or a bare number
// of seconds ("18.24").
func ParseBaseline(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, derrors.Configuration("baseline cannot be negative, got %q", s)
		}
		return time.Duration(math.Round(secs * float64(time.Second))), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, derrors.Configuration("invalid baseline %q: want a duration like 18.24s", s)
	}
	if d < 0 {
		return 0, derrors.Configuration("baseline cannot be negative, got %q", s)
	}
	return d, nil
}

// SplitList splits a comma-separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
