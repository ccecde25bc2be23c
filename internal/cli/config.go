package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/imgpipe/internal/lock"
	"github.com/ChuLiYu/imgpipe/internal/notify"
	"github.com/ChuLiYu/imgpipe/internal/pipeline"
	"github.com/ChuLiYu/imgpipe/internal/worker"
)

// Config represents the complete command line configuration
// Maps config file fields through YAML tags
type Config struct {
	Pipeline pipeline.Config `yaml:"pipeline"`

	// diagnostic: any stderr output fails a job (legacy behaviour)
	// exit_status: a non-zero exit fails a job
	Classifier string `yaml:"classifier"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // auto, text, json
	} `yaml:"logging"`

	Notify struct {
		SMTP *notify.SMTPConfig `yaml:"smtp"`
		Ntfy struct {
			Endpoint string        `yaml:"endpoint"`
			Timeout  time.Duration `yaml:"timeout"`
		} `yaml:"ntfy"`
	} `yaml:"notify"`

	LockPath  string `yaml:"lock_path"`
	LogDir    string `yaml:"log_dir"`
	HistoryDB string `yaml:"history_db"` // empty disables the ledger

	Metrics struct {
		Addr     string `yaml:"addr"`     // serve /metrics while running
		Textfile string `yaml:"textfile"` // node_exporter textfile written after a run
	} `yaml:"metrics"`

	Status struct {
		Addr string `yaml:"addr"` // gRPC health service
	} `yaml:"status"`
}

// DefaultConfig mirrors the legacy converter: lock in /tmp, reports in /tmp.
func DefaultConfig() Config {
	cfg := Config{
		Pipeline:   pipeline.DefaultConfig(),
		Classifier: "diagnostic",
		LockPath:   lock.DefaultPath,
		LogDir:     os.TempDir(),
	}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "auto"
	cfg.Notify.Ntfy.Timeout = 10 * time.Second
	return cfg
}

// loadConfig reads path over the defaults. A missing file is not an error.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

// validate checks the settings the pipeline itself does not own.
func (c *Config) validate() error {
	if _, err := c.classifier(); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "auto", "text", "console", "json":
	default:
		return fmt.Errorf("%w: logging format %q", pipeline.ErrInvalidConfig, c.Logging.Format)
	}
	if c.Notify.SMTP != nil && len(c.Notify.SMTP.To) > 0 && c.Notify.SMTP.From == "" {
		return fmt.Errorf("%w: notify.smtp.from is required", pipeline.ErrInvalidConfig)
	}
	return nil
}

func (c *Config) classifier() (worker.Classifier, error) {
	switch strings.ToLower(c.Classifier) {
	case "", "diagnostic":
		return worker.EmptyDiagnostic, nil
	case "exit_status", "exit-status":
		return worker.ExitStatus, nil
	default:
		return nil, fmt.Errorf("%w: unknown classifier %q", pipeline.ErrInvalidConfig, c.Classifier)
	}
}

// notifier builds the configured sinks. Nothing configured means Noop.
func (c *Config) notifier() notify.Sink {
	var sinks notify.Multi
	if c.Notify.SMTP != nil && len(c.Notify.SMTP.To) > 0 {
		sinks = append(sinks, notify.NewSMTP(*c.Notify.SMTP))
	}
	if n := notify.NewNtfy(c.Notify.Ntfy.Endpoint, c.Notify.Ntfy.Timeout); n != nil {
		sinks = append(sinks, n)
	}
	switch len(sinks) {
	case 0:
		return notify.Noop{}
	case 1:
		return sinks[0]
	default:
		return sinks
	}
}
