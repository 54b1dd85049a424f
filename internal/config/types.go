package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"crawlerd/internal/crawler"
	"crawlerd/pkg/logx"
)

// Config is the on-disk shape of crawlerd.yaml (or .json).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Crawler   CrawlerConfig   `json:"crawler"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls when ticks fire.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Interval is a Go duration string ("2h", "90m").
	Interval   string `json:"interval"`
	RunOnStart bool   `json:"run_on_start"`
}

// CrawlerConfig controls how each job is resolved and launched.
type CrawlerConfig struct {
	Interpreter string `json:"interpreter"`
	// BaseDir replaces the executable directory when set.
	BaseDir string `json:"base_dir,omitempty"`
	// Timeout is a Go duration string; "0s" or empty disables it.
	Timeout string            `json:"timeout,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Jobs    []JobConfig       `json:"jobs"`
}

type JobConfig struct {
	Name   string `json:"name"`
	Script string `json:"script"`
}

const (
	DefaultInterval = 2 * time.Hour
	DefaultScript   = "main.py"
)

// Defaults reproduces the stock deployment: two Binance crawlers every two
// hours, first run immediately.
func Defaults() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Console: true},
		Scheduler: SchedulerConfig{
			Enabled:    true,
			Interval:   DefaultInterval.String(),
			RunOnStart: true,
		},
		Crawler: CrawlerConfig{
			Interpreter: crawler.DefaultInterpreter,
			Jobs: []JobConfig{
				{Name: "binance", Script: DefaultScript},
				{Name: "binance_detail", Script: DefaultScript},
			},
		},
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}
	if d, err := ParseDurationField("scheduler.interval", c.Scheduler.Interval); err != nil {
		errs = append(errs, err)
	} else if d < time.Second && strings.TrimSpace(c.Scheduler.Interval) != "" {
		errs = append(errs, errors.New("scheduler.interval: must be at least 1s"))
	}
	if _, err := ParseDurationField("crawler.timeout", c.Crawler.Timeout); err != nil {
		errs = append(errs, err)
	}
	for k := range c.Crawler.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			errs = append(errs, fmt.Errorf("crawler.env: invalid variable name %q", k))
		}
	}
	seen := make(map[string]bool, len(c.Crawler.Jobs))
	for i, j := range c.Crawler.Jobs {
		path := fmt.Sprintf("crawler.jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		case strings.ContainsAny(name, `/\`) || name == "." || name == "..":
			errs = append(errs, fmt.Errorf("%s.name: %q must be a single folder name", path, name))
		case seen[name]:
			errs = append(errs, fmt.Errorf("%s.name: duplicate job %q", path, name))
		}
		seen[name] = true
		if strings.TrimSpace(j.Script) == "" {
			errs = append(errs, fmt.Errorf("%s.script: required", path))
		}
	}
	return errors.Join(errs...)
}

// Interval returns the tick period, DefaultInterval when unset.
func (c *Config) Interval() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.interval", c.Scheduler.Interval, DefaultInterval)
	if err != nil {
		return DefaultInterval
	}
	return d
}

// Timeout returns the per-run limit; 0 means none.
func (c *Config) Timeout() time.Duration {
	d, _ := ParseDurationField("crawler.timeout", c.Crawler.Timeout)
	return d
}

// Jobs returns the configured jobs in declaration order.
func (c *Config) Jobs() []crawler.Job {
	out := make([]crawler.Job, 0, len(c.Crawler.Jobs))
	for _, j := range c.Crawler.Jobs {
		out = append(out, crawler.Job{Name: strings.TrimSpace(j.Name), Script: strings.TrimSpace(j.Script)})
	}
	return out
}

// Environ renders Crawler.Env as sorted KEY=value pairs.
func (c *Config) Environ() []string {
	if len(c.Crawler.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.Crawler.Env))
	for k, v := range c.Crawler.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (c *Config) Executor() crawler.Executor {
	interp := strings.TrimSpace(c.Crawler.Interpreter)
	if interp == "" {
		interp = crawler.DefaultInterpreter
	}
	return crawler.Executor{Interpreter: interp, Env: c.Environ(), Timeout: c.Timeout()}
}

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}
