package config

import (
	"maps"
	"slices"

	"crawlerd/pkg/logx"
)

// Change describes which sections differ between two configs.
type Change struct {
	Logging   bool
	Scheduler bool
	Interval  bool
	Crawler   bool
	Jobs      bool
}

func (c Change) Any() bool { return c.Logging || c.Scheduler || c.Crawler }

// Sections lists changed top-level sections in a stable order.
func (c Change) Sections() []string {
	var out []string
	if c.Logging {
		out = append(out, "logging")
	}
	if c.Scheduler {
		out = append(out, "scheduler")
	}
	if c.Crawler {
		out = append(out, "crawler")
	}
	return out
}

// Diff compares oldCfg and newCfg. A nil side compares as Defaults.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = Defaults()
	}
	if newCfg == nil {
		newCfg = Defaults()
	}
	var c Change
	c.Logging = oldCfg.Logging != newCfg.Logging
	c.Interval = oldCfg.Interval() != newCfg.Interval()
	c.Scheduler = c.Interval ||
		oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		oldCfg.Scheduler.RunOnStart != newCfg.Scheduler.RunOnStart
	c.Jobs = !slices.Equal(oldCfg.Jobs(), newCfg.Jobs())
	c.Crawler = c.Jobs ||
		oldCfg.Crawler.Interpreter != newCfg.Crawler.Interpreter ||
		oldCfg.Crawler.BaseDir != newCfg.Crawler.BaseDir ||
		oldCfg.Timeout() != newCfg.Timeout() ||
		!maps.Equal(oldCfg.Crawler.Env, newCfg.Crawler.Env)
	return c
}

// Fields renders a change for logging. Env values are never logged.
func (c Change) Fields(newCfg *Config) []logx.Field {
	fields := []logx.Field{logx.Strs("changed", c.Sections())}
	if c.Logging {
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if c.Scheduler {
		fields = append(fields,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Duration("scheduler.interval", newCfg.Interval()),
		)
	}
	if c.Crawler {
		fields = append(fields,
			logx.Int("crawler.jobs", len(newCfg.Crawler.Jobs)),
			logx.String("crawler.interpreter", newCfg.Crawler.Interpreter),
			logx.Duration("crawler.timeout", newCfg.Timeout()),
			logx.Strs("crawler.env_keys", slices.Sorted(maps.Keys(newCfg.Crawler.Env))),
		)
	}
	return fields
}
