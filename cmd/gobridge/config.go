package main

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caffeineduck/gobridge/executor"
	"github.com/caffeineduck/gobridge/hostfunc"
	"github.com/spf13/pflag"
)

const defaultConfigFile = "gobridge.toml"

// config is the merged result of gobridge.toml and command-line flags.
//
//	args = ["-n", "3"]
//	timeout = "10s"
//	memory = "64mb"
//	kv = true
//	allowed_hosts = ["api.example.com"]
//	mounts = ["/data:./data:ro"]
//
//	[env]
//	GREETING = "hi"
//
//	[limits]
//	fs_max_file = 1048576
type config struct {
	Args         []string          `toml:"args"`
	Env          map[string]string `toml:"env"`
	WorkDir      string            `toml:"workdir"`
	Mounts       []string          `toml:"mounts"`
	Timeout      duration          `toml:"timeout"`
	Memory       string            `toml:"memory"`
	KV           bool              `toml:"kv"`
	AllowedHosts []string          `toml:"allowed_hosts"`
	Limits       limits            `toml:"limits"`
}

type limits struct {
	HTTPMaxURL  int   `toml:"http_max_url"`
	HTTPMaxBody int64 `toml:"http_max_body"`
	FSMaxFile   int64 `toml:"fs_max_file"`
	FSMaxWrite  int64 `toml:"fs_max_write"`
	FSMaxPath   int   `toml:"fs_max_path"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func defaultConfig() config {
	return config{
		Env:     map[string]string{},
		Timeout: duration{30 * time.Second},
		Memory:  "256mb",
		Limits: limits{
			HTTPMaxURL:  8192,
			HTTPMaxBody: 1 << 20,
			FSMaxFile:   hostfunc.DefaultMaxFileSize,
			FSMaxWrite:  hostfunc.DefaultMaxWriteSize,
			FSMaxPath:   hostfunc.DefaultMaxPathLength,
		},
	}
}

// loadConfig reads path over the defaults. An empty path means
// gobridge.toml in the working directory, which may be absent.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return defaultConfig(), nil
		}
		return config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return config{}, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
	return cfg, nil
}

// mergeFlags overrides cfg with every flag set on the command line. Env
// entries are added to the file's; list flags replace the file's lists.
func mergeFlags(flags *pflag.FlagSet, cfg *config) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "timeout":
			cfg.Timeout.Duration, err = flags.GetDuration("timeout")
		case "memory":
			cfg.Memory, err = flags.GetString("memory")
		case "kv":
			cfg.KV, err = flags.GetBool("kv")
		case "workdir":
			cfg.WorkDir, err = flags.GetString("workdir")
		case "allow-host":
			cfg.AllowedHosts, err = flags.GetStringSlice("allow-host")
		case "mount":
			cfg.Mounts, err = flags.GetStringSlice("mount")
		case "env":
			for _, kv := range *f.Value.(*stringSliceValue) {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					err = fmt.Errorf("invalid --env %q (want KEY=VALUE)", kv)
					return
				}
				cfg.Env[k] = v
			}
		case "http-max-url":
			cfg.Limits.HTTPMaxURL, err = flags.GetInt("http-max-url")
		case "http-max-body":
			cfg.Limits.HTTPMaxBody, err = flags.GetInt64("http-max-body")
		case "fs-max-file":
			cfg.Limits.FSMaxFile, err = flags.GetInt64("fs-max-file")
		case "fs-max-write":
			cfg.Limits.FSMaxWrite, err = flags.GetInt64("fs-max-write")
		case "fs-max-path":
			cfg.Limits.FSMaxPath, err = flags.GetInt("fs-max-path")
		}
	})
	return err
}

// runOptions converts cfg into executor options for a run or session.
func (c config) runOptions() ([]executor.Option, error) {
	opts := []executor.Option{
		executor.WithTimeout(c.Timeout.Duration),
		executor.WithArgs(c.Args...),
		executor.WithEnv(c.Env),
	}
	if c.WorkDir != "" {
		opts = append(opts, executor.WithWorkDir(c.WorkDir))
	}
	if c.KV {
		opts = append(opts, executor.WithKV())
	}
	if len(c.AllowedHosts) > 0 {
		opts = append(opts,
			executor.WithAllowedHosts(c.AllowedHosts),
			executor.WithHTTPMaxURLLength(c.Limits.HTTPMaxURL),
			executor.WithHTTPMaxBodySize(c.Limits.HTTPMaxBody),
		)
	}
	for _, s := range c.Mounts {
		m, err := hostfunc.ParseMount(s)
		if err != nil {
			return nil, err
		}
		opts = append(opts, executor.WithMount(m.VirtualPath, m.HostPath, m.Mode))
	}
	if c.Limits.FSMaxFile > 0 {
		opts = append(opts, executor.WithFSMaxFileSize(c.Limits.FSMaxFile))
	}
	if c.Limits.FSMaxWrite > 0 {
		opts = append(opts, executor.WithFSMaxWriteSize(c.Limits.FSMaxWrite))
	}
	if c.Limits.FSMaxPath > 0 {
		opts = append(opts, executor.WithFSMaxPathLength(c.Limits.FSMaxPath))
	}
	return opts, nil
}
