// Package config loads host profiles from a YAML file.
//
//	defaults:
//	  user: root
//	  timeout: 8s
//	hosts:
//	  web:
//	    host: 10.0.0.5
//	    port: 2222
//	    identity: ~/.ssh/id_ed25519
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"remoteshell/pkg/define"
	"remoteshell/pkg/errdefs"

	"gopkg.in/yaml.v3"
)

// Profile is everything needed to open a session to one host.
type Profile struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Identity    string        `yaml:"identity"`
	PasswordEnv string        `yaml:"password_env"`
	Timeout     time.Duration `yaml:"timeout"`
	ExecTimeout time.Duration `yaml:"exec_timeout"`
	KnownHosts  string        `yaml:"known_hosts"`
	AcceptNew   bool          `yaml:"accept_new"`
}

type Config struct {
	Defaults Profile            `yaml:"defaults"`
	Hosts    map[string]Profile `yaml:"hosts"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Defaults: Profile{
			Port:        define.DefaultSSHPort,
			User:        define.DefaultGuestUser,
			Timeout:     define.DefaultConnectTimeout,
			ExecTimeout: define.OperationTimeout,
		},
		Hosts: map[string]Profile{},
	}
}

// Load reads YAML at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if cfg.Hosts == nil {
		cfg.Hosts = map[string]Profile{}
	}
	for name, p := range cfg.Hosts {
		if strings.TrimSpace(p.Host) == "" {
			p.Host = name
			cfg.Hosts[name] = p
		}
	}
	return cfg, nil
}

// Lookup returns the named profile with unset fields taken from the
// defaults. An unknown name is treated as a bare host name.
func (c *Config) Lookup(name string) Profile {
	p, ok := c.Hosts[name]
	if !ok {
		p = Profile{Host: name}
	}
	return p.Merge(c.Defaults)
}

// Merge fills zero fields of p from base.
func (p Profile) Merge(base Profile) Profile {
	if p.Host == "" {
		p.Host = base.Host
	}
	if p.Port == 0 {
		p.Port = base.Port
	}
	if p.User == "" {
		p.User = base.User
	}
	if p.Identity == "" {
		p.Identity = base.Identity
	}
	if p.PasswordEnv == "" {
		p.PasswordEnv = base.PasswordEnv
	}
	if p.Timeout == 0 {
		p.Timeout = base.Timeout
	}
	if p.ExecTimeout == 0 {
		p.ExecTimeout = base.ExecTimeout
	}
	if p.KnownHosts == "" {
		p.KnownHosts = base.KnownHosts
	}
	p.AcceptNew = p.AcceptNew || base.AcceptNew
	return p
}

// Validate reports every problem with p at once.
func (p Profile) Validate() error {
	var errs []error
	if p.Host == "" {
		errs = append(errs, errors.New("host cannot be empty"))
	}
	if p.Port <= 0 || p.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", p.Port))
	}
	if p.User == "" {
		errs = append(errs, errors.New("user cannot be empty"))
	}
	if p.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if p.Identity == "" && p.PasswordEnv == "" {
		errs = append(errs, errors.New("identity or password_env is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{errdefs.ErrInvalidConfig}, errs...)...)
}

// Password reads the password from the environment variable named by
// PasswordEnv.
func (p Profile) Password() (string, error) {
	if p.PasswordEnv == "" {
		return "", nil
	}
	pw, ok := os.LookupEnv(p.PasswordEnv)
	if !ok {
		return "", fmt.Errorf("%w: environment variable %s is not set", errdefs.ErrInvalidConfig, p.PasswordEnv)
	}
	return pw, nil
}

// ExpandHome replaces a leading ~ with the current user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
