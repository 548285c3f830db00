// Package config resolves a validated YAML document into
// []*spec.ServiceSpec, following spec.md §6's schema and §4.1's environment
// precedence rule. Grounded in the teacher's internal/config/config.go
// (Viper-based loading, mapstructure tags) generalized from TOML process
// lists to the YAML services map spec.md §6 requires, and in the original
// config/v1.rs for duration/diagnostic shapes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/micromux/internal/env"
	"github.com/loykin/micromux/internal/spec"
)

// DiscoveryNames are the config file names searched, in order, when
// --config PATH is not given (spec.md §6).
var DiscoveryNames = []string{"micromux.yaml", ".micromux.yaml", "micromux.yml", ".micromux.yml"}

// Discover returns the first discovery name found in dir, or an empty
// string if none exist.
func Discover(dir string) string {
	for _, name := range DiscoveryNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// rawFile mirrors the top-level YAML document (spec.md §6).
type rawFile struct {
	Version  string                `mapstructure:"version"`
	Services map[string]rawService `mapstructure:"services"`
}

type rawService struct {
	Command     interface{} `mapstructure:"command"` // string or []string
	Cwd         string      `mapstructure:"cwd"`
	Environment interface{} `mapstructure:"environment"` // map[string]string or []string
	EnvFile     interface{} `mapstructure:"env_file"`    // string or []string
	Ports       interface{} `mapstructure:"ports"`       // informational, not used by the engine
	Restart     string      `mapstructure:"restart"`
	DependsOn   interface{} `mapstructure:"depends_on"` // []string or []map
	Healthcheck *rawHealth  `mapstructure:"healthcheck"`
}

type rawHealth struct {
	Test        interface{} `mapstructure:"test"` // []string; first element may be "CMD" or "CMD-SHELL"
	Interval    string      `mapstructure:"interval"`
	Timeout     string      `mapstructure:"timeout"`
	Retries     int         `mapstructure:"retries"`
	StartPeriod string      `mapstructure:"start_period"`
}

var knownTopLevelKeys = map[string]bool{"version": true, "services": true}

var knownServiceKeys = map[string]bool{
	"command": true, "cwd": true, "environment": true, "env_file": true,
	"ports": true, "restart": true, "depends_on": true, "healthcheck": true,
}

// Result is the resolver's output: specs in lexical order of service name
// plus any
// non-fatal warnings (e.g. unknown service keys, spec.md §8 "CompletedSuccessfully
// dependency on a service with restart Always is never satisfied").
type Result struct {
	Specs    []*spec.ServiceSpec
	Warnings []string
}

// Load reads and resolves the config file at path.
func Load(path string) (*Result, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, spec.Diagnostic{File: path, Message: fmt.Sprintf("reading config: %v", err)}
	}

	for _, k := range v.AllKeys() {
		top := strings.SplitN(k, ".", 2)[0]
		if !knownTopLevelKeys[top] {
			return nil, spec.Diagnostic{File: path, Message: fmt.Sprintf("unknown top-level key %q", top)}
		}
	}

	var raw rawFile
	if err := v.Unmarshal(&raw); err != nil {
		return nil, spec.Diagnostic{File: path, Message: fmt.Sprintf("unmarshal: %v", err)}
	}

	res, err := resolve(path, &raw)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, k := range v.AllKeys() {
		parts := strings.SplitN(k, ".", 4)
		if len(parts) < 3 || parts[0] != "services" || knownServiceKeys[parts[2]] || seen[parts[1]+"."+parts[2]] {
			continue
		}
		seen[parts[1]+"."+parts[2]] = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("service %q: unknown key %q", parts[1], parts[2]))
	}
	return res, nil
}

func resolve(path string, raw *rawFile) (*Result, error) {
	res := &Result{}

	// Preserve declaration order from Viper's raw map key order isn't
	// available after Unmarshal, so sort service names the way they were
	// read: Viper lowercases keys but keeps insertion order unavailable on
	// map[string]T; services are processed by looking up v.Get("services")
	// would be needed for true order preservation. Since YAML doesn't
	// guarantee map ordering either, we fall back to a stable lexical order,
	// which still satisfies spec.md §4.2's "order of specs MUST NOT affect
	// outcome" requirement for graph construction.
	names := make([]string, 0, len(raw.Services))
	for name := range raw.Services {
		names = append(names, name)
	}
	sortStrings(names)

	baseEnv := env.FromOS()

	for _, name := range names {
		rs := raw.Services[name]
		s, warnings, err := resolveService(path, name, rs, baseEnv)
		if err != nil {
			return nil, err
		}
		if err := s.Validate(); err != nil {
			return nil, spec.Diagnostic{File: path, Message: err.Error()}
		}
		res.Specs = append(res.Specs, s)
		res.Warnings = append(res.Warnings, warnings...)
	}
	return res, nil
}

func resolveService(path, name string, rs rawService, processEnv *env.Map) (*spec.ServiceSpec, []string, error) {
	var warnings []string

	s := &spec.ServiceSpec{Name: name, Cwd: rs.Cwd}

	switch v := rs.Command.(type) {
	case string:
		s.Shell = v
	case []interface{}:
		for _, part := range v {
			s.Command = append(s.Command, fmt.Sprintf("%v", part))
		}
	case nil:
		return nil, nil, spec.Diagnostic{File: path, Message: fmt.Sprintf("service %q: missing command", name)}
	default:
		return nil, nil, spec.Diagnostic{File: path, Message: fmt.Sprintf("service %q: invalid command shape", name)}
	}

	resolvedEnv, err := resolveEnv(path, name, rs, processEnv)
	if err != nil {
		return nil, nil, err
	}
	s.Env = resolvedEnv

	policy, err := parseRestart(path, name, rs.Restart)
	if err != nil {
		return nil, nil, err
	}
	s.RestartPolicy = policy

	deps, err := parseDependsOn(path, name, rs.DependsOn)
	if err != nil {
		return nil, nil, err
	}
	s.DependsOn = deps

	if rs.Healthcheck != nil {
		hc, err := parseHealthcheck(path, name, rs.Healthcheck)
		if err != nil {
			return nil, nil, err
		}
		s.Healthcheck = hc
	}

	if policy.Kind == spec.RestartAlways {
		for _, d := range deps {
			if d.Condition == spec.ConditionCompletedSuccessfully {
				warnings = append(warnings, fmt.Sprintf(
					"service %q depends on %q with completed_successfully, but restart:always never reaches a terminal Exited state (spec.md §8)",
					name, d.Name))
			}
		}
	}

	return s, warnings, nil
}

// resolveEnv applies spec.md §4.1's precedence: process env < each named
// env-file in declaration order < inline environment, each layer
// interpolated against the already-resolved environment at that point.
func resolveEnv(path, name string, rs rawService, processEnv *env.Map) (*env.Map, error) {
	resolved := processEnv.Clone()

	for _, p := range toStringSlice(rs.EnvFile) {
		contents, err := os.ReadFile(filepath.Clean(p))
		if err != nil {
			return nil, spec.Diagnostic{File: path, Message: fmt.Sprintf("service %q: env_file %q: %v", name, p, err)}
		}
		fileVars, err := env.ParseDotenv(string(contents))
		if err != nil {
			return nil, spec.Diagnostic{File: p, Message: err.Error()}
		}
		for _, k := range fileVars.Keys() {
			raw, _ := fileVars.Get(k)
			val, err := env.Interpolate(raw, resolved)
			if err != nil {
				return nil, spec.Diagnostic{File: p, Message: fmt.Sprintf("service %q: %v", name, err)}
			}
			resolved.Set(k, val)
		}
	}

	inline, err := parseEnvironment(rs.Environment)
	if err != nil {
		return nil, spec.Diagnostic{File: path, Message: fmt.Sprintf("service %q: %v", name, err)}
	}
	for _, k := range inline.Keys() {
		raw, _ := inline.Get(k)
		val, err := env.Interpolate(raw, resolved)
		if err != nil {
			return nil, spec.Diagnostic{File: path, Message: fmt.Sprintf("service %q: %v", name, err)}
		}
		resolved.Set(k, val)
	}

	return resolved, nil
}

func parseEnvironment(v interface{}) (*env.Map, error) {
	m := env.NewMap()
	switch t := v.(type) {
	case nil:
		return m, nil
	case map[string]interface{}:
		// Deterministic order isn't recoverable from a Go map; sort keys for
		// stable diagnostics. Precedence among inline keys is irrelevant
		// since each assigns a distinct name.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sortStrings(keys)
		for _, k := range keys {
			m.Set(k, fmt.Sprintf("%v", t[k]))
		}
		return m, nil
	case []interface{}:
		for _, item := range t {
			kv := fmt.Sprintf("%v", item)
			i := strings.IndexByte(kv, '=')
			if i < 0 {
				return nil, fmt.Errorf("invalid environment entry %q, expected KEY=VALUE", kv)
			}
			m.Set(kv[:i], kv[i+1:])
		}
		return m, nil
	default:
		return nil, fmt.Errorf("invalid environment shape %T", v)
	}
}

func toStringSlice(v interface{}) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return nil
	}
}

func parseRestart(path, name, raw string) (spec.RestartPolicy, error) {
	switch raw {
	case "", "never":
		return spec.RestartPolicy{Kind: spec.RestartNever}, nil
	case "always":
		return spec.RestartPolicy{Kind: spec.RestartAlways}, nil
	case "unless-stopped":
		return spec.RestartPolicy{Kind: spec.RestartUnlessStopped}, nil
	default:
		if strings.HasPrefix(raw, "on-failure") {
			max := spec.Unlimited
			if idx := strings.IndexByte(raw, ':'); idx >= 0 {
				n, err := strconv.Atoi(strings.TrimSpace(raw[idx+1:]))
				if err != nil {
					return spec.RestartPolicy{}, spec.Diagnostic{File: path, Message: fmt.Sprintf(
						"service %q: invalid restart attempts %q", name, raw)}
				}
				max = n
			}
			return spec.RestartPolicy{Kind: spec.RestartOnFailure, MaxAttempts: max}, nil
		}
		return spec.RestartPolicy{}, spec.Diagnostic{File: path, Message: fmt.Sprintf(
			"service %q: unknown restart policy %q", name, raw)}
	}
}

func parseDependsOn(path, name string, v interface{}) ([]spec.DependsOn, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		out := make([]spec.DependsOn, 0, len(t))
		for _, item := range t {
			switch e := item.(type) {
			case string:
				out = append(out, spec.DependsOn{Name: e, Condition: spec.ConditionStarted})
			case map[string]interface{}:
				depName, _ := e["name"].(string)
				if depName == "" {
					return nil, spec.Diagnostic{File: path, Message: fmt.Sprintf(
						"service %q: depends_on entry missing name", name)}
				}
				cond := spec.ConditionStarted
				if rawCond, ok := e["condition"].(string); ok {
					c, err := parseCondition(rawCond)
					if err != nil {
						return nil, spec.Diagnostic{File: path, Message: fmt.Sprintf(
							"service %q: depends_on %q: %v", name, depName, err)}
					}
					cond = c
				}
				out = append(out, spec.DependsOn{Name: depName, Condition: cond})
			default:
				return nil, spec.Diagnostic{File: path, Message: fmt.Sprintf(
					"service %q: invalid depends_on entry", name)}
			}
		}
		return out, nil
	default:
		return nil, spec.Diagnostic{File: path, Message: fmt.Sprintf("service %q: invalid depends_on shape", name)}
	}
}

func parseCondition(raw string) (spec.Condition, error) {
	switch raw {
	case "started":
		return spec.ConditionStarted, nil
	case "healthy":
		return spec.ConditionHealthy, nil
	case "completed_successfully":
		return spec.ConditionCompletedSuccessfully, nil
	default:
		return 0, fmt.Errorf("unknown condition %q", raw)
	}
}

func parseHealthcheck(path, name string, rh *rawHealth) (*spec.Healthcheck, error) {
	var test []string
	switch t := rh.Test.(type) {
	case []interface{}:
		for _, item := range t {
			test = append(test, fmt.Sprintf("%v", item))
		}
	default:
		return nil, spec.Diagnostic{File: path, Message: fmt.Sprintf("service %q: healthcheck.test must be a list", name)}
	}
	if len(test) == 0 {
		return nil, spec.Diagnostic{File: path, Message: fmt.Sprintf("service %q: healthcheck.test must not be empty", name)}
	}
	// Support Compose-style ["CMD-SHELL", "..."] alongside ["CMD", ...].
	if len(test) >= 2 && test[0] == "CMD-SHELL" {
		test = []string{"/bin/sh", "-c", test[1]}
	} else if len(test) >= 1 && test[0] == "CMD" {
		test = test[1:]
	}

	interval, err := ParseDuration(rh.Interval)
	if err != nil {
		return nil, spec.Diagnostic{File: path, Message: fmt.Sprintf("service %q: healthcheck.interval: %v", name, err)}
	}
	timeout, err := ParseDuration(rh.Timeout)
	if err != nil {
		return nil, spec.Diagnostic{File: path, Message: fmt.Sprintf("service %q: healthcheck.timeout: %v", name, err)}
	}
	startPeriod, err := ParseDuration(rh.StartPeriod)
	if err != nil {
		return nil, spec.Diagnostic{File: path, Message: fmt.Sprintf("service %q: healthcheck.start_period: %v", name, err)}
	}

	return &spec.Healthcheck{
		Test:        test,
		Interval:    interval,
		Timeout:     timeout,
		Retries:     rh.Retries,
		StartPeriod: startPeriod,
	}, nil
}

// ParseDuration accepts spec.md §6's ms|s|m|h suffixes, normalizing a bare
// number (no suffix) to seconds.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if _, err := strconv.ParseFloat(raw, 64); err == nil {
		raw += "s"
	}
	return time.ParseDuration(raw)
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
