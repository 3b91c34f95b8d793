// Package config loads the engine's process-wide configuration (§6) from a
// versioned YAML document, in the same versionHeader/SupportedVersions/
// loadXV1 staging-struct-then-convert pattern as the teacher's
// internal/config/loader.go.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SupportedVersions lists all schema versions this loader accepts.
var SupportedVersions = []int{1}

type versionHeader struct {
	Version *int `yaml:"version"`
}

// StoreKind selects a concrete internal/store backend.
type StoreKind string

const (
	StoreGit    StoreKind = "git"
	StoreMemory StoreKind = "memory"
)

// StoreConfig configures the Store backend (§4.B.1).
type StoreConfig struct {
	Kind StoreKind
	Path string // git: repository location; the in-memory gitstore backend does not use it
}

// GitHubConfig configures the forge bridge (§4.C.1). The token is never
// stored in the YAML document itself; TokenEnv names the environment
// variable it is read from.
type GitHubConfig struct {
	TokenEnv string
}

// SandboxConfig configures the build executor (§4.E/§4.F).
type SandboxConfig struct {
	DockerHost string
}

// Project is a single monitored repository plus the named pipeline terms
// applied uniformly to every target (PR or ref) discovered in it. Term
// names are resolved against a caller-supplied registry (cmd/ciengine
// wires the concrete *term.Node builders); config itself has no notion of
// what a term does.
type Project struct {
	User  string
	Repo  string
	Terms []string
}

// Canary restricts monitoring of a project to an explicit target allow-list
// (§4.G step 2). TargetIDs are in store.Target.ID() form, e.g.
// "acme/widgets#pr/42" or "acme/widgets#ref/heads/main".
type Canary struct {
	User      string
	Repo      string
	TargetIDs []string
}

// Config is the engine's fully-resolved process-wide configuration (§6).
type Config struct {
	WebBaseURL       string
	Store            StoreConfig
	GitHub           GitHubConfig
	Sandbox          SandboxConfig
	Projects         []Project
	Canaries         []Canary
	ReconnectBackoff time.Duration
}

// Load parses a Config from YAML data with schema version validation.
func Load(data []byte) (*Config, error) {
	var header versionHeader
	if err := yaml.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("config: parsing version header: %w", err)
	}
	if header.Version == nil {
		return nil, errors.New("config: version field is required")
	}

	switch *header.Version {
	case 1:
		return loadV1(data)
	default:
		return nil, fmt.Errorf("config: unsupported schema version: %d (supported: %v)", *header.Version, SupportedVersions)
	}
}

// LoadFile loads a Config from a YAML file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Load(data)
}

type configV1 struct {
	Version          int         `yaml:"version"`
	WebBaseURL       string      `yaml:"web_base_url"`
	Store            storeV1     `yaml:"store"`
	GitHub           githubV1    `yaml:"github"`
	Sandbox          sandboxV1   `yaml:"sandbox"`
	Projects         []projectV1 `yaml:"projects"`
	Canaries         []canaryV1  `yaml:"canaries,omitempty"`
	ReconnectBackoff string      `yaml:"reconnect_backoff,omitempty"`
}

type storeV1 struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path,omitempty"`
}

type githubV1 struct {
	TokenEnv string `yaml:"token_env"`
}

type sandboxV1 struct {
	DockerHost string `yaml:"docker_host,omitempty"`
}

type projectV1 struct {
	User  string   `yaml:"user"`
	Repo  string   `yaml:"repo"`
	Terms []string `yaml:"terms"`
}

type canaryV1 struct {
	User    string   `yaml:"user"`
	Repo    string   `yaml:"repo"`
	Targets []string `yaml:"targets"`
}

func loadV1(data []byte) (*Config, error) {
	var cv1 configV1
	if err := yaml.Unmarshal(data, &cv1); err != nil {
		return nil, fmt.Errorf("config: parsing v1 document: %w", err)
	}

	if cv1.WebBaseURL == "" {
		return nil, errors.New("config: web_base_url is required")
	}

	storeKind := StoreKind(cv1.Store.Kind)
	switch storeKind {
	case StoreGit:
		if cv1.Store.Path == "" {
			return nil, errors.New("config: store.path is required when store.kind is \"git\"")
		}
	case StoreMemory:
		// no path needed
	default:
		return nil, fmt.Errorf("config: unsupported store.kind %q (want \"git\" or \"memory\")", cv1.Store.Kind)
	}

	if cv1.GitHub.TokenEnv == "" {
		return nil, errors.New("config: github.token_env is required")
	}

	if len(cv1.Projects) == 0 {
		return nil, errors.New("config: at least one project is required")
	}

	backoff := 10 * time.Second
	if cv1.ReconnectBackoff != "" {
		d, err := time.ParseDuration(cv1.ReconnectBackoff)
		if err != nil {
			return nil, fmt.Errorf("config: parsing reconnect_backoff: %w", err)
		}
		backoff = d
	}

	cfg := &Config{
		WebBaseURL:       cv1.WebBaseURL,
		Store:            StoreConfig{Kind: storeKind, Path: cv1.Store.Path},
		GitHub:           GitHubConfig{TokenEnv: cv1.GitHub.TokenEnv},
		Sandbox:          SandboxConfig{DockerHost: cv1.Sandbox.DockerHost},
		ReconnectBackoff: backoff,
	}

	for _, p := range cv1.Projects {
		if p.User == "" || p.Repo == "" {
			return nil, errors.New("config: project user and repo are required")
		}
		if len(p.Terms) == 0 {
			return nil, fmt.Errorf("config: project %s/%s must declare at least one term", p.User, p.Repo)
		}
		cfg.Projects = append(cfg.Projects, Project{User: p.User, Repo: p.Repo, Terms: p.Terms})
	}

	for _, c := range cv1.Canaries {
		if c.User == "" || c.Repo == "" {
			return nil, errors.New("config: canary user and repo are required")
		}
		cfg.Canaries = append(cfg.Canaries, Canary{User: c.User, Repo: c.Repo, TargetIDs: c.Targets})
	}

	return cfg, nil
}

// GitHubToken resolves the configured environment variable to its value.
func (c GitHubConfig) GitHubToken() (string, error) {
	v := os.Getenv(c.TokenEnv)
	if v == "" {
		return "", fmt.Errorf("config: environment variable %s is unset", c.TokenEnv)
	}
	return v, nil
}
