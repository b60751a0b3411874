package campaign

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Campaign is the parsed campaign file: an ordered list of fuzzing targets
// run one session each.
type Campaign struct {
	Targets []Target `yaml:"targets"`
}

// Target describes one fuzzing session.
type Target struct {
	Name        string            `yaml:"name"`
	Binary      string            `yaml:"binary"`
	Args        []string          `yaml:"args"`
	InputDir    string            `yaml:"input"`
	OutputDir   string            `yaml:"output"`
	MemoryLimit string            `yaml:"memory_limit"`
	Dictionary  string            `yaml:"dictionary"`
	QemuMode    bool              `yaml:"qemu"`
	ExtraArgs   []string          `yaml:"extra_args"`
	Env         map[string]string `yaml:"env"`

	// ExecTimeoutMs overrides the configured per-execution -t value for
	// this target. Zero keeps the global setting.
	ExecTimeoutMs int `yaml:"exec_timeout_ms"`

	// Budget bounds how long the session waits for a crash before moving
	// on. Zero waits until the fuzzer itself finishes or the app stops.
	Budget Duration `yaml:"budget"`
}

// Duration parses yaml scalars like "90m" or "2h" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoadCampaign parses and validates a campaign file.
func LoadCampaign(path string) (*Campaign, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign file: %w", err)
	}

	var campaign Campaign
	if err := yaml.Unmarshal(content, &campaign); err != nil {
		return nil, fmt.Errorf("failed to parse campaign file: %w", err)
	}

	if len(campaign.Targets) == 0 {
		return nil, errors.New("campaign has no targets")
	}
	for i, t := range campaign.Targets {
		if t.Name == "" {
			return nil, fmt.Errorf("target %d: name is required", i)
		}
		if t.Binary == "" {
			return nil, fmt.Errorf("target %q: binary is required", t.Name)
		}
		if t.InputDir == "" || t.OutputDir == "" {
			return nil, fmt.Errorf("target %q: input and output are required", t.Name)
		}
	}

	return &campaign, nil
}
