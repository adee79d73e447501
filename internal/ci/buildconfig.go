package ci

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// BuildConfigurationFile is the repository-relative name of the build
// configuration the executor reads after checkout.
const BuildConfigurationFile = ".buildfleet.yml"

// BuildConfiguration is the declarative build description committed to
// the repository: a versioned map of named jobs, each a list of shell
// steps.
type BuildConfiguration struct {
	Version int                         `yaml:"version"`
	Jobs    map[string]JobConfiguration `yaml:"jobs"`
}

// JobConfiguration describes one named job in the build configuration.
type JobConfiguration struct {
	Image string              `yaml:"image"`
	Cache *CacheConfiguration `yaml:"cache,omitempty"`
	Steps []Step              `yaml:"steps"`
}

// Step is one entry in a job's step list.
type Step struct {
	Run StepRun `yaml:"run"`
}

// StepRun is the shell command a step executes.  Name is optional; when
// empty a name is derived from the command text.
type StepRun struct {
	Name    string `yaml:"name,omitempty"`
	Command string `yaml:"command"`
}

// maxStepNameLength bounds derived step names so a long command doesn't
// become an unwieldy section title.
const maxStepNameLength = 70

// DisplayName returns the step's name, deriving one from the command
// when no explicit name is set.
func (s StepRun) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if runes := []rune(s.Command); len(runes) > maxStepNameLength {
		return string(runes[:maxStepNameLength])
	}
	return s.Command
}

// ParseBuildConfiguration decodes and validates a build configuration
// document.
func ParseBuildConfiguration(data []byte) (*BuildConfiguration, error) {
	var cfg BuildConfiguration
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing build configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadBuildConfiguration reads the build configuration file from a
// checked-out repository root.
func LoadBuildConfiguration(repoRoot string) (*BuildConfiguration, error) {
	data, err := os.ReadFile(filepath.Join(repoRoot, BuildConfigurationFile))
	if err != nil {
		return nil, fmt.Errorf("reading build configuration: %w", err)
	}
	return ParseBuildConfiguration(data)
}

// Validate checks the structural constraints of a parsed configuration.
func (c *BuildConfiguration) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("build configuration version must be 1, got %d", c.Version)
	}
	if len(c.Jobs) == 0 {
		return fmt.Errorf("build configuration has no jobs")
	}
	for name, job := range c.Jobs {
		if job.Image == "" {
			return fmt.Errorf("job %q has no image", name)
		}
		if len(job.Steps) == 0 {
			return fmt.Errorf("job %q has no steps", name)
		}
		for i, step := range job.Steps {
			if step.Run.Command == "" {
				return fmt.Errorf("job %q step %d has no command", name, i)
			}
		}
	}
	return nil
}
