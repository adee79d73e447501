package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/terrpan/buildfleet/internal/ci"
)

// Config carries every job parameter the executor needs.  It is built
// once at startup; validation happens here, not scattered through the
// build phases.
type Config struct {
	Home string

	// CacheRoot overrides the default cache location.  Empty means
	// the standard server location.
	CacheRoot string

	ImageFilename string
	ImageName     string
	ImageDLURL    string

	Branch        string
	DefaultBranch string
	JobName       string
	Ref           string
	CommitHash    string
	EarlierCommit string
	Origin        string

	Trusted bool

	CacheConfig ci.CacheConfiguration
	Secrets     []ci.Secret
}

// FromEnv builds the executor configuration from the environment the
// dispatcher generated.  A missing or malformed cache policy is fatal:
// the executor cannot place the checkout without it.
func FromEnv() (Config, error) {
	cfg := Config{
		Home:          os.Getenv("HOME"),
		ImageFilename: os.Getenv("CI_IMAGE_FILENAME"),
		ImageName:     os.Getenv("CI_IMAGE_NAME"),
		ImageDLURL:    os.Getenv("CI_IMAGE_DL_URL"),
		Branch:        os.Getenv("CI_BRANCH"),
		DefaultBranch: os.Getenv("CI_DEFAULT_BRANCH"),
		JobName:       os.Getenv("CI_JOB_NAME"),
		Ref:           os.Getenv("CI_REF"),
		CommitHash:    os.Getenv("CI_COMMIT_HASH"),
		EarlierCommit: os.Getenv("CI_EARLIER_COMMIT"),
		Origin:        os.Getenv("CI_ORIGIN"),
	}

	if raw := os.Getenv("CI_TRUSTED"); raw != "" {
		trusted, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parsing CI_TRUSTED %q: %w", raw, err)
		}
		cfg.Trusted = trusted
	}

	cacheJSON := os.Getenv("CI_CACHE_OPTIONS")
	if cacheJSON == "" {
		return Config{}, fmt.Errorf("CI_CACHE_OPTIONS is not set")
	}
	cacheConfig, err := ci.ParseCacheConfiguration(cacheJSON)
	if err != nil {
		return Config{}, fmt.Errorf("parsing CI_CACHE_OPTIONS: %w", err)
	}
	cfg.CacheConfig = *cacheConfig

	if secretsJSON := os.Getenv("CI_SECRETS"); secretsJSON != "" {
		if err := json.Unmarshal([]byte(secretsJSON), &cfg.Secrets); err != nil {
			return Config{}, fmt.Errorf("parsing CI_SECRETS: %w", err)
		}
	}

	return cfg, nil
}
