package durabletask

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Configuration holds every tunable the orchestration core reads at
// startup. It is built from three layers, lowest to highest precedence:
// struct defaults (DefaultConfiguration), a YAML file (LoadConfigFile),
// and whatever the host (typically cmd/durabletaskd's cobra flags)
// overrides on the resulting struct directly.
type Configuration struct {
	TaskHubName             string `yaml:"taskHubName" mapstructure:"taskHubName"`
	StorageConnectionString string `yaml:"storageConnectionString" mapstructure:"storageConnectionString"`
	WorkerID                string `yaml:"workerId" mapstructure:"workerId"`

	PartitionCount        int `yaml:"partitionCount" mapstructure:"partitionCount"`
	ControlQueueBatchSize int `yaml:"controlQueueBatchSize" mapstructure:"controlQueueBatchSize"`

	MaxConcurrentTaskOrchestrationWorkItems int `yaml:"maxConcurrentTaskOrchestrationWorkItems" mapstructure:"maxConcurrentTaskOrchestrationWorkItems"`
	MaxConcurrentTaskActivityWorkItems      int `yaml:"maxConcurrentTaskActivityWorkItems" mapstructure:"maxConcurrentTaskActivityWorkItems"`

	ExtendedSessionsEnabled        bool  `yaml:"extendedSessionsEnabled" mapstructure:"extendedSessionsEnabled"`
	MaxStorageOperationConcurrency int64 `yaml:"maxStorageOperationConcurrency" mapstructure:"maxStorageOperationConcurrency"`

	LeaseInterval        time.Duration `yaml:"leaseInterval" mapstructure:"leaseInterval"`
	LeaseRenewInterval   time.Duration `yaml:"leaseRenewInterval" mapstructure:"leaseRenewInterval"`
	LeaseAcquireInterval time.Duration `yaml:"leaseAcquireInterval" mapstructure:"leaseAcquireInterval"`

	ControlQueueVisibilityTimeout  time.Duration `yaml:"controlQueueVisibilityTimeout" mapstructure:"controlQueueVisibilityTimeout"`
	WorkItemQueueVisibilityTimeout time.Duration `yaml:"workItemQueueVisibilityTimeout" mapstructure:"workItemQueueVisibilityTimeout"`
}

// DefaultConfiguration returns the struct-default layer: sane values for
// a single-process development deployment.
func DefaultConfiguration() Configuration {
	return Configuration{
		TaskHubName:                             "default",
		PartitionCount:                          4,
		ControlQueueBatchSize:                   32,
		MaxConcurrentTaskOrchestrationWorkItems: 100,
		MaxConcurrentTaskActivityWorkItems:      100,
		ExtendedSessionsEnabled:                 false,
		MaxStorageOperationConcurrency:          10,
		LeaseInterval:                           60 * time.Second,
		LeaseRenewInterval:                      20 * time.Second,
		LeaseAcquireInterval:                    2 * time.Second,
		ControlQueueVisibilityTimeout:           2 * time.Minute,
		WorkItemQueueVisibilityTimeout:          2 * time.Minute,
	}
}

// LoadConfigFile decodes a YAML file onto a copy of base, the same
// two-step "unstructured map then mapstructure.Decode" pattern used
// elsewhere in this codebase's config surfaces, so duration strings
// ("30s") and loosely-typed YAML scalars coerce onto the struct's typed
// fields without a custom YAML unmarshaler.
func LoadConfigFile(path string, base Configuration) (Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, fmt.Errorf("durabletask: read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return base, fmt.Errorf("durabletask: parse config file: %w", err)
	}

	cfg := base
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return base, fmt.Errorf("durabletask: build config decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return base, fmt.Errorf("durabletask: decode config file: %w", err)
	}
	return cfg, nil
}

// Validate enforces the invariants spec'd for the configuration surface.
// Every violation is collected rather than short-circuiting on the
// first, so a host can report everything wrong with a config file in
// one pass.
func (c Configuration) Validate() error {
	var errs []error

	if c.TaskHubName == "" {
		errs = append(errs, errors.New("config: taskHubName must not be empty"))
	}
	if c.WorkerID == "" {
		errs = append(errs, errors.New("config: workerId must not be empty"))
	}
	if c.PartitionCount < 1 || c.PartitionCount > 16 {
		errs = append(errs, fmt.Errorf("config: partitionCount must be in [1,16], got %d", c.PartitionCount))
	}
	if c.ControlQueueBatchSize < 1 || c.ControlQueueBatchSize > 32 {
		errs = append(errs, fmt.Errorf("config: controlQueueBatchSize must be in [1,32], got %d", c.ControlQueueBatchSize))
	}
	if c.MaxStorageOperationConcurrency < 1 {
		errs = append(errs, errors.New("config: maxStorageOperationConcurrency must be >= 1"))
	}
	if c.LeaseInterval <= 0 || c.LeaseRenewInterval <= 0 || c.LeaseAcquireInterval <= 0 {
		errs = append(errs, errors.New("config: lease intervals must be positive"))
	} else if c.LeaseRenewInterval*3 > c.LeaseInterval {
		errs = append(errs, fmt.Errorf("config: leaseRenewInterval*3 (%s) must be <= leaseInterval (%s)",
			c.LeaseRenewInterval*3, c.LeaseInterval))
	}

	return errors.Join(errs...)
}
