package config

import (
	"strings"
	"time"

	"github.com/caseflow-io/caseflow-engine/services/cutover/api"
	"github.com/spf13/viper"
)

type SourceDatabase struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
}

type Postgres struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       string `mapstructure:"db"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

type Etcd struct {
	Endpoints          []string `mapstructure:"endpoints"`
	DialTimeoutSeconds int      `mapstructure:"dial_timeout_seconds"`
}

// CutoverConfig is the immutable input of a cutover run. It is read once at
// invocation and never mutated.
type CutoverConfig struct {
	Sources        []SourceDatabase `mapstructure:"sources"`
	TargetPostgres Postgres         `mapstructure:"target_postgres"`
	Etcd           Etcd             `mapstructure:"etcd"`

	RoutingKey string `mapstructure:"routing_key"`

	BatchSize       int  `mapstructure:"batch_size"`
	ParallelWorkers int  `mapstructure:"parallel_workers"`
	VerifyAfterBulk bool `mapstructure:"verify_after_bulk"`
	BackupBefore    bool `mapstructure:"backup_before_migrate"`

	ConsistencyFloor            float64 `mapstructure:"consistency_floor"`
	FinalVerificationGate       float64 `mapstructure:"final_verification_gate"`
	ErrorThresholdPercent       float64 `mapstructure:"error_threshold_percent"`
	VerificationIntervalSeconds int     `mapstructure:"verification_interval_seconds"`
	DualWriteSettleSeconds      int     `mapstructure:"dual_write_settle_seconds"`
	TrafficShiftLadder          []int   `mapstructure:"traffic_shift_ladder"`
	TrafficShiftTotalMinutes    int     `mapstructure:"traffic_shift_total_minutes"`
	RollbackTimeoutMinutes      int     `mapstructure:"rollback_timeout_minutes"`

	HealthEndpoints      []string `mapstructure:"health_endpoints"`
	NotificationWebhooks []string `mapstructure:"notification_webhooks"`

	HTTPAddress           string `mapstructure:"http_address"`
	PrometheusPushAddress string `mapstructure:"prometheus_push_address"`

	// TypeOverrides maps a source column type to the target type to use,
	// taking precedence over the built-in mapping table.
	TypeOverrides map[string]string `mapstructure:"type_overrides"`
}

func Default() CutoverConfig {
	return CutoverConfig{
		RoutingKey:                  "/caseflow/cutover/routing",
		BatchSize:                   1000,
		ParallelWorkers:             4,
		VerifyAfterBulk:             true,
		BackupBefore:                true,
		ConsistencyFloor:            95,
		FinalVerificationGate:       99.5,
		ErrorThresholdPercent:       1,
		VerificationIntervalSeconds: 30,
		DualWriteSettleSeconds:      30,
		TrafficShiftLadder:          []int{10, 25, 50, 75, 90, 100},
		TrafficShiftTotalMinutes:    60,
		RollbackTimeoutMinutes:      15,
		HTTPAddress:                 "localhost:8080",
	}
}

// Load reads the configuration file at path (if non-empty) with CUTOVER_*
// environment variables taking precedence over file values. Defaults are
// registered with viper and decoded into a zero struct; pre-filling the
// struct would make mapstructure merge file slices element-wise into the
// default slices.
func Load(path string) (CutoverConfig, error) {
	def := Default()

	v := viper.New()
	v.SetEnvPrefix("cutover")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("routing_key", def.RoutingKey)
	v.SetDefault("batch_size", def.BatchSize)
	v.SetDefault("parallel_workers", def.ParallelWorkers)
	v.SetDefault("verify_after_bulk", def.VerifyAfterBulk)
	v.SetDefault("backup_before_migrate", def.BackupBefore)
	v.SetDefault("consistency_floor", def.ConsistencyFloor)
	v.SetDefault("final_verification_gate", def.FinalVerificationGate)
	v.SetDefault("error_threshold_percent", def.ErrorThresholdPercent)
	v.SetDefault("verification_interval_seconds", def.VerificationIntervalSeconds)
	v.SetDefault("dual_write_settle_seconds", def.DualWriteSettleSeconds)
	v.SetDefault("traffic_shift_ladder", def.TrafficShiftLadder)
	v.SetDefault("traffic_shift_total_minutes", def.TrafficShiftTotalMinutes)
	v.SetDefault("rollback_timeout_minutes", def.RollbackTimeoutMinutes)
	v.SetDefault("http_address", def.HTTPAddress)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return CutoverConfig{}, err
		}
	}

	var cnf CutoverConfig
	if err := v.Unmarshal(&cnf); err != nil {
		return cnf, err
	}
	return cnf, nil
}

func (c CutoverConfig) Validate() error {
	if len(c.Sources) == 0 {
		return &api.ValidationError{Field: "sources", Reason: "at least one source database is required"}
	}
	seen := map[string]bool{}
	for _, s := range c.Sources {
		if s.Name == "" {
			return &api.ValidationError{Field: "sources", Reason: "source name must not be empty"}
		}
		if s.Path == "" {
			return &api.ValidationError{Field: "sources", Reason: "source " + s.Name + " has no path"}
		}
		if seen[s.Name] {
			return &api.ValidationError{Field: "sources", Reason: "duplicate source name " + s.Name}
		}
		seen[s.Name] = true
	}
	if c.TargetPostgres.Host == "" || c.TargetPostgres.DB == "" {
		return &api.ValidationError{Field: "target_postgres", Reason: "host and db must be set"}
	}
	if len(c.Etcd.Endpoints) == 0 {
		return &api.ValidationError{Field: "etcd.endpoints", Reason: "at least one endpoint is required"}
	}
	if c.BatchSize <= 0 {
		return &api.ValidationError{Field: "batch_size", Reason: "must be positive"}
	}
	if c.ParallelWorkers <= 0 {
		return &api.ValidationError{Field: "parallel_workers", Reason: "must be positive"}
	}
	if len(c.TrafficShiftLadder) == 0 {
		return &api.ValidationError{Field: "traffic_shift_ladder", Reason: "must not be empty"}
	}
	prev := 0
	for _, p := range c.TrafficShiftLadder {
		if p <= prev || p > 100 {
			return &api.ValidationError{Field: "traffic_shift_ladder", Reason: "steps must be strictly increasing within (0,100]"}
		}
		prev = p
	}
	if c.TrafficShiftLadder[len(c.TrafficShiftLadder)-1] != 100 {
		return &api.ValidationError{Field: "traffic_shift_ladder", Reason: "last step must be 100"}
	}
	if c.ErrorThresholdPercent < 0 || c.ErrorThresholdPercent > 100 {
		return &api.ValidationError{Field: "error_threshold_percent", Reason: "must be within [0,100]"}
	}
	if c.ConsistencyFloor <= 0 || c.ConsistencyFloor > 100 {
		return &api.ValidationError{Field: "consistency_floor", Reason: "must be within (0,100]"}
	}
	if c.RollbackTimeoutMinutes <= 0 {
		return &api.ValidationError{Field: "rollback_timeout_minutes", Reason: "must be positive"}
	}
	return nil
}

func (c CutoverConfig) VerificationInterval() time.Duration {
	return time.Duration(c.VerificationIntervalSeconds) * time.Second
}

func (c CutoverConfig) DualWriteSettle() time.Duration {
	return time.Duration(c.DualWriteSettleSeconds) * time.Second
}

func (c CutoverConfig) RollbackTimeout() time.Duration {
	return time.Duration(c.RollbackTimeoutMinutes) * time.Minute
}

// StepWindow is the stabilization window of one ladder step: the total shift
// duration divided evenly across steps.
func (c CutoverConfig) StepWindow() time.Duration {
	total := time.Duration(c.TrafficShiftTotalMinutes) * time.Minute
	return total / time.Duration(len(c.TrafficShiftLadder))
}
