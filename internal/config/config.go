package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"civicwater/internal/trackid"
)

// Config models civicwater.yml.
type Config struct {
	Portal struct {
		Name     string `yaml:"name"`
		BasePath string `yaml:"base_path"`
	} `yaml:"portal"`
	Tracking struct {
		Timeout Duration `yaml:"timeout"`
	} `yaml:"tracking"`
	Forms     map[string]FormConfig `yaml:"forms"`
	RTS       map[string]int        `yaml:"rts"`
	OTP       OTPConfig             `yaml:"otp"`
	Billing   BillingConfig         `yaml:"billing"`
	Roles     map[string]Role       `yaml:"roles"`
	Notify    NotifyConfig          `yaml:"notify"`
	Scheduler struct {
		RTSSweep string `yaml:"rts_sweep"`
	} `yaml:"scheduler"`
	Storage StorageConfig `yaml:"storage"`
	Log     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// FormConfig binds a submission form to its identifier family and review stages.
type FormConfig struct {
	Family        string           `yaml:"family"`
	Category      string           `yaml:"category"`
	Service       string           `yaml:"service"`
	SequenceWidth int              `yaml:"sequence_width"`
	Stages        []string         `yaml:"stages"`
	Attachments   AttachmentConfig `yaml:"attachments"`
}

type AttachmentConfig struct {
	MaxFiles int      `yaml:"max_files"`
	MaxMB    int      `yaml:"max_mb"`
	Types    []string `yaml:"types"`
}

// MaxBytes returns the per-file limit in bytes.
func (a AttachmentConfig) MaxBytes() int64 {
	return int64(a.MaxMB) * 1024 * 1024
}

type OTPConfig struct {
	Length      int      `yaml:"length"`
	Expiry      Duration `yaml:"expiry"`
	ResendDelay Duration `yaml:"resend_delay"`
	MaxAttempts int      `yaml:"max_attempts"`
	TokenTTL    Duration `yaml:"token_ttl"`
}

type Slab struct {
	UpTo int64 `yaml:"up_to"`
	Rate int64 `yaml:"rate"`
}

type BillingConfig struct {
	Slabs           []Slab           `yaml:"slabs"`
	ReadingRate     int64            `yaml:"reading_rate"`
	FixedCharge     int64            `yaml:"fixed_charge"`
	SeweragePercent int64            `yaml:"sewerage_percent"`
	WindowStartDay  int              `yaml:"window_start_day"`
	WindowEndDay    int              `yaml:"window_end_day"`
	PipeFees        map[string]int64 `yaml:"pipe_fees"`
	ProcessingFee   int64            `yaml:"processing_fee"`
	// DueDays is how long a generated bill stays payable before it is due.
	DueDays int `yaml:"due_days"`
}

type Role struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type NotifyConfig struct {
	NATSURL       string          `yaml:"nats_url"`
	SubjectPrefix string          `yaml:"subject_prefix"`
	Interval      Duration        `yaml:"interval"`
	Webhooks      []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Enabled *bool    `yaml:"enabled"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Duration decodes "30s" style YAML scalars.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Form returns the named form config.
func (c *Config) Form(name string) (FormConfig, bool) {
	f, ok := c.Forms[name]
	return f, ok
}

// FormNames returns the configured form names sorted.
func (c *Config) FormNames() []string {
	names := make([]string, 0, len(c.Forms))
	for n := range c.Forms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RTSDays returns the right-to-service limit for a service, 0 when unset.
func (c *Config) RTSDays(service string) int {
	return c.RTS[service]
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Portal.Name == "" {
		return fmt.Errorf("config.portal.name is required")
	}
	if c.Portal.BasePath != "" && !strings.HasPrefix(c.Portal.BasePath, "/") {
		return fmt.Errorf("config.portal.base_path must start with /")
	}
	if c.Tracking.Timeout.Duration <= 0 {
		return fmt.Errorf("config.tracking.timeout must be positive")
	}
	if len(c.Forms) == 0 {
		return fmt.Errorf("config.forms is required")
	}
	for name, f := range c.Forms {
		if _, ok := trackid.FamilyFromPrefix(f.Family); !ok {
			return fmt.Errorf("form %s has unknown family %q", name, f.Family)
		}
		if len(f.Stages) == 0 {
			return fmt.Errorf("form %s has no stages", name)
		}
		for _, s := range f.Stages {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("form %s has an empty stage label", name)
			}
		}
		if f.SequenceWidth < 0 {
			return fmt.Errorf("form %s has negative sequence_width", name)
		}
		if f.Service != "" {
			if _, ok := c.RTS[f.Service]; !ok {
				return fmt.Errorf("form %s references unknown rts service %s", name, f.Service)
			}
		}
		if f.Attachments.MaxFiles < 0 || f.Attachments.MaxMB < 0 {
			return fmt.Errorf("form %s has negative attachment limits", name)
		}
	}
	for svc, days := range c.RTS {
		if days <= 0 {
			return fmt.Errorf("rts %s must be positive", svc)
		}
	}
	if c.OTP.Length < 4 || c.OTP.Length > 10 {
		return fmt.Errorf("config.otp.length must be between 4 and 10")
	}
	if c.OTP.Expiry.Duration <= 0 {
		return fmt.Errorf("config.otp.expiry must be positive")
	}
	if c.OTP.MaxAttempts <= 0 {
		return fmt.Errorf("config.otp.max_attempts must be positive")
	}
	var last int64
	for i, s := range c.Billing.Slabs {
		if s.Rate < 0 {
			return fmt.Errorf("billing slab %d has negative rate", i)
		}
		if s.UpTo != 0 && s.UpTo <= last {
			return fmt.Errorf("billing slabs must ascend (slab %d)", i)
		}
		if s.UpTo == 0 && i != len(c.Billing.Slabs)-1 {
			return fmt.Errorf("only the last billing slab may be open-ended")
		}
		last = s.UpTo
	}
	if c.Billing.DueDays < 0 {
		return fmt.Errorf("billing due_days must not be negative")
	}
	if c.Billing.WindowStartDay > c.Billing.WindowEndDay {
		return fmt.Errorf("billing reading window start after end")
	}
	for roleID, role := range c.Roles {
		if roleID == "" {
			return fmt.Errorf("config.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	switch c.Storage.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config.storage.postgres_dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("config.storage.driver must be sqlite or postgres")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "civicwater.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(portalName string) string {
	return fmt.Sprintf(defaultTemplate, portalName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cw config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in portal configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault("Municipal Water Portal"))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
// Sections missing from data keep their built-in defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `portal:
  name: %s
  base_path: /v1

tracking:
  timeout: 30s

forms:
  grievance:
    family: GRV
    category: Connection Grievance
    service: grievance_resolution
    sequence_width: 3
    stages: [Grievance Submitted, Assigned to Officer, Investigation in Progress, Resolution & Closure]
    attachments:
      max_files: 3
      max_mb: 10
      types: [image/jpeg, image/png, application/pdf]
  first-connection-grievance:
    family: GRV
    category: First Connection Grievance
    service: grievance_resolution
    sequence_width: 3
    stages: [Grievance Submitted, Assigned to Officer, Investigation in Progress, Resolution & Closure]
    attachments:
      max_files: 3
      max_mb: 2
      types: [image/jpeg, image/png, application/pdf]
  new-connection:
    family: APP
    category: New Water Connection
    service: new_connection
    sequence_width: 3
    stages: [Application Submitted, Document Verification, Site Inspection, Fee Assessment, Approval & Consumer ID]
    attachments:
      max_files: 5
      max_mb: 5
      types: [image/jpeg, image/png, application/pdf]
  first-connection:
    family: WNC
    category: First Water Connection
    service: new_connection
    sequence_width: 6
    stages: [Application Submitted, Document Verification, Site Inspection, Fee Payment, Connection Installation]
    attachments:
      max_files: 5
      max_mb: 5
      types: [image/jpeg, image/png, application/pdf]

rts:
  new_connection: 15
  grievance_resolution: 7
  meter_installation: 10
  inspection: 5
  bill_correction: 3
  disconnection: 2
  reconnection: 1

otp:
  length: 6
  expiry: 5m
  resend_delay: 60s
  max_attempts: 3
  token_ttl: 12h

billing:
  slabs:
    - {up_to: 100, rate: 8}
    - {up_to: 300, rate: 12}
    - {up_to: 500, rate: 18}
    - {up_to: 0, rate: 25}
  reading_rate: 12
  fixed_charge: 150
  sewerage_percent: 10
  window_start_day: 25
  window_end_day: 30
  pipe_fees:
    15mm: 1500
    20mm: 2000
    25mm: 3000
    40mm: 5000
    50mm: 7500
  processing_fee: 500
  due_days: 30

roles:
  officer:
    description: "Reviews applications and grievances"
    permissions: [record.read, record.advance, record.status, billing.manage]
  admin:
    description: "Portal administrator"
    permissions: [record.read, record.advance, record.status, record.sweep, apikey.manage, billing.manage]

notify:
  nats_url: ""
  subject_prefix: notifications.portal
  interval: 2s
  webhooks: []

scheduler:
  rts_sweep: "@every 1h"

storage:
  driver: sqlite
  postgres_dsn: ""

log:
  level: info
  format: json
`
