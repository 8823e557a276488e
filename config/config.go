// Package config loads net-agentd's configuration from flags, environment, and
// an optional file via viper, in the style of common/config.go.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// CueballAgent mirrors the connection-pool recovery parameters names: spares,
// maximum, and per-timeout-strategy retries/delays.
type CueballAgent struct {
	Spares          int           `mapstructure:"spares"`
	Maximum         int           `mapstructure:"maximum"`
	RecoveryRetries int           `mapstructure:"recoveryRetries"`
	RecoveryDelay   time.Duration `mapstructure:"recoveryDelay"`
	ConnectTimeout  time.Duration `mapstructure:"connectTimeout"`
}

// NapiAuth selects how the netapi client authenticates. Mode "none" sends
// no Authorization header; "aad" acquires a bearer token via azidentity.
type NapiAuth struct {
	Mode     string `mapstructure:"mode"`
	TenantID string `mapstructure:"tenantId"`
	ClientID string `mapstructure:"clientId"`
	Scope    string `mapstructure:"scope"`
}

// KeyVault optionally supplies admin_uuid from Azure Key Vault when the rest
// of the config leaves it unset.
type KeyVault struct {
	URL string `mapstructure:"url"`
}

// Config is the full net-agentd configuration surface,
type Config struct {
	CnUUID         string       `mapstructure:"cn_uuid"`
	AgentUUID      string       `mapstructure:"agent_uuid"`
	AdminUUID      string       `mapstructure:"admin_uuid"`
	NapiURL        string       `mapstructure:"napi.url"`
	NapiAuth       NapiAuth     `mapstructure:"napi.auth"`
	CueballAgent   CueballAgent `mapstructure:"cueballAgent"`
	VMAdmSocket    string       `mapstructure:"vmadm.socket"`
	NoRabbit       bool         `mapstructure:"no_rabbit"` // legacy flag, unused by the core
	Sysinfo        string       `mapstructure:"sysinfo"`
	ServerRoot     string       `mapstructure:"serverRoot"`
	DatacenterName string       `mapstructure:"datacenterName"`
	DNSDomain      string       `mapstructure:"dnsDomain"`
	BindIP         string       `mapstructure:"bindip"`
	AdminNicTag    string       `mapstructure:"adminNicTag"`
	StatusAddr     string       `mapstructure:"statusAddr"`
	LogDir         string       `mapstructure:"logDir"`
	KeyVault       KeyVault     `mapstructure:"keyVault"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("napi.auth.mode", "none")
	v.SetDefault("cueballAgent.spares", 4)
	v.SetDefault("cueballAgent.maximum", 32)
	v.SetDefault("cueballAgent.recoveryRetries", 5)
	v.SetDefault("cueballAgent.recoveryDelay", 5*time.Second)
	v.SetDefault("cueballAgent.connectTimeout", 2*time.Second)
	v.SetDefault("vmadm.socket", "/var/run/vmadm.sock")
	v.SetDefault("statusAddr", ":8080")
	v.SetDefault("logDir", "/var/log/net-agentd")
	v.SetDefault("adminNicTag", "admin")
}

// Load builds a Config from flags (already parsed into fs), the
// NETAGENT_-prefixed environment, and an optional file named by --config.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("NETAGENT")
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, errors.Wrap(err, "binding flags")
		}
		if cfgFile, err := fs.GetString("config"); err == nil && cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, errors.Wrap(err, "reading config file")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}

	if cfg.CnUUID == "" {
		return nil, errors.New("cn_uuid is required")
	}

	if cfg.AgentUUID == "" {
		cfg.AgentUUID = uuid.New().String()
	}

	return &cfg, nil
}

// ApplyKeyVaultOverlay fetches the "admin-uuid" secret from Key Vault when
// KeyVault.URL is set and AdminUUID is still empty after the other config
// layers; an AdminUUID already set is kept, and NetAPI auth material is not
// read from Key Vault. Adapted from the keyvault package
// directly into config rather than kept as its own package, since this is
// its only caller.
func (c *Config) ApplyKeyVaultOverlay(ctx context.Context) error {
	if c.KeyVault.URL == "" {
		return nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return errors.Wrap(err, "acquiring default azure credential")
	}

	client, err := azsecrets.NewClient(c.KeyVault.URL, cred, nil)
	if err != nil {
		return errors.Wrap(err, "creating keyvault client")
	}

	if c.AdminUUID == "" {
		resp, err := client.GetSecret(ctx, "admin-uuid", "", nil)
		if err != nil {
			return errors.Wrap(err, "fetching admin-uuid secret")
		}
		if resp.Value != nil {
			c.AdminUUID = *resp.Value
		}
	}

	return nil
}

// TokenCredential returns the azidentity credential to use for NetAPI
// bearer-token auth, or nil when NapiAuth.Mode is "none".
func (c *Config) TokenCredential() (azidentity.TokenCredential, error) {
	switch c.NapiAuth.Mode {
	case "", "none":
		return nil, nil
	case "aad":
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, errors.Wrap(err, "acquiring default azure credential")
		}
		return cred, nil
	default:
		return nil, fmt.Errorf("unsupported napi auth mode %q", c.NapiAuth.Mode)
	}
}
