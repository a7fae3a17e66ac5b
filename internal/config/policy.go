package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PolicyConfig carries runtime tunables that operators may change without a redeploy.
type PolicyConfig struct {
	DefaultUpgradeMessage string            `mapstructure:"defaultUpgradeMessage"`
	UpgradeMessages       map[string]string `mapstructure:"upgradeMessages"`
	ReminderDays          []int             `mapstructure:"reminderDays"`
	UpgradePath           string            `mapstructure:"upgradePath"`
	PendingPaymentMessage string            `mapstructure:"pendingPaymentMessage"`
	SuspendedMessage      string            `mapstructure:"suspendedMessage"`
	TrialExpiredMessage   string            `mapstructure:"trialExpiredMessage"`
	NoSubscriptionMessage string            `mapstructure:"noSubscriptionMessage"`
	PaidOnlyMessage       string            `mapstructure:"paidOnlyMessage"`
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		DefaultUpgradeMessage: "Tu plan actual no incluye acceso a: %s. Actualiza tu plan para continuar.",
		UpgradeMessages:       map[string]string{},
		ReminderDays:          []int{3, 1, 0},
		UpgradePath:           "/%s/billing/upgrade",
		PendingPaymentMessage: "Tu suscripción está pendiente de pago. Completa el proceso de pago para continuar.",
		SuspendedMessage:      "Tu suscripción está suspendida. Actualiza tu método de pago para continuar.",
		TrialExpiredMessage:   "Tu período de prueba ha expirado. Actualiza tu plan para continuar.",
		NoSubscriptionMessage: "Se requiere una suscripción activa para acceder a esta funcionalidad",
		PaidOnlyMessage:       "Se requiere una suscripción de pago activa para esta funcionalidad",
	}
}

// UpgradeMessage returns the message shown when featureKey is denied.
// The default message may carry a single %s for the feature display name.
func (c PolicyConfig) UpgradeMessage(featureKey, featureName string) string {
	if msg := strings.TrimSpace(c.UpgradeMessages[featureKey]); msg != "" {
		return msg
	}
	if featureName == "" {
		featureName = featureKey
	}
	if strings.Contains(c.DefaultUpgradeMessage, "%s") {
		return fmt.Sprintf(c.DefaultUpgradeMessage, featureName)
	}
	return c.DefaultUpgradeMessage
}

// UpgradeURL builds the upgrade link for a tenant slug.
func (c PolicyConfig) UpgradeURL(frontendURL, tenantSlug string) string {
	path := c.UpgradePath
	if !strings.Contains(path, "%s") {
		return strings.TrimRight(frontendURL, "/") + path
	}
	return strings.TrimRight(frontendURL, "/") + fmt.Sprintf(path, tenantSlug)
}

type PolicyConfigHolder struct {
	current atomic.Value // holds PolicyConfig
}

// NewStaticPolicyConfigHolder returns a holder that never reloads.
func NewStaticPolicyConfigHolder(cfg PolicyConfig) *PolicyConfigHolder {
	holder := &PolicyConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewPolicyConfigHolder() (*PolicyConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("entitlements")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/entitlements/config")
	v.AddConfigPath("/etc/entitlements")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ENTITLEMENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicyConfig()
	v.SetDefault("policy.defaultUpgradeMessage", defaults.DefaultUpgradeMessage)
	v.SetDefault("policy.reminderDays", defaults.ReminderDays)
	v.SetDefault("policy.upgradePath", defaults.UpgradePath)
	v.SetDefault("policy.pendingPaymentMessage", defaults.PendingPaymentMessage)
	v.SetDefault("policy.suspendedMessage", defaults.SuspendedMessage)
	v.SetDefault("policy.trialExpiredMessage", defaults.TrialExpiredMessage)
	v.SetDefault("policy.noSubscriptionMessage", defaults.NoSubscriptionMessage)
	v.SetDefault("policy.paidOnlyMessage", defaults.PaidOnlyMessage)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		watch = false
	}

	cfg, err := unmarshalPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPolicyConfigHolder(cfg)
	if !watch {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := unmarshalPolicy(v)
		if err != nil {
			log.Printf("[policy-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[policy-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PolicyConfigHolder) Get() PolicyConfig {
	return h.current.Load().(PolicyConfig)
}

func unmarshalPolicy(v *viper.Viper) (PolicyConfig, error) {
	cfg := DefaultPolicyConfig()
	if err := v.UnmarshalKey("policy", &cfg); err != nil {
		return PolicyConfig{}, err
	}
	if cfg.UpgradeMessages == nil {
		cfg.UpgradeMessages = map[string]string{}
	}
	if err := validatePolicyConfig(cfg); err != nil {
		return PolicyConfig{}, err
	}
	return cfg, nil
}

func validatePolicyConfig(cfg PolicyConfig) error {
	if strings.TrimSpace(cfg.DefaultUpgradeMessage) == "" {
		return errors.New("policy.defaultUpgradeMessage cannot be empty")
	}
	for _, day := range cfg.ReminderDays {
		if day < 0 {
			return errors.New("policy.reminderDays cannot contain negative values")
		}
	}
	return nil
}
