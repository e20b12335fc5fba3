package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a single configuration validation failure.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every failure found during ValidateExtended,
// rather than stopping at the first.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var messages []string
	for _, err := range e {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("multiple validation errors: %s", strings.Join(messages, "; "))
}

// ValidateExtended checks the loadbalancer: section's numeric ranges and
// the admin API's auth material, beyond the structural checks Validate
// already performs. Intended for `loadshedctl config validate`, not for
// every Load call, since some of these are advisory rather than fatal.
func (c *Config) ValidateExtended() error {
	var errs ValidationErrors

	lb := c.LoadBalancer
	if lb.HistoryResourcePercentage < 0 || lb.HistoryResourcePercentage > 1 {
		errs = append(errs, ValidationError{
			Field: "loadbalancer.history_resource_percentage", Value: lb.HistoryResourcePercentage,
			Message: "must be in [0, 1]",
		})
	}
	if lb.BrokerThresholdShedderPercentage < 0 {
		errs = append(errs, ValidationError{
			Field: "loadbalancer.broker_threshold_shedder_percentage", Value: lb.BrokerThresholdShedderPercentage,
			Message: "must be >= 0",
		})
	}
	weightSum := lb.CPUResourceWeight + lb.MemoryResourceWeight + lb.DirectMemoryResourceWeight +
		lb.BandwidthInResourceWeight + lb.BandwidthOutResourceWeight
	if weightSum <= 0 {
		errs = append(errs, ValidationError{
			Field: "loadbalancer.*_resource_weight", Value: weightSum,
			Message: "resource weights must sum to a positive value",
		})
	}
	if lb.SheddingGracePeriodMinutes < 0 {
		errs = append(errs, ValidationError{
			Field: "loadbalancer.shedding_grace_period_minutes", Value: lb.SheddingGracePeriodMinutes,
			Message: "must be >= 0",
		})
	}
	if lb.NamespaceMaximumBundles < 0 {
		errs = append(errs, ValidationError{
			Field: "loadbalancer.namespace_maximum_bundles", Value: lb.NamespaceMaximumBundles,
			Message: "must be >= 0",
		})
	}

	if c.AdminAPI.Enabled && c.AdminAPI.JWTSigningKey == "" {
		errs = append(errs, ValidationError{
			Field: "admin_api.jwt_signing_key", Value: "",
			Message: "required when admin_api.enabled is true",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
