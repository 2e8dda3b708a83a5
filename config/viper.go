package config

import (
	"github.com/spf13/viper"
)

// BindDefaults registers the defaults of the Config fields below onto v
// under a flat key namespace, so a caller can load a YAML file or
// environment overrides on top without restating the defaults.
// PassthroughLocking and the wait fields not listed here are not bound;
// FromViper leaves them at New()'s defaults.
func BindDefaults(v *viper.Viper) {
	d := New()
	v.SetDefault("max_handles", d.MaxHandles)
	v.SetDefault("max_adapters", d.MaxAdapters)
	v.SetDefault("shares_low", d.SharesLow)
	v.SetDefault("shares_normal", d.SharesNormal)
	v.SetDefault("shares_high", d.SharesHigh)
	v.SetDefault("per_world_cap", d.PerWorldCap)
	v.SetDefault("bounce_pool_pages", d.BouncePoolPages)
	v.SetDefault("use_lun_reset", d.UseLunReset)
	v.SetDefault("sync_wait_timeout", d.Wait.SyncWaitTimeout)
	v.SetDefault("timeout_retries", d.Wait.TimeoutRetries)
	v.SetDefault("reservation_conflict_retries", d.Wait.ReservationConflictRetries)
	v.SetDefault("host_error_retry_cap", d.Wait.HostErrorRetryCap)
}

// FromViper builds a Config from a populated viper.Viper (after
// BindDefaults plus whatever config file/env/flag layer the caller
// added).
func FromViper(v *viper.Viper) Config {
	c := New()
	c.MaxHandles = v.GetInt("max_handles")
	c.MaxAdapters = v.GetInt("max_adapters")
	c.SharesLow = v.GetInt("shares_low")
	c.SharesNormal = v.GetInt("shares_normal")
	c.SharesHigh = v.GetInt("shares_high")
	c.PerWorldCap = v.GetInt("per_world_cap")
	c.BouncePoolPages = v.GetInt("bounce_pool_pages")
	c.UseLunReset = v.GetBool("use_lun_reset")
	c.Wait.SyncWaitTimeout = v.GetDuration("sync_wait_timeout")
	c.Wait.TimeoutRetries = v.GetInt("timeout_retries")
	c.Wait.ReservationConflictRetries = v.GetInt("reservation_conflict_retries")
	c.Wait.HostErrorRetryCap = v.GetInt("host_error_retry_cap")
	return c
}
