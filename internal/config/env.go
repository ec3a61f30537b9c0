package config

import (
	"os"
	"strconv"
)

// Environment override names. Each maps onto one YAML field; the override
// wins when set.
const (
	EnvBusListen    = "AMOSKYS_BUS_LISTEN"
	EnvBusAddress   = "AMOSKYS_BUS_ADDRESS"
	EnvCertDir      = "AMOSKYS_CERT_DIR"
	EnvTrustDir     = "AMOSKYS_TRUST_DIR"
	EnvWALPath      = "AMOSKYS_WAL_PATH"
	EnvQueuePath    = "AMOSKYS_QUEUE_PATH"
	EnvKeyPath      = "AMOSKYS_KEY_PATH"
	EnvMaxEnvBytes  = "AMOSKYS_MAX_ENV_BYTES"
	EnvMaxInflight  = "AMOSKYS_MAX_INFLIGHT"
	EnvHardMax      = "AMOSKYS_HARD_MAX"
	EnvOverloadMode = "AMOSKYS_OVERLOAD_MODE"
	EnvRedisAddress = "AMOSKYS_REDIS_ADDRESS"
	EnvFusionDB     = "AMOSKYS_FUSION_DB"
	EnvOpsListen    = "AMOSKYS_OPS_LISTEN"

	// EnvOverload is the per-request flag consulted when overload_mode is
	// "auto": "1"/"true" sheds load, anything else does not.
	EnvOverload = "AMOSKYS_OVERLOAD"
)

func (c *Config) applyEnv() {
	setString(EnvBusListen, &c.Bus.ListenAddress)
	setString(EnvBusAddress, &c.Agent.BusAddress)
	setString(EnvCertDir, &c.Bus.CertDir)
	setString(EnvCertDir, &c.Agent.CertDir)
	setString(EnvTrustDir, &c.Bus.TrustDir)
	setString(EnvWALPath, &c.Bus.WALPath)
	setString(EnvQueuePath, &c.Agent.QueuePath)
	setString(EnvKeyPath, &c.Agent.KeyPath)
	setInt(EnvMaxEnvBytes, &c.Bus.MaxEnvBytes)
	setInt(EnvMaxEnvBytes, &c.Agent.MaxEnvBytes)
	setInt(EnvMaxInflight, &c.Bus.MaxInflight)
	setInt(EnvHardMax, &c.Bus.HardMax)
	setString(EnvOverloadMode, &c.Bus.OverloadMode)
	setString(EnvRedisAddress, &c.Bus.RedisAddress)
	setString(EnvFusionDB, &c.Fusion.DBPath)
	setString(EnvOpsListen, &c.Ops.ListenAddress)
}

// OverloadFlag reports the per-request shed flag used by overload_mode=auto.
func OverloadFlag() bool {
	switch os.Getenv(EnvOverload) {
	case "1", "true", "TRUE", "on":
		return true
	}
	return false
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
