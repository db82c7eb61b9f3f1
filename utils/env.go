package utils

import (
	"os"
)

var (
	// Env_ConfigPath is the only way to point the daemon at its config file
	Env_ConfigPath = os.Getenv("CERTCENTRAL_CONFIG")
	// Env_StateDir overrides store.base_path from the config when set
	Env_StateDir = os.Getenv("CERTCENTRAL_STATE_DIR")

	Env_ControlPort = EnvOrDefault("CONTROL_PORT", "1589")

	Env_ShutdownTimeoutSeconds = MustEnvOrDefaultInt64("SHUTDOWN_TIMEOUT_SEC", 30)

	// Requests per second against a single ACME directory
	Env_ACMERequestsPerSecond = MustEnvOrDefaultInt64("ACME_RPS", 20)
	Env_HTTPTimeoutSec        = MustEnvOrDefaultInt64("HTTP_TIMEOUT_SEC", 60)
)
