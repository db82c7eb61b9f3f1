package internal

import "github.com/certcentral/certcentral/utils"

var (
	Env_InternalPort = utils.EnvOrDefault("INTERNAL_PORT", "1590")
)
