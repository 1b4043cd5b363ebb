package domain

import "time"

// RegistryCredential tracks an active registry login. The secret is held in
// memory only and never echoed back through the API or logs.
type RegistryCredential struct {
	Registry   string
	Username   string
	Secret     string
	LoggedInAt time.Time
}
