// Package log provides structured logging built on zerolog: a global
// Logger configured once via Init, plus WithComponent/WithNetwork/WithHost/
// WithVM helpers for child loggers scoped to the provisioning core's
// recurring dimensions.
package log
