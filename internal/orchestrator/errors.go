package orchestrator

import (
	"errors"
	"fmt"
)

// Precondition failures. They are wrapped in a *ConfigurationError.
var (
	ErrWrongStatus    = errors.New("campaign status does not allow this operation")
	ErrNoRecipients   = errors.New("campaign has no recipients")
	ErrNoProvider     = errors.New("no provider available")
	ErrInvalidContent = errors.New("campaign content is invalid")
)

var (
	// ErrAlreadySending is returned to the loser of a concurrent start
	ErrAlreadySending = errors.New("campaign is already sending")

	// ErrProvidersExhausted is returned when every provider was lost mid-run.
	// The campaign is left paused.
	ErrProvidersExhausted = errors.New("all providers exhausted")
)

// ConfigurationError is a failed precondition. Nothing was changed.
type ConfigurationError struct {
	CampaignID string
	Reason     error
	Detail     string
}

func (e *ConfigurationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("campaign %s: %v", e.CampaignID, e.Reason)
	}
	return fmt.Sprintf("campaign %s: %v: %s", e.CampaignID, e.Reason, e.Detail)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Reason
}

// IsConfigurationError checks if err is a precondition failure
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
