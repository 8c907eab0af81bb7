package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrStoreConflict describes a lost putIfAbsent race. Stores report it as
	// committed=false rather than returning it; callers treat the existing
	// record as authoritative.
	ErrStoreConflict = errors.New("record already exists")

	ErrUnknownConsumer = errors.New("unknown consumer")
)

// TransientFetchError is a retryable market-data failure (network, 429, 5xx).
type TransientFetchError struct {
	Asset      string
	StatusCode int
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient fetch error for %s: status %d: %v", e.Asset, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient fetch error for %s: %v", e.Asset, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// DataUnavailableError marks an asset as having no usable series for a tick.
type DataUnavailableError struct {
	Asset string
	Err   error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("data unavailable for %s: %v", e.Asset, e.Err)
}

func (e *DataUnavailableError) Unwrap() error { return e.Err }

func (e *DataUnavailableError) Is(target error) bool { return target == ErrDataUnavailable }

type SummarizationError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("summarize %s failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }

type DeliveryError struct {
	Channel    string
	ConsumerID string
	Key        string
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s via %s: %v", e.Key, e.ConsumerID, e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
