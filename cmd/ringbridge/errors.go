package main

import (
	"errors"
	"fmt"

	"github.com/srg/ringbridge/internal/store"
	"github.com/srg/ringbridge/pkg/ring"
)

// Command-level errors
var (
	// ErrInvalidFormat is returned for an unknown --format value.
	ErrInvalidFormat = errors.New("invalid output format")
)

// FormatUserError turns a command error into a single line for the terminal.
// Bridge errors are reduced to an actionable message; anything else prints as is.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, store.ErrAlreadyOpen) {
		return "the database is in use by another ringbridge process"
	}

	var rerr *ring.Error
	if !errors.As(err, &rerr) {
		return err.Error()
	}

	switch rerr.Kind {
	case ring.InvalidArgument:
		return fmt.Sprintf("invalid argument: %s", rerr.Msg)
	case ring.NotConnected:
		return "no ring connected (start serve with --connect <address>)"
	case ring.ConnectionRejected:
		return fmt.Sprintf("the ring refused the connection: %s", rerr.Msg)
	case ring.BootstrapFailure:
		return fmt.Sprintf("failed to prepare the data directory: %s", causeOf(rerr))
	case ring.NotReady:
		return "the bridge is not started"
	case ring.StorageQueryFailure:
		return fmt.Sprintf("failed to query stored history: %s", causeOf(rerr))
	case ring.IdentifierResolutionFailure:
		return "no stored data for this ring yet (connect and sync once first)"
	default:
		return rerr.Error()
	}
}

func causeOf(e *ring.Error) string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Msg
}
