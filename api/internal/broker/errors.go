// api/internal/broker/errors.go
package broker

import "errors"

var (
	errTimeout           = errors.New("broker: operation timed out")
	errNotConnected      = errors.New("broker: runner not connected")
	errUnknownRunner     = errors.New("broker: unknown runner id")
	errConnectionIDInUse = errors.New("broker: hmr connection id already in use")
)
