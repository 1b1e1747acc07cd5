package domain

import "errors"

var (
	// ErrTransportConstruction means a client could not be built or connected.
	ErrTransportConstruction = errors.New("transport construction failed")
	// ErrTransportDisconnect means tearing down a client failed.
	ErrTransportDisconnect = errors.New("transport disconnect failed")
	// ErrDeliveryFailed means an outbound message could not be sent.
	ErrDeliveryFailed = errors.New("message delivery failed")
	// ErrMalformedCommand means an observer sent an unparseable or unknown frame.
	ErrMalformedCommand = errors.New("malformed command")
	// ErrNoClient means no transport client is currently held.
	ErrNoClient = errors.New("no active transport client")
	// ErrManagerClosed means the lifecycle manager is no longer running.
	ErrManagerClosed = errors.New("lifecycle manager is not running")
)
