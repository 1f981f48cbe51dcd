package exception

import "errors"

var (
	ErrConnectorNilClient     = errors.New("connector: nil client")
	ErrConnectorUnhealthy     = errors.New("connector: not healthy")
	ErrConnectorDisconnected  = errors.New("connector: disconnected")
	ErrConnectorRateWait      = errors.New("connector: rate limit wait exceeded")
	ErrConnectorUnknownResult = errors.New("connector: unknown outcome")
)
