// internal/websocket/errors.go
package websocket

import (
	"fmt"

	xerrors "fieldops-security/internal/pkg/errors"
)

// ErrNoSession means the token is valid but sign-in could not record its
// session; the client should POST /api/v1/sessions and reconnect.
var ErrNoSession = fmt.Errorf("%w: token has no recorded session", xerrors.ErrUnauthorized)
