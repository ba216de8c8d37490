package stratum

import (
	"errors"

	"github.com/toole-brendan/poolwatch/internal/poolerr"
)

// ConnectionLost is returned whenever a session-ending I/O condition
// occurs: peer close, read timeout, or any other socket fault. It is a
// TransientIOError: the outer Client.Run loop retries on it.
var ConnectionLost = poolerr.Transient("stratum", errors.New("connection lost"))

// errShortParams is a ProtocolError: a malformed params array is logged
// and the offending frame discarded, never propagated as a hard failure.
var errShortParams = poolerr.Protocol("stratum", errors.New("malformed params array"))
