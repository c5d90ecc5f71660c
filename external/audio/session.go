package audio

import (
	"fmt"
	"io"
)

// errSessionStopped is returned by a read interrupted by Stop.
var errSessionStopped = fmt.Errorf("capture session stopped: %w", io.EOF)
