package ws

import (
	"context"
	"errors"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/broadcast"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/collab"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/ot"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/presence"
)

var (
	errMalformed      = errors.New("MALFORMED_MESSAGE")
	errUnknownType    = errors.New("UNKNOWN_MESSAGE_TYPE")
	errMissingPayload = errors.New("MISSING_PAYLOAD")
)

const codeInternal = "INTERNAL"

// known errors are reported to clients under their own code
var clientErrors = []error{
	ot.ErrValidation,
	ot.ErrInvalidPath,
	ot.ErrUnsupportedTransform,
	collab.ErrLockConflict,
	collab.ErrLockNotFound,
	collab.ErrNotLockHolder,
	collab.ErrEntityLocked,
	collab.ErrSessionUnknown,
	presence.ErrUnknownSession,
	broadcast.ErrSemaphoreTimeout,
	errMalformed,
	errUnknownType,
	errMissingPayload,
}

func errorCode(err error) string {
	for _, e := range clientErrors {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT"
	}
	return codeInternal
}
