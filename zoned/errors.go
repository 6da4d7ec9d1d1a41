/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package zoned

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the zone lifecycle core. Callers are
// expected to test with errors.Is(); everything else is wrapped context.
var (
	ErrInval       = errors.New("invalid argument")
	ErrNoMem       = errors.New("out of memory")
	ErrMalformed   = errors.New("malformed data")
	ErrRange       = errors.New("value out of range")
	ErrNoDiff      = errors.New("no difference between zone versions")
	ErrBusy        = errors.New("journal full")
	ErrAgain       = errors.New("not ready, try again")
	ErrNotFound    = errors.New("not found")
	ErrConn        = errors.New("connection failed")
	ErrWritable    = errors.New("not writable")
	ErrTsigBadKey  = errors.New("TSIG: unknown key")
	ErrTsigBadSig  = errors.New("TSIG: bad signature")
	ErrTsigBadTime = errors.New("TSIG: time out of window")
)

// ErrorKind classifies an error for propagation policy purposes:
// validation errors surface synchronously, resource errors trigger
// recovery (journal flush) or rollback, transient errors reschedule,
// permanent errors refuse the request, consistency errors are logged
// per node.
type ErrorKind uint8

const (
	NoError ErrorKind = iota
	ValidationError
	ResourceError
	TransientError
	PermanentError
	ConsistencyError
)

var ErrorKindToString = map[ErrorKind]string{
	ValidationError:  "validation",
	ResourceError:    "resource",
	TransientError:   "transient",
	PermanentError:   "permanent",
	ConsistencyError: "consistency",
}

// IsBusy reports the journal-full condition that triggers the
// flush-and-retry-once recovery.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return NoError
	case errors.Is(err, ErrInval), errors.Is(err, ErrMalformed):
		return ValidationError
	case errors.Is(err, ErrNoMem), errors.Is(err, ErrBusy), errors.Is(err, ErrWritable):
		return ResourceError
	case errors.Is(err, ErrConn), errors.Is(err, ErrAgain), errors.Is(err, ErrTsigBadTime):
		return TransientError
	case errors.Is(err, ErrTsigBadKey), errors.Is(err, ErrTsigBadSig):
		return PermanentError
	case errors.Is(err, ErrRange):
		return ConsistencyError
	}
	return PermanentError
}

func (zd *ZoneData) SetError(kind ErrorKind, errmsg string, args ...interface{}) {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	if kind == NoError {
		zd.Error = false
		zd.ErrorKind = NoError
		zd.ErrorMsg = ""
	} else {
		zd.Error = true
		zd.ErrorKind = kind
		zd.ErrorMsg = fmt.Sprintf(errmsg, args...)
	}
}
