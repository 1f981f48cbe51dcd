package exception

import "errors"

var (
	ErrOrderUnsupportedVenue  = errors.New("order: unsupported venue")
	ErrOrderDuplicateID       = errors.New("order: duplicate id")
	ErrOrderInvalidTransition = errors.New("order: invalid transition")
	ErrOrderOverfill          = errors.New("order: fill exceeds quantity")
	ErrOrderInvalidFill       = errors.New("order: invalid fill")
	ErrOrderCancelTimeout     = errors.New("order: expected to cancel but got timeout")
	ErrOrderPersistenceHalted = errors.New("order: persistence halted")
	ErrOrderDuplicateReserve  = errors.New("order: reservation already exists")
	ErrOrderReleaseExceeded   = errors.New("order: release exceeds reservation")
	ErrOrderNegativeAvailable = errors.New("order: available balance below zero")
)
