package domain

import "github.com/cockroachdb/errors"

var (
	ErrValidation         = errors.New("validation error")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrPersistence        = errors.New("persistence error")
	ErrNotFound           = errors.New("not found")
	ErrWorkerFault        = errors.New("enhancement worker fault")
	ErrDuplicateJob       = errors.New("duplicate job")
)
