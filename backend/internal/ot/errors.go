package ot

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedTransform = errors.New("UNSUPPORTED_TRANSFORM")
	ErrInvalidPath          = errors.New("INVALID_PATH")
	ErrCompose              = errors.New("COMPOSE_ERROR")
	ErrInvertUnsupported    = errors.New("INVERT_UNSUPPORTED")
	ErrValidation           = errors.New("VALIDATION_FAILURE")

	ErrComposeEmpty       = fmt.Errorf("%w: no operations to compose", ErrCompose)
	ErrComposeCrossEntity = fmt.Errorf("%w: operations target different entities", ErrCompose)
)
