package topic

import "errors"

var (
	errInvalidLength      = errors.New("topic: length must be 1..=255")
	errInvalidDots        = errors.New("topic: leading/trailing or consecutive dots")
	errInvalidSegment     = errors.New("topic: segment contains an illegal character")
	errDoubleStarNotFinal = errors.New("topic: \"**\" may only appear as the final segment")
)
