package domain

import "errors"

var ErrNotFound = errors.New("not found")
var ErrInvalidKey = errors.New("invalid media key")
var ErrInvalidArgument = errors.New("invalid argument")
