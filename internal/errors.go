package internal

import "errors"

var ErrQuotaExceeded = errors.New("free plan link quota exceeded")
var ErrLinkNotFound = errors.New("link not found")
var ErrOwnerNotFound = errors.New("owner not found")
var ErrInvalidInput = errors.New("invalid input")
var ErrBadSignature = errors.New("invalid webhook signature")
