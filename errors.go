// errors.go: Typed error codes for configuration and shutdown failures
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package eurus

import (
	goerrors "github.com/agilira/go-errors"
)

// Error codes surfaced by eurus. Configuration errors are returned before
// any goroutine is spawned; shutdown overrun is returned by Stop when the
// drain did not complete within the configured timeout.
const (
	ErrCodeInvalidConfig   = "EURUS_INVALID_CONFIG"
	ErrCodeSlotsExhausted  = "EURUS_SLOTS_EXHAUSTED"
	ErrCodeShutdownOverrun = "EURUS_SHUTDOWN_OVERRUN"
	ErrCodeNotStarted      = "EURUS_NOT_STARTED"
)

func newConfigError(msg string) error {
	return goerrors.New(ErrCodeInvalidConfig, msg)
}

func newShutdownOverrunError(msg string) error {
	return goerrors.New(ErrCodeShutdownOverrun, msg)
}

func newNotStartedError(msg string) error {
	return goerrors.New(ErrCodeNotStarted, msg)
}

func newSlotsExhaustedError(msg string) error {
	return goerrors.New(ErrCodeSlotsExhausted, msg)
}
