//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package archivestate

import "errors"

const (
	StatusClosed  Status = "CLOSED"
	StatusReady   Status = "READY"
	StatusClosing Status = "CLOSING"
	StatusFailed  Status = "FAILED"
)

var (
	ErrStatusClosing = errors.New("code archive is closing")
	ErrStatusFailed  = errors.New("code archive failed and is disabled")
	ErrInvalidStatus = errors.New("invalid code archive status")
)

type Status string

func (s Status) String() string {
	return string(s)
}

// Usable reports whether new reads and writes may still enter the archive.
func (s Status) Usable() bool {
	return s == StatusReady
}

// Err returns the error an operation should report when it is turned away
// in this status, nil if the status is usable.
func (s Status) Err() error {
	switch s {
	case StatusClosing, StatusClosed:
		return ErrStatusClosing
	case StatusFailed:
		return ErrStatusFailed
	default:
		return nil
	}
}

func ValidateStatus(in string) (status Status, err error) {
	switch in {
	case string(StatusClosed):
		status = StatusClosed
	case string(StatusReady):
		status = StatusReady
	case string(StatusClosing):
		status = StatusClosing
	case string(StatusFailed):
		status = StatusFailed
	default:
		err = ErrInvalidStatus
	}

	return
}
