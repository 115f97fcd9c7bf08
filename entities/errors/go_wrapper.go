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

package errors

import (
	"os"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// GoWrapper runs f in a new goroutine. A panic inside f is logged together
// with its stack and swallowed, unless DISABLE_RECOVERY_ON_PANIC is set.
func GoWrapper(f func(), logger logrus.FieldLogger) {
	go func() {
		if !enabled(os.Getenv("DISABLE_RECOVERY_ON_PANIC")) {
			defer func() {
				if r := recover(); r != nil {
					logger.WithField("action", "goroutine_panic").
						WithField("stack", string(debug.Stack())).
						Errorf("recovered from panic: %v", r)
				}
			}()
		}
		f()
	}()
}

func enabled(value string) bool {
	switch value {
	case "on", "enabled", "1", "true":
		return true
	default:
		return false
	}
}
