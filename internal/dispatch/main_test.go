// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dispatch

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain uses goleak to verify tests in this package do not leak
// unexpected goroutines, since Dispatcher.Run spawns one per in-flight
// delivery.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
