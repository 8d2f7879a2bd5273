// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package overlay

import "time"

// Backoff returns the wait before reconnect attempt number attempts (zero
// based). The table saturates at its last entry.
func Backoff(delays []time.Duration, attempts int) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(delays) {
		attempts = len(delays) - 1
	}
	return delays[attempts]
}
