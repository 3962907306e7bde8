//go:build !deadlock_test

// Package lock selects the mutex implementation for the repo. Production
// builds use sync mutexes; builds tagged 'deadlock_test' swap in
// go-deadlock equivalents so the race and e2e tests can detect lock-order
// violations.
package lock

import "sync"

type Mutex = sync.Mutex

type RWMutex = sync.RWMutex
