// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds sensitive bytes, such as the GM secret and the
// passphrase that seals it, outside the Go heap.
//
// [Buffer] allocates memory via mmap(MAP_ANONYMOUS), asks the kernel to
// keep it out of swap (mlock) and out of core dumps
// (madvise(MADV_DONTDUMP)), and zeroes and unmaps it on Close. mlock is
// attempted but not required: unprivileged desktop sessions often have
// a small RLIMIT_MEMLOCK, and [Buffer.Locked] reports the outcome.
//
// After Close any access panics. Close is idempotent.
package secret
