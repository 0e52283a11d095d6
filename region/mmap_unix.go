// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package region

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Default is the Provider used when an allocator is not given one.
var Default Provider = Mmap

// Mmap maps an anonymous private region. Page alignment is enough for
// arenas up to the page size; bigger ones are mapped twice as large and
// the aligned half is used (the rest stays mapped but untouched).
func Mmap(size uint64) ([]byte, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	mapSize := size
	if size > uint64(unix.Getpagesize()) {
		mapSize = 2 * size
	}
	mem, err := unix.Mmap(-1, 0, int(mapSize), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "region: mmap %d bytes", mapSize)
	}
	if mapSize == size {
		return mem, nil
	}
	return alignIn(mem, size), nil
}
