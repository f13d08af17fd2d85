/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package rtunnel

import (
	"os"
	"strconv"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"golang.org/x/sys/unix"
)

var ErrAlreadyRunning = errors.New("another instance holds the lock file")

// LockFile is an exclusive advisory lock on a file, which also records the
// pid of the process holding it.
type LockFile struct {
	file *os.File
}

// AcquireLockFile opens or creates filename and locks it without waiting.
// When another process, or another LockFile in this process, holds the
// lock, AcquireLockFile fails with ErrAlreadyRunning.
func AcquireLockFile(filename string) (*LockFile, error) {

	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Trace(err)
	}

	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errors.Trace(ErrAlreadyRunning)
		}
		return nil, errors.Trace(err)
	}

	err = file.Truncate(0)
	if err == nil {
		_, err = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	if err != nil {
		file.Close()
		return nil, errors.Trace(err)
	}

	return &LockFile{file: file}, nil
}

// Release unlocks and closes the lock file. The file is left in place.
func (l *LockFile) Release() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(closeErr)
}
