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
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/Psiphon-Labs/rtunnel/rtunnel/common/errors"
	"github.com/stretchr/testify/require"
)

func TestLockFile(t *testing.T) {

	filename := filepath.Join(t.TempDir(), "rtunnel.lock")

	lockFile, err := AcquireLockFile(filename)
	require.NoError(t, err)

	content, err := os.ReadFile(filename)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(content)))

	_, err = AcquireLockFile(filename)
	require.True(t, errors.Is(err, ErrAlreadyRunning))

	require.NoError(t, lockFile.Release())
	require.NoError(t, lockFile.Release())

	lockFile, err = AcquireLockFile(filename)
	require.NoError(t, err)
	require.NoError(t, lockFile.Release())
}
