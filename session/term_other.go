// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package session

import "errors"

func makeRaw(fd int) (func() error, error) {
	return nil, errors.New("raw terminal not supported")
}
