// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

//go:build unix

package session

import "syscall"

func interruptSelf() error {
	return syscall.Kill(syscall.Getpid(), syscall.SIGINT)
}
