//go:build windows

package session

import "os"

// Chat files are guarded by the in-process mutex only.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) {}
