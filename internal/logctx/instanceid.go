package logctx

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
)

// NewInstanceID returns a unique string for this process (hostname+pid+random).
func NewInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + hex.EncodeToString(rnd)
}
