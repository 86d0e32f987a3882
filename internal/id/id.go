// Package id generates the Hub's opaque identifier formats.
package id

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const alphanumerics = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomAlphanumeric(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	var sb strings.Builder
	sb.Grow(n)
	for _, b := range buf {
		sb.WriteByte(alphanumerics[int(b)%len(alphanumerics)])
	}
	return sb.String()
}

// Signal returns a new sig_<unix-seconds>_<12 alphanumerics> identifier.
func Signal() string {
	return fmt.Sprintf("sig_%d_%s", time.Now().Unix(), randomAlphanumeric(12))
}

// Action returns a new act_<unix-seconds>_<12 alphanumerics> identifier.
func Action() string {
	return fmt.Sprintf("act_%d_%s", time.Now().Unix(), randomAlphanumeric(12))
}

// Subscription returns a new sub_<uuid-v4-no-dashes> identifier.
func Subscription() string {
	return "sub_" + simpleUUID()
}

// Session returns a new sess_<uuid-v4-no-dashes> identifier.
func Session() string {
	return "sess_" + simpleUUID()
}

// Message returns a new msg_<uuid-v4> identifier (dashes retained).
func Message() string {
	return "msg_" + uuid.New().String()
}

// Delivery returns a new dlv_<uuid-v4> identifier, distinct per delivery
// attempt so a webhook receiver can de-duplicate retries rather than
// confusing them with the subscription or signal they belong to.
func Delivery() string {
	return "dlv_" + uuid.New().String()
}

func simpleUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
