package core

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jariahh/ateliercode-sub000/schema"
)

// messageNamespace scopes synthesized message ids.
var messageNamespace = uuid.MustParse("6f2b7a8e-4c1d-5e3f-9a0b-1c2d3e4f5a6b")

func newID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "id-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(buf[:])
}

func pendingMessageID() schema.MessageID {
	return schema.MessageID("pending-" + newID())
}

// SynthesizeMessageID derives a stable id from content, role and timestamp so
// that the same logical message delivered twice maps to the same id.
func SynthesizeMessageID(role schema.Role, content string, ts time.Time) schema.MessageID {
	key := string(role) + "\x00" + strconv.FormatInt(ts.UnixMilli(), 10) + "\x00" + content
	return schema.MessageID(uuid.NewSHA1(messageNamespace, []byte(key)).String())
}
