package channel

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"ipcbus/internal/textutil"
)

const stemTokenLimit = 32

// Key identifies one logical channel. Two keys with the same name but
// different ids are independent channels.
type Key struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
}

// NewKey validates and normalizes a channel address. Names are trimmed and
// converted to Unicode NFC; empty names and names containing NUL or a path
// separator are rejected.
func NewKey(name string, id int64) (Key, error) {
	normalized := textutil.NormalizeName(name)
	if normalized == "" {
		return Key{}, wrap(ErrChannelUnavailable, "channel name is empty", nil)
	}
	if strings.ContainsAny(normalized, "\x00/") {
		return Key{}, wrap(ErrChannelUnavailable, "channel name "+strconv.Quote(normalized)+" contains NUL or '/'", nil)
	}
	if len(normalized) > maxNameBytes {
		return Key{}, wrap(ErrChannelUnavailable, "channel name exceeds "+strconv.Itoa(maxNameBytes)+" bytes", nil)
	}
	return Key{Name: normalized, ID: id}, nil
}

func (k Key) String() string {
	return k.Name + "#" + strconv.FormatInt(k.ID, 10)
}

// stem is the file name prefix shared by the segment, lock, and doorbell. The
// sanitized token keeps it readable; the digest keeps it unique.
func (k Key) stem() string {
	token := textutil.Truncate(textutil.SanitizeToken(k.Name), stemTokenLimit)
	sum := blake3.Sum256([]byte(k.Name))
	return token + "-" + hex.EncodeToString(sum[:8]) + "." + strconv.FormatInt(k.ID, 10)
}
