package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hash returns the content hash of e. The Hash field itself and metadata
// are not covered.
func Hash(e Event) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%d",
		e.ID,
		e.Actor,
		e.Action,
		e.Target,
		e.Reason,
		e.Result,
		e.Error,
		e.CreatedAt.UnixNano(),
	)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether e still matches its stored hash.
func Verify(e Event) bool {
	return e.Hash != "" && e.Hash == Hash(e)
}
