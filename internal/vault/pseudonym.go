package vault

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	petname "github.com/dustinkirkland/golang-petname"
)

// newPseudonym generates an opaque per-case handle like
// "curious-walrus-3f9a". The petname keeps mod-channel chatter readable;
// the random suffix keeps handles unique even across petname collisions.
func newPseudonym() (string, error) {
	suffix := make([]byte, 2)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("vault: generate pseudonym: %w", err)
	}
	return fmt.Sprintf("%s-%s", petname.Generate(2, "-"), hex.EncodeToString(suffix)), nil
}
