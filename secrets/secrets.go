// Package secrets reads the decrypted site store. Decryption is handled by
// an external collaborator; by the time the daemon starts the store is a
// plain KEY=VALUE file on the data partition.
package secrets

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultPath is where the collaborator leaves the decrypted store.
const DefaultPath = "/mnt/data/site_info.d"

// Store holds the SIM credentials from the site store.
type Store struct {
	// PINCandidates are tried in order when unlocking the SIM.
	PINCandidates []string
	// NewPIN, when set, is the PIN the SIM is rotated to after a
	// successful unlock.
	NewPIN string
}

// Load reads the store at path.
func Load(path string) (*Store, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", path, err)
	}

	st := &Store{NewPIN: strings.TrimSpace(env["SIM_NEW_PIN"])}
	for _, pin := range strings.Split(env["SIM_PINS"], ",") {
		pin = strings.TrimSpace(pin)
		if pin != "" {
			st.PINCandidates = append(st.PINCandidates, pin)
		}
	}
	return st, nil
}
