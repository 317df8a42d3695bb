package security

import (
	"crypto/subtle"
	"fmt"

	"github.com/google/uuid"
)

// KeyConfig declares one API key and the principal it authenticates.
type KeyConfig struct {
	Key       string    `json:"key" yaml:"key"`
	Name      string    `json:"name" yaml:"name"`
	ServiceID uuid.UUID `json:"service_id" yaml:"service_id"`
	Role      string    `json:"role" yaml:"role"`
}

// Keychain resolves bearer API keys to principals using constant-time
// comparison. Immutable after construction, safe for concurrent use.
type Keychain struct {
	entries []keyEntry
}

type keyEntry struct {
	key       []byte
	principal Principal
}

// NewKeychain builds a Keychain from the configured keys. Entries with an
// empty key are skipped.
func NewKeychain(keys []KeyConfig) *Keychain {
	kc := &Keychain{}
	for i, k := range keys {
		if k.Key == "" {
			continue
		}
		name := k.Name
		if name == "" {
			name = fmt.Sprintf("key-%d", i)
		}
		kc.entries = append(kc.entries, keyEntry{
			key: []byte(k.Key),
			principal: Principal{
				KeyID:     name,
				Name:      name,
				ServiceID: k.ServiceID,
				Role:      k.Role,
			},
		})
	}
	return kc
}

// Lookup returns the principal for the presented key. Every configured key is
// compared so timing does not reveal which entry matched.
func (k *Keychain) Lookup(presented string) (Principal, bool) {
	var (
		found Principal
		ok    bool
	)
	p := []byte(presented)
	for _, e := range k.entries {
		if subtle.ConstantTimeCompare(p, e.key) == 1 {
			found = e.principal
			ok = true
		}
	}
	return found, ok
}

// Len reports how many keys are configured.
func (k *Keychain) Len() int {
	return len(k.entries)
}
