package vault

import (
	"context"
	"os"
	"strings"

	opx "github.com/opx-labs/opx/pkg/opx/v1/vault" // Use pkg interface
)

// envPrefix is the prefix shared by all credential environment variables.
// A credential named "portal_admin" is read from OPX_CRED_PORTAL_ADMIN_USERNAME,
// OPX_CRED_PORTAL_ADMIN_PASSWORD, and any further OPX_CRED_PORTAL_ADMIN_<FIELD>
// variables, which land in Extra under the lowercased field name.
const envPrefix = "OPX_CRED_"

// EnvStore implements the vault Store interface, retrieving credentials from
// environment variables. It is the default store for local runs and CI, where
// injecting secrets through the environment is the established mechanism.
type EnvStore struct{}

// NewEnvStore creates a new environment variable credential store.
func NewEnvStore() *EnvStore {
	return &EnvStore{}
}

// Get retrieves a credential by name. A credential exists when at least one of
// its variables is set. Errors are not expected unless there is an underlying
// OS issue (rare).
func (s *EnvStore) Get(_ context.Context, name string) (*opx.Credential, bool, error) {
	base := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"

	username, haveUser := os.LookupEnv(base + "USERNAME")
	password, havePass := os.LookupEnv(base + "PASSWORD")

	cred := &opx.Credential{
		Name:     name,
		Username: username,
		Password: password,
		Extra:    make(map[string]string),
	}

	found := haveUser || havePass
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, base) {
			continue
		}
		rest := strings.TrimPrefix(kv, base)
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			continue
		}
		field, value := rest[:eq], rest[eq+1:]
		switch field {
		case "USERNAME", "PASSWORD":
			// Already captured above.
		default:
			cred.Extra[strings.ToLower(field)] = value
		}
		found = true
	}

	if !found {
		return nil, false, nil
	}
	return cred, true, nil
}

// Ensure EnvStore implements the interface
var _ opx.Store = (*EnvStore)(nil)
