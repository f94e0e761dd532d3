package avatar

import (
	"fmt"

	"github.com/bnt0p/st-poor-webpanel/config"
)

// OpenStore opens the configured backend.
func OpenStore(backend, path string) (Store, error) {
	switch backend {
	case config.BackendPebble, "":
		s, err := OpenPebbleStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendSQLite:
		s, err := OpenSQLStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("avatar: unknown backend %q", backend)
	}
}
