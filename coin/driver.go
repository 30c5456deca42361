// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package coin

import (
	"fmt"
	"sync"

	"github.com/mappum/mercury/mercury"
)

var (
	driversMtx sync.RWMutex
	drivers    = make(map[string]Driver)
)

// Config is the configuration passed to a Driver's Open.
type Config struct {
	// ID is the currency identifier the wallet was registered under.
	ID string
	// DataDir is the directory for the wallet's own files.
	DataDir string
	// Settings are driver-specific key/value settings from the currency's
	// config file section.
	Settings map[string]string
	// ConfDepth is the confirmation depth for counterparty bail-ins. It is
	// deliberately a required setting with no default; see Open.
	ConfDepth uint32
	// Logger is the wallet's logger.
	Logger mercury.Logger
}

// Driver is the interface required of a currency backend.
type Driver interface {
	// Open creates the Wallet.
	Open(*Config) (Wallet, error)
	// Description is a one-line description of the backend.
	Description() string
}

// Register should be called by the init function of a backend's package.
func Register(id string, driver Driver) {
	driversMtx.Lock()
	defer driversMtx.Unlock()
	if driver == nil {
		panic("coin: Register driver is nil")
	}
	if _, dup := drivers[id]; dup {
		panic("coin: Register called twice for " + id)
	}
	drivers[id] = driver
}

// Open opens the wallet for the identified currency. A zero confirmation
// depth is rejected here rather than defaulted: accepting unconfirmed
// bail-ins lets a counterparty double-spend out of the swap.
func Open(cfg *Config) (Wallet, error) {
	if cfg.ConfDepth == 0 {
		return nil, fmt.Errorf("coin %s: confirmation depth must be set and nonzero", cfg.ID)
	}
	driversMtx.RLock()
	drv, ok := drivers[cfg.ID]
	driversMtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("coin: no driver registered for %s", cfg.ID)
	}
	return drv.Open(cfg)
}

// Registered returns the ids of all registered drivers.
func Registered() []string {
	driversMtx.RLock()
	defer driversMtx.RUnlock()
	ids := make([]string, 0, len(drivers))
	for id := range drivers {
		ids = append(ids, id)
	}
	return ids
}
