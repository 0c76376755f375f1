// Copyright (c) 2025 BVK Chaitanya

package market

import (
	"fmt"
	"os"
	"sync"
)

// Connector builds a Marketplace client and its Signer from an API key.
// Wire-level implementations live outside this module and register
// themselves, database/sql driver style.
type Connector func(apiKey string) (Marketplace, Signer, error)

var (
	connectorMu sync.Mutex
	connectors  = make(map[string]Connector)
)

// Register makes a marketplace implementation available under the given
// name. Registering the same name twice panics.
func Register(name string, c Connector) {
	connectorMu.Lock()
	defer connectorMu.Unlock()
	if _, ok := connectors[name]; ok {
		panic(fmt.Sprintf("marketplace %q is already registered", name))
	}
	connectors[name] = c
}

// Connect opens the named marketplace.
func Connect(name, apiKey string) (Marketplace, Signer, error) {
	connectorMu.Lock()
	c, ok := connectors[name]
	connectorMu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("no marketplace %q is linked into this binary: %w", name, os.ErrNotExist)
	}
	return c(apiKey)
}
