package kvdb

import "fmt"

// ClientFactory builds an uninitialized client for one store type.
type ClientFactory func(conf *Conf) Client

var factories = map[string]ClientFactory{}

// RegisterFactory makes a client implementation available under storeType.
// Called from impls' init.
func RegisterFactory(storeType string, factory ClientFactory) {
	factories[storeType] = factory
}

// New builds and initializes the client registered for conf.Type.
func New(conf *Conf) (Client, error) {
	factory, ok := factories[conf.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported kv store type: %s", conf.Type)
	}
	c := factory(conf)
	if err := c.Init(); err != nil {
		return nil, err
	}
	return c, nil
}
