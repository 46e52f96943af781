package backend

import "fmt"

// PoolFactory is a callback that constructs a Pool from Conf.
// It is registered with RegisterFactory and called by backend.New.
type PoolFactory func(conf *Conf) (Pool, error)

var registry = map[string]PoolFactory{}

func RegisterFactory(dbType string, factory PoolFactory) {
	registry[dbType] = factory
}

func New(conf *Conf) (Pool, error) {
	factory, ok := registry[conf.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported database type: %s", conf.Type)
	}
	return factory(conf)
}
