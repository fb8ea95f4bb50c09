package toolinit

import (
	"fmt"

	"github.com/nachoal/stock-agent-go/tools/market"
	"github.com/nachoal/stock-agent-go/tools/registry"
)

// RegisterAll registers the built-in market tools into r.
func RegisterAll(r *registry.Registry, client *market.Client) error {
	if err := r.Add(market.Tools(client)...); err != nil {
		return fmt.Errorf("register market tools: %w", err)
	}
	return nil
}

// Catalog builds a fresh registry holding every built-in tool.
func Catalog(client *market.Client) (*registry.Registry, error) {
	r := registry.New()
	if err := RegisterAll(r, client); err != nil {
		return nil, err
	}
	return r, nil
}
