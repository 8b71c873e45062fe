// Package registry records which render nodes have announced themselves ready.
// The ready daemon writes to it and the coordinator reads from it to learn
// where the servers listen.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"
)

// ErrNotFound is returned by Lookup for a node that has not announced itself
// or whose announcement expired.
var ErrNotFound = errors.New("registry: node not registered")

// Notice is a render node's ready announcement.
type Notice struct {
	Node string    `json:"node"`
	Host string    `json:"host"`
	Port int       `json:"port"`
	Sync bool      `json:"sync"`
	Time time.Time `json:"time"`
}

// Addr returns host:port of the node's rendezvous.
func (n Notice) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// Validate checks the fields a coordinator needs.
func (n Notice) Validate() error {
	if n.Node == "" {
		return errors.New("notice: empty node name")
	}
	if n.Port <= 0 || n.Port > 65535 {
		return fmt.Errorf("notice: port %d out of range", n.Port)
	}

	return nil
}

// Registry stores ready notices keyed by node name. Implementations must be
// safe for concurrent use.
type Registry interface {
	// Announce stores n, replacing any earlier notice for the same node.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - n: The ready notice
	//
	// Returns:
	//   - An error if n is invalid or the store fails
	Announce(ctx context.Context, n Notice) error

	// Lookup returns the notice for node, or ErrNotFound.
	Lookup(ctx context.Context, node string) (Notice, error)

	// List returns all live notices sorted by node name.
	List(ctx context.Context) ([]Notice, error)

	// Remove forgets node. Removing an unknown node is not an error.
	Remove(ctx context.Context, node string) error
}

// WaitFor polls r every interval until every node in nodes is registered.
//
// Parameters:
//   - ctx: Bounds the wait
//   - r: Registry to poll
//   - nodes: Node names to wait for
//   - interval: Poll period
//
// Returns:
//   - The notices in the order of nodes
//   - ctx.Err() joined with the names still missing if ctx ends first
func WaitFor(ctx context.Context, r Registry, nodes []string, interval time.Duration) ([]Notice, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		found, missing, err := lookupAll(ctx, r, nodes)
		if err != nil {
			return nil, err
		}
		if len(missing) == 0 {
			return found, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %v: %w", missing, ctx.Err())
		case <-ticker.C:
		}
	}
}

func lookupAll(ctx context.Context, r Registry, nodes []string) ([]Notice, []string, error) {
	found := make([]Notice, 0, len(nodes))
	var missing []string

	for _, node := range nodes {
		n, err := r.Lookup(ctx, node)
		switch {
		case errors.Is(err, ErrNotFound):
			missing = append(missing, node)
		case err != nil:
			return nil, nil, err
		default:
			found = append(found, n)
		}
	}

	return found, missing, nil
}

func sortNotices(notices []Notice) {
	sort.Slice(notices, func(i, j int) bool {
		return notices[i].Node < notices[j].Node
	})
}
