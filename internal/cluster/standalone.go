package cluster

import "context"

// Standalone is the membership of a node that is not part of a cluster.
type Standalone struct {
	Node string
}

// IsClustered is always false for a standalone node.
func (s Standalone) IsClustered() bool { return false }

// LocalNode returns the node name.
func (s Standalone) LocalNode() string { return s.Node }

// Databases returns nil; a standalone node has no cluster databases.
func (s Standalone) Databases() []string { return nil }

// OnlineMembers returns the local node for any database.
func (s Standalone) OnlineMembers(context.Context, string) ([]string, error) {
	return []string{s.Node}, nil
}

// ConfiguredMembers returns a set holding only the local node.
func (s Standalone) ConfiguredMembers(context.Context, string) (map[string]struct{}, error) {
	return map[string]struct{}{s.Node: {}}, nil
}
