// Package mincontext computes the smallest correct subgraph needed to
// reason about a set of proposed actions: the acted-upon nodes, the
// callers their changes may invalidate, and the callees a new node
// depends on, bounded by a configurable traversal depth.
package mincontext

import (
	"sort"

	"isg/internal/cas"
	"isg/internal/graph"
	"isg/internal/store"
)

// Role explains why a node is part of the context.
type Role string

const (
	RoleActed  Role = "acted"  // node has a non-None future action
	RoleCaller Role = "caller" // depends on an edited or deleted node
	RoleCallee Role = "callee" // direct dependency of a created node
)

// Entry is one node in the minimal context.
type Entry struct {
	Node *graph.Node
	Role Role
	// Hops is the traversal distance from the nearest acted node.
	Hops int
}

// Context is the payload handed to the reviewer: the minimal node set
// plus the edges among them.
type Context struct {
	Entries []Entry
	Edges   []*graph.Edge
}

// IDs returns the hex ids of all nodes in the context, sorted.
func (c *Context) IDs() []string {
	ids := make([]string, 0, len(c.Entries))
	for _, e := range c.Entries {
		ids = append(ids, e.Node.HexID())
	}
	sort.Strings(ids)
	return ids
}

// Extract computes the minimal context for the nodes with a non-None
// future action. Caller traversal is transitive up to depth hops;
// callee inclusion for created nodes is direct only. Every included
// node satisfies at least one inclusion criterion, and no required node
// is omitted within the depth bound.
func Extract(db *store.DB, actedIDs [][]byte, depth int) (*Context, error) {
	roles := make(map[string]Role)
	hops := make(map[string]int)

	acted, err := db.GetNodes(actedIDs)
	if err != nil {
		return nil, err
	}
	for _, n := range acted {
		roles[n.HexID()] = RoleActed
		hops[n.HexID()] = 0
	}

	for _, n := range acted {
		switch n.FutureAction {
		case graph.ActionEdit, graph.ActionDelete:
			// Behavior of anything that depends on this node may be
			// invalidated: include its caller closure.
			if err := walkCallers(db, n.ID, depth, roles, hops); err != nil {
				return nil, err
			}
		case graph.ActionCreate:
			// Reasoning about a new node needs what it calls.
			callees, err := db.Callees(n.ID, graph.StateFuture)
			if err != nil {
				return nil, err
			}
			for _, callee := range callees {
				key := cas.BytesToHex(callee)
				if _, ok := roles[key]; !ok {
					roles[key] = RoleCallee
					hops[key] = 1
				}
			}
		}
	}

	ctx := &Context{}
	ids := make([]string, 0, len(roles))
	for key := range roles {
		ids = append(ids, key)
	}
	sort.Strings(ids)
	inContext := make(map[string]bool, len(ids))
	for _, key := range ids {
		id, err := cas.HexToBytes(key)
		if err != nil {
			return nil, err
		}
		node, err := db.GetNode(id)
		if err != nil {
			return nil, err
		}
		ctx.Entries = append(ctx.Entries, Entry{Node: node, Role: roles[key], Hops: hops[key]})
		inContext[key] = true
	}

	// Keep only edges whose endpoints are both in the context.
	edges, err := db.Edges("")
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if inContext[cas.BytesToHex(e.Src)] && inContext[cas.BytesToHex(e.Dst)] {
			ctx.Edges = append(ctx.Edges, e)
		}
	}

	return ctx, nil
}

func walkCallers(db *store.DB, seed []byte, depth int, roles map[string]Role, hops map[string]int) error {
	frontier := [][]byte{seed}
	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		var next [][]byte
		for _, id := range frontier {
			callers, err := db.Callers(id, graph.StateCurrent)
			if err != nil {
				return err
			}
			for _, caller := range callers {
				key := cas.BytesToHex(caller)
				if _, ok := roles[key]; ok {
					continue
				}
				roles[key] = RoleCaller
				hops[key] = hop
				next = append(next, caller)
			}
		}
		frontier = next
	}
	return nil
}
