// Package planner turns a change request into a proposed future graph
// plus a per-node action list, and judges up front whether the request
// is feasible at acceptable risk.
package planner

import (
	"fmt"

	"isg/internal/cas"
	"isg/internal/graph"
	"isg/internal/store"
)

// Directive is one concrete node operation requested by the planning
// input (the change request, or a reviewer's refined solution).
type Directive struct {
	// Op is the requested action. An Edit whose NewSignature differs
	// from the node's signature is treated as Delete+Create.
	Op graph.Action `yaml:"op" json:"op"`
	// Target references an existing node (hex id or unique prefix) for
	// Edit and Delete.
	Target string `yaml:"target,omitempty" json:"target,omitempty"`
	// Path, Name, Kind, and Signature describe a node being created (or
	// the replacement node of a move).
	Path      string         `yaml:"path,omitempty" json:"path,omitempty"`
	Name      string         `yaml:"name,omitempty" json:"name,omitempty"`
	Kind      graph.NodeKind `yaml:"kind,omitempty" json:"kind,omitempty"`
	Signature string         `yaml:"signature,omitempty" json:"signature,omitempty"`
	// NewSignature, when set on an Edit, signals a signature change; a
	// changed signature means a new identity, so the planner rewrites
	// the directive as Delete of the old node plus Create of the new.
	NewSignature string `yaml:"newSignature,omitempty" json:"newSignature,omitempty"`
	// Code is the proposed future body for Create and Edit.
	Code string `yaml:"code,omitempty" json:"code,omitempty"`
	// Calls and DropCalls adjust outgoing edges (node references).
	Calls     []string `yaml:"calls,omitempty" json:"calls,omitempty"`
	DropCalls []string `yaml:"dropCalls,omitempty" json:"dropCalls,omitempty"`
}

// Proposal is a feasible plan: the delta to apply plus the action list
// bucketed into test-interface and non-test-interface changes.
type Proposal struct {
	Delta          *graph.Delta
	TestActions    []graph.NodeChange
	NonTestActions []graph.NodeChange
	BlastRadius    int
}

// Planner computes proposals against the store's baseline.
type Planner struct {
	db        *store.DB
	threshold int
}

// New creates a planner with the given blast-radius threshold.
func New(db *store.DB, threshold int) *Planner {
	return &Planner{db: db, threshold: threshold}
}

// Plan resolves the directives against the baseline and returns either
// a feasible proposal or an error wrapping ErrRequestInfeasible. No
// future state is written: feasibility is judged before any
// future_action row exists.
func (p *Planner) Plan(directives []Directive) (*Proposal, error) {
	delta := &graph.Delta{}
	scheduled := make(map[string]graph.Action) // hex id -> action

	for _, d := range directives {
		resolved, err := p.resolve(d)
		if err != nil {
			return nil, err
		}
		for _, nc := range resolved.nodes {
			key := cas.BytesToHex(nc.ID)
			if prev, ok := scheduled[key]; ok && prev != nc.Action {
				return nil, fmt.Errorf("%w: node %s scheduled for both %s and %s",
					graph.ErrPlanInconsistent, cas.ShortHex(nc.ID), prev, nc.Action)
			}
			scheduled[key] = nc.Action
			delta.Nodes = append(delta.Nodes, nc)
		}
		delta.Edges = append(delta.Edges, resolved.edges...)
	}

	if err := p.checkDeleteReferences(delta, scheduled); err != nil {
		return nil, err
	}

	radius, err := p.blastRadius(delta)
	if err != nil {
		return nil, err
	}
	if radius > p.threshold {
		return nil, &graph.InfeasibleError{
			Reason:    "change touches too much of the graph; stage a smaller scope",
			Radius:    radius,
			Threshold: p.threshold,
		}
	}

	proposal := &Proposal{Delta: delta, BlastRadius: radius}
	for _, nc := range delta.Nodes {
		if nc.Kind == graph.KindTestInterface {
			proposal.TestActions = append(proposal.TestActions, nc)
		} else {
			proposal.NonTestActions = append(proposal.NonTestActions, nc)
		}
	}
	return proposal, nil
}

type resolvedDirective struct {
	nodes []graph.NodeChange
	edges []graph.EdgeChange
}

func (p *Planner) resolve(d Directive) (*resolvedDirective, error) {
	switch d.Op {
	case graph.ActionCreate:
		return p.resolveCreate(d)
	case graph.ActionEdit:
		return p.resolveEdit(d)
	case graph.ActionDelete:
		return p.resolveDelete(d)
	default:
		return nil, fmt.Errorf("%w: directive op %q", graph.ErrPlanInconsistent, d.Op)
	}
}

func (p *Planner) resolveCreate(d Directive) (*resolvedDirective, error) {
	if d.Path == "" || d.Name == "" || d.Code == "" {
		return nil, fmt.Errorf("%w: Create directive needs path, name, and code", graph.ErrPlanInconsistent)
	}
	kind := d.Kind
	if kind == "" {
		kind = graph.KindInterface
	}

	id, err := cas.NodeID(string(kind), map[string]interface{}{
		"path": d.Path,
		"name": d.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("computing node id: %w", err)
	}

	signature := d.Signature
	if signature == "" {
		signature = d.Path + ": " + d.Name
	}

	res := &resolvedDirective{
		nodes: []graph.NodeChange{{
			ID:         id,
			Kind:       kind,
			Signature:  signature,
			Action:     graph.ActionCreate,
			FutureCode: d.Code,
		}},
	}

	for _, ref := range d.Calls {
		dst, err := p.db.ResolvePrefix(ref)
		if err != nil {
			return nil, fmt.Errorf("resolving callee %q: %w", ref, err)
		}
		res.edges = append(res.edges, graph.EdgeChange{Src: id, Dst: dst})
	}
	return res, nil
}

func (p *Planner) resolveEdit(d Directive) (*resolvedDirective, error) {
	id, err := p.db.ResolvePrefix(d.Target)
	if err != nil {
		return nil, fmt.Errorf("resolving edit target %q: %w", d.Target, err)
	}
	node, err := p.db.GetNode(id)
	if err != nil {
		return nil, err
	}
	if d.Code == "" {
		return nil, fmt.Errorf("%w: Edit directive for %s needs code", graph.ErrPlanInconsistent, cas.ShortHex(id))
	}

	// A changed signature is a new identity: rewrite as Delete+Create
	// so the action taxonomy stays total and unambiguous.
	if d.NewSignature != "" && d.NewSignature != node.Signature {
		create := d
		create.Op = graph.ActionCreate
		create.Signature = d.NewSignature
		if create.Path == "" || create.Name == "" {
			return nil, fmt.Errorf("%w: signature change on %s needs path and name for the replacement node",
				graph.ErrPlanInconsistent, cas.ShortHex(id))
		}
		created, err := p.resolveCreate(create)
		if err != nil {
			return nil, err
		}
		created.nodes = append(created.nodes, graph.NodeChange{
			ID:        id,
			Kind:      node.Kind,
			Signature: node.Signature,
			Action:    graph.ActionDelete,
		})
		return created, nil
	}

	res := &resolvedDirective{
		nodes: []graph.NodeChange{{
			ID:         id,
			Kind:       node.Kind,
			Signature:  node.Signature,
			Action:     graph.ActionEdit,
			FutureCode: d.Code,
		}},
	}
	for _, ref := range d.Calls {
		dst, err := p.db.ResolvePrefix(ref)
		if err != nil {
			return nil, fmt.Errorf("resolving callee %q: %w", ref, err)
		}
		res.edges = append(res.edges, graph.EdgeChange{Src: id, Dst: dst})
	}
	for _, ref := range d.DropCalls {
		dst, err := p.db.ResolvePrefix(ref)
		if err != nil {
			return nil, fmt.Errorf("resolving dropped callee %q: %w", ref, err)
		}
		res.edges = append(res.edges, graph.EdgeChange{Src: id, Dst: dst, Remove: true})
	}
	return res, nil
}

func (p *Planner) resolveDelete(d Directive) (*resolvedDirective, error) {
	id, err := p.db.ResolvePrefix(d.Target)
	if err != nil {
		return nil, fmt.Errorf("resolving delete target %q: %w", d.Target, err)
	}
	node, err := p.db.GetNode(id)
	if err != nil {
		return nil, err
	}
	return &resolvedDirective{
		nodes: []graph.NodeChange{{
			ID:        id,
			Kind:      node.Kind,
			Signature: node.Signature,
			Action:    graph.ActionDelete,
		}},
	}, nil
}

// checkDeleteReferences rejects a proposal that deletes a node still
// referenced by an edge whose source is not itself scheduled for
// removal or update.
func (p *Planner) checkDeleteReferences(delta *graph.Delta, scheduled map[string]graph.Action) error {
	dropped := make(map[[2]string]bool)
	for _, ec := range delta.Edges {
		if ec.Remove {
			dropped[[2]string{cas.BytesToHex(ec.Src), cas.BytesToHex(ec.Dst)}] = true
		}
	}

	for _, nc := range delta.Nodes {
		if nc.Action != graph.ActionDelete {
			continue
		}
		callers, err := p.db.Callers(nc.ID, graph.StateCurrent)
		if err != nil {
			return err
		}
		for _, caller := range callers {
			key := cas.BytesToHex(caller)
			if action, ok := scheduled[key]; ok && (action == graph.ActionDelete || action == graph.ActionEdit) {
				continue
			}
			if dropped[[2]string{key, cas.BytesToHex(nc.ID)}] {
				continue
			}
			return &graph.InfeasibleError{
				Reason: fmt.Sprintf("deleting %s would strand caller %s",
					cas.ShortHex(nc.ID), cas.ShortHex(caller)),
			}
		}
	}
	return nil
}

// blastRadius counts the transitive-caller closure of every Edit/Delete
// target plus the transitive-callee closure of every Create, over the
// baseline graph. The count is the risk proxy the threshold gates.
func (p *Planner) blastRadius(delta *graph.Delta) (int, error) {
	affected := make(map[string]bool)

	for _, nc := range delta.Nodes {
		switch nc.Action {
		case graph.ActionEdit, graph.ActionDelete:
			if err := p.closure(nc.ID, affected, p.db.Callers); err != nil {
				return 0, err
			}
		case graph.ActionCreate:
			// A new node's risk is what it leans on: the callee closure
			// of everything it is wired to call.
			for _, ec := range delta.Edges {
				if ec.Remove || cas.BytesToHex(ec.Src) != cas.BytesToHex(nc.ID) {
					continue
				}
				affected[cas.BytesToHex(ec.Dst)] = true
				if err := p.closure(ec.Dst, affected, p.db.Callees); err != nil {
					return 0, err
				}
			}
			affected[cas.BytesToHex(nc.ID)] = true
		}
	}

	return len(affected), nil
}

func (p *Planner) closure(seed []byte, out map[string]bool, neighbors func([]byte, graph.EdgeState) ([][]byte, error)) error {
	out[cas.BytesToHex(seed)] = true
	frontier := [][]byte{seed}
	for len(frontier) > 0 {
		var next [][]byte
		for _, id := range frontier {
			adj, err := neighbors(id, graph.StateCurrent)
			if err != nil {
				return err
			}
			for _, n := range adj {
				key := cas.BytesToHex(n)
				if !out[key] {
					out[key] = true
					next = append(next, n)
				}
			}
		}
		frontier = next
	}
	return nil
}
