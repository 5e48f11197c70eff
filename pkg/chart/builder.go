package chart

import (
	"fmt"
	"strings"
)

// ParseAndBuild parses a permissive document and builds a bound Graph from
// it in one step, binding action/guard/service names against reg.
func ParseAndBuild(src []byte, reg *Registry) (*Graph, map[string]interface{}, error) {
	doc, err := ParseDocument(src)
	if err != nil {
		return nil, nil, err
	}
	return BuildGraph(doc, reg)
}

// BuildGraph constructs a bound Graph from an already-parsed generic tree
// (C2). doc is either the *orderedObject ParseDocument produces or a plain
// map[string]interface{} built directly in Go source; both are accepted so
// embedders can construct a machine description without going through the
// text parser. It returns the graph together with the top-level `context`
// object, if one was present, for the caller to seed a ContextStore with.
func BuildGraph(doc interface{}, reg *Registry) (*Graph, map[string]interface{}, error) {
	b := &builder{reg: reg, byID: make(map[string]*Node)}

	root, ok := asObject(doc)
	if !ok {
		return nil, nil, &GraphError{Reason: "document root must be an object"}
	}

	machineID, _ := root.Get("id").(string)
	if machineID == "" {
		return nil, nil, &GraphError{Reason: "machine description is missing a string 'id'"}
	}
	rootID := "#" + machineID

	statesRaw, _ := asObject(root.Get("states"))
	if statesRaw.Len() == 0 {
		return nil, nil, &GraphError{Reason: "machine '" + machineID + "' declares no states"}
	}

	rootNode := &Node{ID: rootID, Kind: NodeCompound}
	b.byID[rootID] = rootNode
	if err := b.buildChildren(rootNode, root); err != nil {
		return nil, nil, err
	}

	g := &Graph{MachineID: machineID, Root: rootNode, byID: b.byID}
	assignDepth(rootNode, 0)

	if err := b.resolveInitials(rootNode, root); err != nil {
		return nil, nil, err
	}
	if err := b.resolveTransitions(g); err != nil {
		return nil, nil, err
	}
	if err := b.detectEventlessCycles(g); err != nil {
		return nil, nil, err
	}

	var ctxObj map[string]interface{}
	if c, ok := asObject(root.Get("context")); ok {
		ctxObj = c.toMap()
	}
	return g, ctxObj, nil
}

type builder struct {
	reg  *Registry
	byID map[string]*Node
	// pendingTargets collects (transition, raw target strings) to resolve
	// once every node in the graph has been created, since a target may
	// name a node declared later in document order.
	pendingTargets []pendingTarget
}

type pendingTarget struct {
	t        *Transition
	raw      []string
	fromNode *Node
}

// buildChildren populates node's Children from a states-bearing container
// (the machine root, or any compound/parallel state's own object), in
// document order: default-initial-child selection and bare-name target
// resolution both depend on Children reflecting declaration order.
func (b *builder) buildChildren(node *Node, container *orderedObject) error {
	statesRaw, _ := asObject(container.Get("states"))

	if t, _ := container.Get("type").(string); t == "parallel" {
		node.Kind = NodeParallel
	}

	for _, key := range statesRaw.Keys() {
		childRaw, ok := asObject(statesRaw.Get(key))
		if !ok {
			return &GraphError{Reason: fmt.Sprintf("state %q under %s has a non-object definition", key, node.ID)}
		}
		childID := qualify(node.ID, key)
		if _, dup := b.byID[childID]; dup {
			return &GraphError{Reason: "duplicate state id " + childID}
		}
		child := &Node{ID: childID, Parent: node}
		node.Children = append(node.Children, child)
		b.byID[childID] = child

		if err := b.buildNode(child, childRaw); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) buildNode(n *Node, raw *orderedObject) error {
	typ, _ := raw.Get("type").(string)
	switch typ {
	case "parallel":
		n.Kind = NodeParallel
	case "final":
		n.Kind = NodeFinal
	case "history":
		deep, _ := raw.Get("history").(string)
		if deep == "deep" {
			n.Kind = NodeHistoryDeep
		} else {
			n.Kind = NodeHistoryShallow
		}
	default:
		if _, hasStates := asObject(raw.Get("states")); hasStates {
			n.Kind = NodeCompound
		} else {
			n.Kind = NodeAtomic
		}
	}

	if n.Kind == NodeCompound || n.Kind == NodeParallel {
		if err := b.buildChildren(n, raw); err != nil {
			return err
		}
	}

	var err error
	if n.Entry, err = b.bindActionNames(raw.Get("entry"), n.ID, "entry"); err != nil {
		return err
	}
	if n.Exit, err = b.bindActionNames(raw.Get("exit"), n.ID, "exit"); err != nil {
		return err
	}

	if err := b.buildOn(n, raw.Get("on")); err != nil {
		return err
	}
	if err := b.buildAfter(n, raw.Get("after")); err != nil {
		return err
	}
	if err := b.buildInvoke(n, raw.Get("invoke")); err != nil {
		return err
	}

	return nil
}

// bindActionNames normalizes a string-or-array-of-strings action field and
// verifies every name is bound in the registry.
func (b *builder) bindActionNames(raw interface{}, nodeID, field string) ([]string, error) {
	names, err := toStringList(raw)
	if err != nil {
		return nil, &GraphError{Reason: fmt.Sprintf("%s.%s: %v", nodeID, field, err)}
	}
	for _, name := range names {
		if !b.reg.hasAction(name) {
			return nil, &BindError{Kind: "action", Name: name, Node: nodeID}
		}
	}
	return names, nil
}

func toStringList(raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected a string list")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a string or string list")
	}
}

func (b *builder) buildOn(n *Node, raw interface{}) error {
	onRaw, ok := asObject(raw)
	if !ok {
		if raw != nil {
			return &GraphError{Reason: n.ID + ".on must be an object"}
		}
		return nil
	}
	if n.On == nil {
		n.On = make(map[string][]*Transition)
	}

	for _, ev := range onRaw.Keys() {
		specs, err := normalizeTransitionSpecs(onRaw.Get(ev))
		if err != nil {
			return &GraphError{Reason: fmt.Sprintf("%s.on.%s: %v", n.ID, ev, err)}
		}
		for i, spec := range specs {
			t, err := b.buildTransition(n, ev, spec, i)
			if err != nil {
				return err
			}
			n.On[ev] = append(n.On[ev], t)
		}
	}
	return nil
}

// normalizeTransitionSpecs accepts a single transition object/string or an
// array of them (the multi-branch guarded form).
func normalizeTransitionSpecs(raw interface{}) ([]*orderedObject, error) {
	switch v := raw.(type) {
	case string:
		single := newOrderedObject()
		single.set("target", v)
		return []*orderedObject{single}, nil
	case []interface{}:
		out := make([]*orderedObject, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				single := newOrderedObject()
				single.set("target", s)
				out = append(out, single)
				continue
			}
			obj, ok := asObject(item)
			if !ok {
				return nil, fmt.Errorf("expected a transition string or object")
			}
			out = append(out, obj)
		}
		return out, nil
	default:
		if obj, ok := asObject(raw); ok {
			return []*orderedObject{obj}, nil
		}
		return nil, fmt.Errorf("expected a transition string, object, or array")
	}
}

func (b *builder) buildTransition(source *Node, event string, spec *orderedObject, docOrder int) (*Transition, error) {
	t := &Transition{Source: source, Event: event, docOrder: docOrder}

	if g, _ := spec.Get("guard").(string); g != "" {
		if !b.reg.hasGuard(g) {
			return nil, &BindError{Kind: "guard", Name: g, Node: source.ID}
		}
		t.Guard = g
	}
	if in, _ := spec.Get("in").(string); in != "" {
		t.In = in
	}
	actions, err := toStringList(spec.Get("actions"))
	if err != nil {
		return nil, &GraphError{Reason: source.ID + ".on." + event + ".actions: " + err.Error()}
	}
	for _, a := range actions {
		if !b.reg.hasAction(a) {
			return nil, &BindError{Kind: "action", Name: a, Node: source.ID}
		}
	}
	t.Actions = actions

	targets, err := toStringList(spec.Get("target"))
	if err != nil {
		return nil, &GraphError{Reason: source.ID + ".on." + event + ".target: " + err.Error()}
	}
	switch {
	case len(targets) == 0:
		t.Kind = TransitionInternal
	case len(targets) == 1 && targets[0] == ".":
		t.Kind = TransitionInternal
	default:
		t.Kind = TransitionExternal
		b.pendingTargets = append(b.pendingTargets, pendingTarget{t: t, raw: targets, fromNode: source})
	}
	return t, nil
}

func (b *builder) buildAfter(n *Node, raw interface{}) error {
	afterRaw, ok := asObject(raw)
	if !ok {
		if raw != nil {
			return &GraphError{Reason: n.ID + ".after must be an object"}
		}
		return nil
	}

	for _, delayKey := range afterRaw.Keys() {
		specs, err := normalizeTransitionSpecs(afterRaw.Get(delayKey))
		if err != nil {
			return &GraphError{Reason: fmt.Sprintf("%s.after.%s: %v", n.ID, delayKey, err)}
		}
		if len(specs) != 1 {
			return &GraphError{Reason: n.ID + ".after." + delayKey + " does not support guarded branches"}
		}
		delayMs, err := parseDelayMillis(delayKey)
		if err != nil {
			return &GraphError{Reason: n.ID + ".after: " + err.Error()}
		}
		timerID := fmt.Sprintf("%s:%s", n.ID, delayKey)
		t, err := b.buildTransition(n, AfterEventName(timerID), specs[0], 0)
		if err != nil {
			return err
		}
		n.After = append(n.After, &TimerSpec{ID: timerID, Delay: delayMs, Transition: t})
		if n.On == nil {
			n.On = make(map[string][]*Transition)
		}
		n.On[AfterEventName(timerID)] = append(n.On[AfterEventName(timerID)], t)
	}
	return nil
}

func parseDelayMillis(key string) (int64, error) {
	var n int64
	if _, err := fmt.Sscanf(key, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid delay %q, expected milliseconds", key)
	}
	return n, nil
}

func (b *builder) buildInvoke(n *Node, raw interface{}) error {
	invRaw, ok := asObject(raw)
	if !ok {
		if raw != nil {
			return &GraphError{Reason: n.ID + ".invoke must be an object"}
		}
		return nil
	}
	service, _ := invRaw.Get("service").(string)
	if service == "" {
		return &GraphError{Reason: n.ID + ".invoke.service is required"}
	}
	if !b.reg.hasService(service) {
		return &BindError{Kind: "service", Name: service, Node: n.ID}
	}
	spec := &InvokeSpec{Service: service}

	if onDoneRaw := invRaw.Get("onDone"); onDoneRaw != nil {
		specs, err := normalizeTransitionSpecs(onDoneRaw)
		if err != nil || len(specs) != 1 {
			return &GraphError{Reason: n.ID + ".invoke.onDone must be a single transition"}
		}
		t, err := b.buildTransition(n, EventOnDone, specs[0], 0)
		if err != nil {
			return err
		}
		spec.OnDone = t
	}
	if onErrorRaw := invRaw.Get("onError"); onErrorRaw != nil {
		specs, err := normalizeTransitionSpecs(onErrorRaw)
		if err != nil || len(specs) != 1 {
			return &GraphError{Reason: n.ID + ".invoke.onError must be a single transition"}
		}
		t, err := b.buildTransition(n, EventOnError, specs[0], 0)
		if err != nil {
			return err
		}
		spec.OnError = t
	}
	n.Invoke = spec
	return nil
}

// resolveInitials walks every compound node and resolves its declared (or
// document-order-first) initial child.
func (b *builder) resolveInitials(root *Node, rootDoc *orderedObject) error {
	var walk func(n *Node, raw *orderedObject) error
	walk = func(n *Node, raw *orderedObject) error {
		if n.Kind == NodeCompound {
			initName, _ := raw.Get("initial").(string)
			var initChild *Node
			if initName != "" {
				initChild = findChildByName(n, initName)
				if initChild == nil {
					return &GraphError{Reason: n.ID + ": initial '" + initName + "' does not name a child state"}
				}
			} else if len(n.Children) > 0 {
				initChild = n.Children[0] // document order: first declared child wins absent an explicit initial
			} else {
				return &GraphError{Reason: n.ID + " is compound but declares no child states"}
			}
			n.Initial = initChild
		}
		statesRaw, _ := asObject(raw.Get("states"))
		for _, c := range n.Children {
			childRaw, _ := asObject(statesRaw.Get(leafName(c.ID)))
			if err := walk(c, childRaw); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root, rootDoc)
}

// resolveTransitions resolves every pending raw target string against the
// graph, honoring absolute ('#...'), explicit-relative ('.' prefixed), and
// bare-name shortest-path lookup forms.
func (b *builder) resolveTransitions(g *Graph) error {
	for _, pt := range b.pendingTargets {
		targets := make([]*Node, 0, len(pt.raw))
		for _, raw := range pt.raw {
			n, err := resolveTarget(g, pt.fromNode, raw)
			if err != nil {
				return err
			}
			targets = append(targets, n)
		}
		pt.t.Targets = targets
		if len(targets) == 1 && targets[0] == pt.fromNode {
			pt.t.Kind = TransitionExternalSelf
		}
	}
	return nil
}

func resolveTarget(g *Graph, from *Node, raw string) (*Node, error) {
	if strings.HasPrefix(raw, "#") {
		n, ok := g.Node(raw)
		if !ok {
			return nil, &GraphError{Reason: from.ID + ": transition target '" + raw + "' does not exist"}
		}
		return n, nil
	}
	if strings.HasPrefix(raw, ".") {
		id := qualify(from.ID, strings.TrimPrefix(raw, "."))
		n, ok := g.Node(id)
		if !ok {
			return nil, &GraphError{Reason: from.ID + ": relative transition target '" + raw + "' does not exist"}
		}
		return n, nil
	}

	// Bare name: try a child of from, then a sibling at each ancestor level
	// outward from from, then anywhere in the graph, shallowest first and in
	// document order within a level. First match wins, giving shortest-path
	// precedence to nearby names.
	if c := findChildByName(from, raw); c != nil {
		return c, nil
	}
	for anc := from; anc != nil; anc = anc.Parent {
		if sib := findChildByName(anc, raw); sib != nil {
			return sib, nil
		}
	}
	queue := []*Node{g.Root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if leafName(n.ID) == raw {
			return n, nil
		}
		queue = append(queue, n.Children...)
	}
	return nil, &GraphError{Reason: from.ID + ": transition target '" + raw + "' could not be resolved"}
}

func findChildByName(n *Node, name string) *Node {
	for _, c := range n.Children {
		if leafName(c.ID) == name {
			return c
		}
	}
	return nil
}

func assignDepth(n *Node, depth int) {
	n.depth = depth
	for _, c := range n.Children {
		assignDepth(c, depth+1)
	}
}

// detectEventlessCycles rejects an unconditional eventless transition that
// keeps its source active — an internal one ("." or no target) or an
// external-self one — since settling would select it again on every round
// until InfiniteLoopError's iteration cap stops the step at run time.
// Genuine unconditional cycles between distinct states are still
// permitted; only the immediate self-loop case on an unguarded eventless
// transition is rejected at construction time.
func (b *builder) detectEventlessCycles(g *Graph) error {
	for _, n := range g.Nodes() {
		for _, t := range n.On[EventEventless] {
			if t.Guard == "" && (t.Kind == TransitionExternalSelf || t.Kind == TransitionInternal) {
				return &GraphError{Reason: n.ID + ": unconditional eventless self-transition would loop forever"}
			}
		}
	}
	return nil
}
