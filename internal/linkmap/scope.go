package linkmap

// Scope is the ordered list of Objects a symbol lookup searches, built by
// BuildScope's breadth-first walk of the dependency DAG, per spec.md §3/
// §4.4. Order matters: it is the tie-break rule when more than one Object
// defines the same symbol name.
type Scope []*Object

// BuildScope walks root's dependency graph breadth-first, collecting every
// reachable Object once (cycles and diamonds are deduplicated), and, when
// global is true, appending every other Object in the process-wide global
// scope after root's own subgraph — RTLD_GLOBAL's effect of widening
// lookups without reordering root's own stronger-bound dependencies ahead
// of it.
func BuildScope(root *Object, global bool, m *Map) Scope {
	seen := map[*Object]bool{}
	var scope Scope

	queue := []*Object{root}
	for len(queue) > 0 {
		o := queue[0]
		queue = queue[1:]
		if seen[o] {
			continue
		}
		seen[o] = true
		scope = append(scope, o)
		queue = append(queue, o.Deps...)
	}

	if global {
		m.Iterate(func(o *Object) bool {
			if !seen[o] && (o.Flags&FlagGlobal != 0 || (o.Image.Dynamic != nil && o.Image.Dynamic.GlobalSticky())) {
				seen[o] = true
				scope = append(scope, o)
			}
			return true
		})
	}

	return scope
}
