package mapping

import (
	"fmt"
	"strings"
)

// Order sorts types so that every type comes after its dependencies. Ties
// are broken by canonical order, which makes the default set come out as
// companies, users, clients, sub clients, task types, projects, calendar
// events, tasks, contacts.
func Order(types []EntityType) ([]EntityType, error) {
	want := make(map[EntityType]bool, len(types))
	for _, t := range types {
		if _, ok := entities[t]; !ok {
			return nil, fmt.Errorf("unknown entity type: %q", t)
		}
		want[t] = true
	}

	indegree := make(map[EntityType]int, len(want))
	dependents := make(map[EntityType][]EntityType)
	for t := range want {
		for _, dep := range entities[t].DependsOn {
			if !want[dep] {
				return nil, fmt.Errorf("%s depends on %s, which is not part of the run", t, dep)
			}
			indegree[t]++
			dependents[dep] = append(dependents[dep], t)
		}
	}

	ordered := make([]EntityType, 0, len(want))
	done := make(map[EntityType]bool, len(want))
	for len(ordered) < len(want) {
		next := EntityType("")
		for _, t := range canonicalOrder {
			if want[t] && !done[t] && indegree[t] == 0 {
				next = t
				break
			}
		}
		if next == "" {
			var stuck []string
			for _, t := range canonicalOrder {
				if want[t] && !done[t] {
					stuck = append(stuck, string(t))
				}
			}
			return nil, fmt.Errorf("dependency cycle among: %s", strings.Join(stuck, ", "))
		}
		done[next] = true
		ordered = append(ordered, next)
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return ordered, nil
}
