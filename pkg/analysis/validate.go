package analysis

import (
	"errors"
	"fmt"
)

// Admission errors reject a job synchronously at submission; the job is
// never created.
var (
	ErrNoItems           = errors.New("job has no items")
	ErrDuplicateItemID   = errors.New("duplicate item id")
	ErrUnknownDependency = errors.New("dependency references unknown item")
	ErrDependencyCycle   = errors.New("dependency cycle detected")
	ErrPlanLimit         = errors.New("job exceeds plan limits")
)

// AdmissionPolicy lets the caller reject jobs that exceed plan limits.
// The engine itself does not enforce billing or quotas.
type AdmissionPolicy interface {
	// Admit returns an error (conventionally wrapping ErrPlanLimit) to
	// reject the job, and the clamped per-job concurrency to apply.
	Admit(job *Job) (maxConcurrent int, err error)
}

// UnlimitedAdmission admits every job unchanged.
type UnlimitedAdmission struct{}

func (UnlimitedAdmission) Admit(job *Job) (int, error) {
	return job.Options.MaxConcurrent, nil
}

// Validate checks a job for admission: non-empty, unique item ids, valid
// kinds with matching payloads, resolvable dependencies and an acyclic
// dependency graph. Cycles are rejected here, at submission, rather than
// discovered lazily during scheduling.
func Validate(job *Job) error {
	if len(job.Items) == 0 {
		return ErrNoItems
	}

	seen := make(map[string]bool, len(job.Items))
	for _, it := range job.Items {
		if it.ID == "" {
			return fmt.Errorf("item with empty id")
		}
		if seen[it.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateItemID, it.ID)
		}
		seen[it.ID] = true

		if !it.Kind.IsValid() {
			return fmt.Errorf("item %s: unknown kind %q", it.ID, it.Kind)
		}
		if _, err := it.Spec(); err != nil {
			return err
		}
	}

	for _, it := range job.Items {
		for _, dep := range it.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: item %s depends on %s", ErrUnknownDependency, it.ID, dep)
			}
			if dep == it.ID {
				return fmt.Errorf("%w: item %s depends on itself", ErrDependencyCycle, it.ID)
			}
		}
	}

	return checkAcyclic(job.Items)
}

// checkAcyclic runs Kahn's algorithm over the dependency graph.
func checkAcyclic(items []*Item) error {
	indegree := make(map[string]int, len(items))
	dependents := make(map[string][]string, len(items))

	for _, it := range items {
		indegree[it.ID] += 0
		for _, dep := range it.DependsOn {
			indegree[it.ID]++
			dependents[dep] = append(dependents[dep], it.ID)
		}
	}

	queue := make([]string, 0, len(items))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	resolved := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if resolved != len(items) {
		return ErrDependencyCycle
	}
	return nil
}
