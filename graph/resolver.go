package graph

// ReadySteps returns every Blocked step whose dependencies have all Succeeded,
// transitioning them to Ready. IDs are returned in template declaration order.
//
// As a side effect, Blocked steps with any Failed dependency are marked Failed
// with a DEPENDENCY_FAILED error. Propagation walks the template in
// topological order so transitive dependents fail in the same call.
func ReadySteps(tmpl *WorkflowTemplate, states map[string]*StepState) []string {
	ready, _ := resolve(tmpl, states)
	return ready
}

// resolve is ReadySteps that also reports the steps failed by propagation,
// in topological order.
func resolve(tmpl *WorkflowTemplate, states map[string]*StepState) (ready, propagated []string) {
	for _, idx := range tmpl.order {
		def := tmpl.steps[idx]
		st := states[def.ID]
		if st == nil || st.Status != StepBlocked {
			continue
		}
		for _, dep := range def.DependsOn {
			if ds := states[dep]; ds != nil && ds.Status == StepFailed {
				st.Status = StepFailed
				st.Output = nil
				st.LastError = &StepError{
					StepID:  def.ID,
					Code:    CodeDependencyFailed,
					Message: "dependency " + dep + " failed",
				}
				propagated = append(propagated, def.ID)
				break
			}
		}
	}

	for _, def := range tmpl.steps {
		st := states[def.ID]
		if st == nil || st.Status != StepBlocked {
			continue
		}
		if dependenciesSucceeded(def, states) {
			st.Status = StepReady
			ready = append(ready, def.ID)
		}
	}
	return ready, propagated
}

func dependenciesSucceeded(def StepDefinition, states map[string]*StepState) bool {
	for _, dep := range def.DependsOn {
		ds := states[dep]
		if ds == nil || ds.Status != StepSucceeded {
			return false
		}
	}
	return true
}

// dependencyOutputs collects the outputs of def's dependencies.
func dependencyOutputs(def StepDefinition, states map[string]*StepState) map[string][]byte {
	deps := make(map[string][]byte, len(def.DependsOn))
	for _, dep := range def.DependsOn {
		if ds := states[dep]; ds != nil {
			deps[dep] = ds.Output
		}
	}
	return deps
}
