package workflow

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/letter-workflow/auth"
	"github.com/songzhibin97/letter-workflow/rules"
	"github.com/songzhibin97/letter-workflow/types"
)

// ValidateDefinition checks the graph of def. catalog and evaluator may be
// nil, which skips permission and rule checks respectively.
func ValidateDefinition(def types.WorkflowDefinition, catalog *auth.Catalog, evaluator rules.Evaluator) error {
	if def.ID == 0 {
		return errors.New("definition ID cannot be zero")
	}
	if def.EntityType == "" {
		return errors.New("definition entity type is required")
	}
	if len(def.States) == 0 {
		return errors.New("definition must have at least one state")
	}

	stateIDs := make(map[uint64]bool, len(def.States))
	initial := 0
	for _, s := range def.States {
		if s.ID == 0 {
			return errors.New("state ID cannot be zero")
		}
		if stateIDs[s.ID] {
			return fmt.Errorf("duplicate state ID %d found in definition", s.ID)
		}
		stateIDs[s.ID] = true
		if s.IsInitial {
			initial++
		}
	}
	switch {
	case initial == 0:
		return ErrNoInitialState
	case initial > 1:
		return fmt.Errorf("definition has %d initial states, want exactly one", initial)
	}

	transitionIDs := make(map[uint64]bool, len(def.Transitions))
	edges := make(map[[2]uint64]uint64, len(def.Transitions))
	for _, t := range def.Transitions {
		if t.ID == 0 {
			return errors.New("transition ID cannot be zero")
		}
		if transitionIDs[t.ID] {
			return fmt.Errorf("duplicate transition ID %d found in definition", t.ID)
		}
		transitionIDs[t.ID] = true

		if !stateIDs[t.FromStateID] {
			return fmt.Errorf("transition %d: unknown from state %d", t.ID, t.FromStateID)
		}
		if !stateIDs[t.ToStateID] {
			return fmt.Errorf("transition %d: unknown to state %d", t.ID, t.ToStateID)
		}
		edge := [2]uint64{t.FromStateID, t.ToStateID}
		if other, ok := edges[edge]; ok {
			return fmt.Errorf("transitions %d and %d both connect state %d to %d", other, t.ID, t.FromStateID, t.ToStateID)
		}
		edges[edge] = t.ID

		if catalog != nil {
			if err := catalog.Validate(t.RequiredPermissions); err != nil {
				return fmt.Errorf("transition %d: %w", t.ID, err)
			}
		}
		if evaluator != nil {
			for _, rule := range t.ValidationRules {
				if err := evaluator.Compile(rule); err != nil {
					return fmt.Errorf("transition %d: %w", t.ID, err)
				}
			}
		}
	}
	return nil
}
