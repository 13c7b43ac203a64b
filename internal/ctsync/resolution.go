package ctsync

import (
	"fmt"

	"ctsync/internal/model"
)

// Strategy names a way of resolving a conflict.
type Strategy string

const (
	StrategyAutoMerge   Strategy = "auto_merge"
	StrategyManualMerge Strategy = "manual_merge"
	StrategyUseLocal    Strategy = "use_local"
	StrategyUseRemote   Strategy = "use_remote"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyAutoMerge, StrategyManualMerge, StrategyUseLocal, StrategyUseRemote:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown resolution strategy: %q", s)
	}
}

// ResolutionResult is the outcome of applying a strategy. Callers must not
// execute anything when RequiresManual is set. When Success is set and
// Deleted is true the resolution is to delete the type.
type ResolutionResult struct {
	Success        bool
	Strategy       Strategy
	Resolution     *model.ContentTypeDefinition
	Deleted        bool
	Error          string
	RequiresManual bool
}

// ResolutionStrategyManager picks and applies resolution strategies.
type ResolutionStrategyManager struct {
	logger Logger
}

func NewResolutionStrategyManager(logger Logger) *ResolutionStrategyManager {
	return &ResolutionStrategyManager{logger: logger}
}

// SelectBestStrategy returns auto_merge for field conflicts whose edits do
// not overlap, and manual_merge otherwise. Structural and delete conflicts
// always need a person.
func (m *ResolutionStrategyManager) SelectBestStrategy(c *ConflictResult) Strategy {
	if c == nil || c.Type != model.ConflictField || len(c.ConflictingFields) > 0 {
		return StrategyManualMerge
	}
	return StrategyAutoMerge
}

// ResolveConflict applies strategy to c. manual supplies the chosen
// definition for manual_merge and is ignored otherwise.
func (m *ResolutionStrategyManager) ResolveConflict(c *ConflictResult, strategy Strategy, manual *model.ContentTypeDefinition) ResolutionResult {
	res := ResolutionResult{Strategy: strategy}
	if c == nil || c.Local == nil || c.Remote == nil {
		res.Error = "conflict is missing local or remote version"
		return res
	}

	switch strategy {
	case StrategyUseLocal:
		return m.take(res, c.Local)

	case StrategyUseRemote:
		return m.take(res, c.Remote)

	case StrategyAutoMerge:
		if m.SelectBestStrategy(c) != StrategyAutoMerge {
			res.RequiresManual = true
			res.Error = fmt.Sprintf("%s conflict on %s cannot be merged automatically", c.Type, c.TypeKey)
			return res
		}
		merged, conflicts, err := mergeDefinitions(c.Ancestor.DataOrNil(), c.Local.Data, c.Remote.Data)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		if len(conflicts) > 0 {
			res.RequiresManual = true
			res.Error = fmt.Sprintf("%d fields edited on both sides", len(conflicts))
			return res
		}
		res.Success = true
		res.Resolution = merged
		res.Deleted = merged == nil
		m.logger.Debug("conflict merged automatically", "type_key", c.TypeKey)
		return res

	case StrategyManualMerge:
		if manual == nil {
			res.RequiresManual = true
			res.Error = "manual merge requires a resolved definition"
			return res
		}
		if manual.Key != c.TypeKey {
			res.Error = fmt.Sprintf("resolved definition key %q does not match %q", manual.Key, c.TypeKey)
			return res
		}
		res.Success = true
		res.Resolution = manual.Clone()
		return res

	default:
		res.Error = fmt.Sprintf("unknown resolution strategy: %q", strategy)
		return res
	}
}

func (m *ResolutionStrategyManager) take(res ResolutionResult, v *model.Version) ResolutionResult {
	res.Success = true
	if v.Deleted {
		res.Deleted = true
		return res
	}
	res.Resolution = v.Data.Clone()
	return res
}
