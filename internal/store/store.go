package store

import (
	"github.com/ravel-lang/ravel/internal/ravelerr"
	"github.com/ravel-lang/ravel/internal/value"
	"go.uber.org/zap"
)

// OnInsert/OnSignal/OnDelete are installed by internal/listener's init,
// mirroring value.ClosureCaller's inversion: the listener network needs
// to react to every mutation here without this package importing it
// back (listener already imports store for Schema/Instance/Index).
var (
	OnInsert func(s *Schema, inst *Instance, created bool)
	OnSignal func(s *Schema, inst *Instance)
	OnDelete func(s *Schema, inst *Instance)
)

func resolveSchema(name string) (*Schema, error) {
	s, ok := schemas[name]
	if !ok {
		return nil, ravelerr.New(ravelerr.SchemaError, "unknown schema %q", name)
	}
	return s, nil
}

// Insert creates and enlists a new instance of schemaName, setting the
// given fields (any field omitted keeps its zero Nil value), indexing it
// into every one of the schema's (and its ancestors') indices, and
// firing insert listeners. Setting a non-Value-kind field is a
// SchemaError.
func Insert(schemaName string, fieldNames []string, values []value.Value) (*Instance, error) {
	sch, err := resolveSchema(schemaName)
	if err != nil {
		return nil, err
	}
	inst := newInstance(sch)
	if err := inst.setFields(fieldNames, values); err != nil {
		return nil, err
	}
	sch.appendInstance(inst)
	for _, key := range sch.IndexOrder {
		if err := sch.Indices[key].insert(inst); err != nil {
			return nil, err
		}
	}
	sch.log.Debug("insert", zap.Int("count", sch.count))
	if OnInsert != nil {
		OnInsert(sch, inst, true)
	}
	return inst, nil
}

// Signal builds a transient instance of schemaName — never enlisted or
// indexed — purely to fire listeners with a one-shot event, per
// spec.md §4.E/§4.F and SPEC_FULL.md's Open Question decision that
// signal never migrates narrow listeners onto it.
func Signal(schemaName string, fieldNames []string, values []value.Value) (*Instance, error) {
	sch, err := resolveSchema(schemaName)
	if err != nil {
		return nil, err
	}
	inst := newInstance(sch)
	if err := inst.setFields(fieldNames, values); err != nil {
		return nil, err
	}
	sch.log.Debug("signal")
	if OnSignal != nil {
		OnSignal(sch, inst)
	}
	return inst, nil
}

// locate finds the single instance of sch whose keyNames fields equal
// keyVals, auto-creating a matching index if none already covers that
// exact field tuple (the same convenience EnsureIndex gives `index`
// declarations, extended here to update/delete/exists key lists).
func locate(sch *Schema, keyNames []string, keyVals []value.Value) (*Instance, error) {
	if len(keyNames) == 0 {
		inst, ok := sch.FirstInstance()
		if !ok {
			return nil, ravelerr.New(ravelerr.FieldError, "%s has no instances", sch.Name)
		}
		return inst, nil
	}
	idx, err := EnsureIndex(sch, keyNames)
	if err != nil {
		return nil, err
	}
	inst, ok, err := idx.Lookup(keyVals)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ravelerr.New(ravelerr.FieldError, "no %s instance matches the given keys", sch.Name)
	}
	return inst, nil
}

// Update locates the instance keyed by (keyNames, keyVals) and rewrites
// fieldNames to fieldVals, then re-fires insert listeners with
// created=false. Rejects the update (SchemaError) if any updated field
// is part of any index on the schema or an ancestor — SPEC_FULL.md's
// Open Question decision that re-indexing an already-live instance is
// unsupported rather than silently re-bucketing it.
func Update(schemaName string, keyNames []string, keyVals []value.Value, fieldNames []string, fieldVals []value.Value) error {
	sch, err := resolveSchema(schemaName)
	if err != nil {
		return err
	}
	inst, err := locate(sch, keyNames, keyVals)
	if err != nil {
		return err
	}
	if inst.fieldNamesIndexed(fieldNames) {
		return ravelerr.New(ravelerr.SchemaError, "cannot update indexed field of %s; delete and re-insert instead", sch.Name)
	}
	if err := inst.setFields(fieldNames, fieldVals); err != nil {
		return err
	}
	sch.log.Debug("update")
	if OnInsert != nil {
		OnInsert(sch, inst, false)
	}
	return nil
}

// Delete locates the instance keyed by (keyNames, keyVals), fires
// delete listeners while it is still fully linked, then removes it from
// every index and its schema's instance list.
func Delete(schemaName string, keyNames []string, keyVals []value.Value) error {
	sch, err := resolveSchema(schemaName)
	if err != nil {
		return err
	}
	inst, err := locate(sch, keyNames, keyVals)
	if err != nil {
		return err
	}
	if OnDelete != nil {
		OnDelete(sch, inst)
	}
	for _, key := range sch.IndexOrder {
		if err := sch.Indices[key].remove(inst); err != nil {
			return err
		}
	}
	sch.unlinkInstance(inst)
	inst.Listeners = nil
	sch.log.Debug("delete", zap.Int("count", sch.count))
	return nil
}

// Lookup answers an exists/when index-lookup instruction: fieldNames
// empty means a broad (any-instance) match, otherwise the exact-order
// field tuple is looked up (auto-creating the index on first use, same
// as locate).
func Lookup(schemaName string, fieldNames []string, values []value.Value) (*Instance, bool, error) {
	sch, err := resolveSchema(schemaName)
	if err != nil {
		return nil, false, err
	}
	if len(fieldNames) == 0 {
		inst, ok := sch.FirstInstance()
		return inst, ok, nil
	}
	idx, err := EnsureIndex(sch, fieldNames)
	if err != nil {
		return nil, false, err
	}
	return idx.Lookup(values)
}
