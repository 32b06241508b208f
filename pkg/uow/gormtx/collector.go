package gormtx

import (
	"context"
	"fmt"
	"reflect"

	"github.com/aether-platform/eventing/pkg/events"
	"github.com/aether-platform/eventing/pkg/uow"
	"gorm.io/gorm"
)

const collectorName = "aether:collect_events"

type collectorKey struct{}

func withCollector(ctx context.Context, tx *localTx) context.Context {
	return context.WithValue(ctx, collectorKey{}, tx)
}

func collectorFrom(ctx context.Context) (*localTx, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(collectorKey{}).(*localTx)
	return tx, ok
}

// collectorPlugin pulls events from saved aggregates into the participant
// that saved them.
type collectorPlugin struct{}

func (collectorPlugin) Name() string { return collectorName }

func (collectorPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Create().After("gorm:create").Register(collectorName, collectEvents); err != nil {
		return err
	}
	if err := db.Callback().Update().After("gorm:update").Register(collectorName, collectEvents); err != nil {
		return err
	}
	return db.Callback().Delete().After("gorm:delete").Register(collectorName, collectEvents)
}

func collectEvents(db *gorm.DB) {
	if db.Error != nil || db.Statement == nil {
		return
	}
	ctx := db.Statement.Context
	tx, hasCollector := collectorFrom(ctx)
	current := uow.Current(ctx)
	if !hasCollector && current == nil {
		// Nobody could dispatch them; leave them buffered on the aggregate.
		return
	}

	pulled := pullEvents(db.Statement.ReflectValue)
	if len(pulled) == 0 {
		return
	}
	if hasCollector {
		tx.collect(pulled)
		return
	}
	for _, evt := range pulled {
		if err := current.AddEvent(evt); err != nil {
			_ = db.AddError(fmt.Errorf("collect %s: %w", evt.Name, err))
			return
		}
	}
}

func pullEvents(rv reflect.Value) []events.DomainEvent {
	if !rv.IsValid() {
		return nil
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		var out []events.DomainEvent
		for i := 0; i < rv.Len(); i++ {
			out = append(out, pullEvents(rv.Index(i))...)
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		if src, ok := rv.Interface().(events.Source); ok {
			return src.PullEvents()
		}
		return pullEvents(rv.Elem())
	case reflect.Struct:
		if rv.CanAddr() {
			if src, ok := rv.Addr().Interface().(events.Source); ok {
				return src.PullEvents()
			}
		}
	}
	return nil
}
