package snapdb

import (
	"fmt"
)

type EventKind int

const (
	EventBulkCreate EventKind = iota + 1
	EventUpdate
	EventDelete
	EventFindAll
	EventFindAllLike
	EventFindByPk
	EventCount
	EventClear
	EventDrop
	EventDestroy
)

var eventKindNames = [...]string{
	EventBulkCreate:  "bulkCreate",
	EventUpdate:      "update",
	EventDelete:      "delete",
	EventFindAll:     "findAll",
	EventFindAllLike: "findAllLike",
	EventFindByPk:    "findByPk",
	EventCount:       "count",
	EventClear:       "clear",
	EventDrop:        "drop",
	EventDestroy:     "destroy",
}

func (k EventKind) String() string {
	if k > 0 && int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event describes a successfully completed collection operation.
//
// Data depends on Kind: the written records for bulkCreate, the record for
// update and findByPk, the key for delete, the number of records for count
// and the find operations, nil otherwise.
type Event struct {
	Kind       EventKind
	Collection *CollectionDescriptor
	Data       any
}

// Observer receives events synchronously. It must not block for long;
// panics and errors are logged and otherwise ignored.
type Observer interface {
	Observe(ev Event) error
}

type ObserverFunc func(ev Event) error

func (f ObserverFunc) Observe(ev Event) error {
	return f(ev)
}

type multiObserver []Observer

// Observers combines several observers into one. Each is invoked even if an
// earlier one fails.
func Observers(obs ...Observer) Observer {
	var result multiObserver
	for _, o := range obs {
		if o != nil {
			result = append(result, o)
		}
	}
	return result
}

func (mo multiObserver) Observe(ev Event) error {
	var firstErr error
	for _, o := range mo {
		if err := observeSafely(o, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func observeSafely(o Observer, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("observer panicked: %v", p)
		}
	}()
	return o.Observe(ev)
}

func (db *DB) notify(kind EventKind, cd *CollectionDescriptor, data any) {
	if db.observer == nil {
		return
	}
	err := observeSafely(db.observer, Event{Kind: kind, Collection: cd, Data: data})
	if err != nil {
		db.logger.Warn("db: observer failed", "event", kind.String(), "collection", cd.Name, "err", err)
	}
}

func (db *DB) logOp(op string, coll string, args ...any) {
	if !db.verbose {
		return
	}
	db.logger.Info(fmt.Sprintf("db: %s %s", op, coll), args...)
}
