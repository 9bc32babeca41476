// Package dispatch implements the dispatch table: the mapping between
// application-defined data names and server-assigned numeric data IDs,
// and from a data ID to an ordered list of handler callbacks.
package dispatch

import (
	"errors"

	"github.com/duonet/duonet/packet"
)

// ErrLocked is returned by AddHandler/AddCatchAll once the table has
// been locked (the owning session engine has started).
var ErrLocked = errors.New("dispatch: table is locked")

// ErrUnknownName is returned by Bind when asked to fix the ID of a
// name that was never registered.
var ErrUnknownName = errors.New("dispatch: unknown name")

// Handler receives a dispatched packet. ctx carries whatever the
// owning engine needs a handler to see (for the server, typically a
// client identifier; for the client, typically nothing).
type Handler[Ctx any] func(ctx Ctx, pkt *packet.Packet)

// Entry is a read-only snapshot of one dispatch table row, returned by
// Entries for diagnostics and for the server's INIT_CUSTOM_DATA_LIST
// reply.
type Entry struct {
	Name   string
	DataID packet.DataID
}

type row[Ctx any] struct {
	name      string
	dataID    packet.DataID
	callbacks []Handler[Ctx]
}

// Table is an ordered set of {name, data_id, callbacks[]} entries plus
// a single catch-all callback. A server-mode Table assigns data IDs
// immediately, starting at packet.CustomDataStart. A client-mode Table
// leaves data IDs as packet.Unknown until Bind fixes them, once per
// name, during data-list negotiation.
//
// A Table is not safe for concurrent use; like every other duonet
// type, all calls on one Table must be serialized by the caller.
type Table[Ctx any] struct {
	server bool
	nextID packet.DataID
	locked bool

	byName map[string]*row[Ctx]
	byID   map[packet.DataID]*row[Ctx]
	order  []*row[Ctx]

	catchAll Handler[Ctx]
}

// NewServerTable returns a Table that assigns data IDs to new names
// immediately, starting at packet.CustomDataStart.
func NewServerTable[Ctx any]() *Table[Ctx] {
	return &Table[Ctx]{
		server: true,
		nextID: packet.CustomDataStart,
		byName: make(map[string]*row[Ctx]),
		byID:   make(map[packet.DataID]*row[Ctx]),
	}
}

// NewClientTable returns a Table whose entries start out unassigned
// (packet.Unknown) until Bind fixes their IDs during the client's
// DATA_LIST_EXCHANGE step.
func NewClientTable[Ctx any]() *Table[Ctx] {
	return &Table[Ctx]{
		byName: make(map[string]*row[Ctx]),
		byID:   make(map[packet.DataID]*row[Ctx]),
	}
}

// AddHandler registers h against name, returning the data ID assigned
// to name (server mode) or packet.Unknown (client mode, until Bind is
// called). Registering the same name again appends h to the existing
// entry's callback list instead of creating a new entry. Rejected with
// ErrLocked once the table has been locked.
func (t *Table[Ctx]) AddHandler(name string, h Handler[Ctx]) (packet.DataID, error) {
	if t.locked {
		return packet.Unknown, ErrLocked
	}
	r, ok := t.byName[name]
	if !ok {
		r = &row[Ctx]{name: name, dataID: packet.Unknown}
		if t.server {
			r.dataID = t.nextID
			t.nextID++
			t.byID[r.dataID] = r
		}
		t.byName[name] = r
		t.order = append(t.order, r)
	}
	r.callbacks = append(r.callbacks, h)
	return r.dataID, nil
}

// AddCatchAll installs the table's single catch-all callback, invoked
// for any received packet whose data ID has no registered entry (or an
// entry with no callbacks). A second call replaces the first.
func (t *Table[Ctx]) AddCatchAll(h Handler[Ctx]) error {
	if t.locked {
		return ErrLocked
	}
	t.catchAll = h
	return nil
}

// Bind fixes name's data ID to id, rebuilding the by_id index. Used on
// the client once the server's data list negotiation assigns real
// IDs to names that were registered with packet.Unknown. Unlike
// AddHandler/AddCatchAll, Bind is never rejected by Lock: negotiation
// runs after the client has locked its table against further
// registration, not before.
func (t *Table[Ctx]) Bind(name string, id packet.DataID) error {
	r, ok := t.byName[name]
	if !ok {
		return ErrUnknownName
	}
	if r.dataID != packet.Unknown {
		delete(t.byID, r.dataID)
	}
	r.dataID = id
	t.byID[id] = r
	return nil
}

// BindOrCreate behaves like Bind when name is already registered;
// otherwise it creates a callback-less passive entry for name at id.
// Used by the client to absorb INIT_CUSTOM_DATA_LIST entries the
// application never pre-registered, so a later Lookup or per-ID
// dispatch for that name still resolves.
func (t *Table[Ctx]) BindOrCreate(name string, id packet.DataID) error {
	if _, ok := t.byName[name]; !ok {
		r := &row[Ctx]{name: name, dataID: id}
		t.byName[name] = r
		t.byID[id] = r
		t.order = append(t.order, r)
		return nil
	}
	return t.Bind(name, id)
}

// Lookup returns the data ID assigned to name, and whether name is
// registered at all.
func (t *Table[Ctx]) Lookup(name string) (packet.DataID, bool) {
	r, ok := t.byName[name]
	if !ok {
		return packet.Unknown, false
	}
	return r.dataID, true
}

// Lock rejects any further AddHandler/AddCatchAll call. Called by the
// owning engine's Start/Connect. Bind/BindOrCreate are unaffected:
// negotiation runs after locking, not before.
func (t *Table[Ctx]) Lock() { t.locked = true }

// Entries returns a snapshot of every registered {name, data_id} pair,
// in registration order.
func (t *Table[Ctx]) Entries() []Entry {
	out := make([]Entry, 0, len(t.order))
	for _, r := range t.order {
		out = append(out, Entry{Name: r.name, DataID: r.dataID})
	}
	return out
}

// Dispatch delivers pkt to the handlers registered for its data ID, in
// reverse registration order (handlers registered later run first),
// resetting pkt's remove cursor before each callback so every handler
// reads the payload from the beginning. running is re-checked after
// each callback; dispatch stops as soon as it reports false. If no
// entry matches pkt's data ID, or the matching entry has no
// callbacks, the table's catch-all callback (if any) is invoked once
// instead.
func (t *Table[Ctx]) Dispatch(ctx Ctx, pkt *packet.Packet, running func() bool) {
	r, ok := t.byID[pkt.DataID()]
	if !ok || len(r.callbacks) == 0 {
		if t.catchAll != nil {
			pkt.Reset()
			t.catchAll(ctx, pkt)
		}
		return
	}
	for i := len(r.callbacks) - 1; i >= 0; i-- {
		pkt.Reset()
		r.callbacks[i](ctx, pkt)
		if !running() {
			return
		}
	}
}
