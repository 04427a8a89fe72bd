package dal

import "sort"

// OverlayKV is a write-buffered view layered over a parent KV, which may
// itself be an OverlayKV. This is the same dirty/deleted buffering
// technique the teacher's StateDB uses over a single DB, generalized so it
// composes: a fork's DAL is an OverlayKV over its parent core's DAL (or
// the confirmed LevelKV), giving the recursive "forked view over a forked
// view" shape spec.md requires for Core without ever touching the
// confirmed store until promotion.
type OverlayKV struct {
	parent  KV
	dirty   map[string][]byte
	deleted map[string]bool
}

// NewOverlayKV creates an empty overlay over parent.
func NewOverlayKV(parent KV) *OverlayKV {
	return &OverlayKV{
		parent:  parent,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

func (o *OverlayKV) Get(key []byte) ([]byte, error) {
	k := string(key)
	if o.deleted[k] {
		return nil, ErrNotFound
	}
	if v, ok := o.dirty[k]; ok {
		return v, nil
	}
	return o.parent.Get(key)
}

func (o *OverlayKV) Set(key, value []byte) error {
	k := string(key)
	delete(o.deleted, k)
	cp := make([]byte, len(value))
	copy(cp, value)
	o.dirty[k] = cp
	return nil
}

func (o *OverlayKV) Delete(key []byte) error {
	k := string(key)
	delete(o.dirty, k)
	o.deleted[k] = true
	return nil
}

func (o *OverlayKV) NewIterator(prefix []byte) Iterator {
	p := string(prefix)
	merged := make(map[string][]byte)

	parentIt := o.parent.NewIterator(prefix)
	for parentIt.Next() {
		k := string(parentIt.Key())
		v := make([]byte, len(parentIt.Value()))
		copy(v, parentIt.Value())
		merged[k] = v
	}
	parentIt.Release()

	for k, v := range o.dirty {
		if len(k) >= len(p) && k[:len(p)] == p {
			merged[k] = v
		}
	}
	for k := range o.deleted {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]kvPair, len(keys))
	for i, k := range keys {
		pairs[i] = kvPair{k: []byte(k), v: merged[k]}
	}
	return &sliceIterator{pairs: pairs, idx: -1}
}

func (o *OverlayKV) NewBatch() Batch {
	return &overlayBatch{kv: o}
}

func (o *OverlayKV) Close() error { return nil }

// FlushTo writes every dirty/deleted entry of this overlay into dst via a
// batch, used when promoting a core's overlay onto its parent.
func (o *OverlayKV) FlushTo(dst KV) error {
	b := dst.NewBatch()
	for k, v := range o.dirty {
		b.Set([]byte(k), v)
	}
	for k := range o.deleted {
		b.Delete([]byte(k))
	}
	return b.Write()
}

// Rebind replaces the overlay's parent, used when a surviving child core's
// overlay is reparented onto the main DAL after its former parent core is
// promoted and torn down.
func (o *OverlayKV) Rebind(parent KV) {
	o.parent = parent
}

type overlayBatch struct {
	kv  *OverlayKV
	ops []func()
}

func (b *overlayBatch) Set(key, value []byte) {
	k, v := append([]byte(nil), key...), append([]byte(nil), value...)
	b.ops = append(b.ops, func() { _ = b.kv.Set(k, v) })
}

func (b *overlayBatch) Delete(key []byte) {
	k := append([]byte(nil), key...)
	b.ops = append(b.ops, func() { _ = b.kv.Delete(k) })
}

func (b *overlayBatch) Reset() { b.ops = nil }

func (b *overlayBatch) Write() error {
	for _, op := range b.ops {
		op()
	}
	return nil
}

type kvPair struct{ k, v []byte }

type sliceIterator struct {
	pairs []kvPair
	idx   int
}

func (it *sliceIterator) Next() bool    { it.idx++; return it.idx < len(it.pairs) }
func (it *sliceIterator) Key() []byte   { return it.pairs[it.idx].k }
func (it *sliceIterator) Value() []byte { return it.pairs[it.idx].v }
func (it *sliceIterator) Release()      {}
func (it *sliceIterator) Error() error  { return nil }
