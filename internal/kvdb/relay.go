package kvdb

// Relay mirrors writes to both a fast primary and a durable secondary, and
// reads from the primary first, falling back to the secondary on a miss —
// the same primary/secondary shape ethdb/relaydb/relaydb.go implements,
// generalized from relaydb's read-through-only cache (its Put/Delete both
// panicked "not supported") into a genuine write-through mirror, since the
// metadata store needs both layers to actually agree after a write.
type Relay struct {
	primary   KeyValueStore
	secondary KeyValueStore

	hits, misses int
}

// NewRelay returns a relay over primary (consulted first, usually memory)
// and secondary (the durable backend, usually leveldb).
func NewRelay(primary, secondary KeyValueStore) *Relay {
	return &Relay{primary: primary, secondary: secondary}
}

func (r *Relay) Get(key []byte) ([]byte, error) {
	if v, err := r.primary.Get(key); err == nil {
		r.hits++
		return v, nil
	}
	r.misses++
	v, err := r.secondary.Get(key)
	if err != nil {
		return nil, err
	}
	// Warm the primary so the next read for this key is a hit.
	_ = r.primary.Put(key, v)
	return v, nil
}

func (r *Relay) Put(key, value []byte) error {
	if err := r.secondary.Put(key, value); err != nil {
		return err
	}
	return r.primary.Put(key, value)
}

func (r *Relay) Delete(key []byte) error {
	if err := r.secondary.Delete(key); err != nil {
		return err
	}
	return r.primary.Delete(key)
}

func (r *Relay) Has(key []byte) (bool, error) {
	if ok, err := r.primary.Has(key); err == nil && ok {
		return true, nil
	}
	return r.secondary.Has(key)
}

func (r *Relay) NewIterator(prefix, start []byte) Iterator {
	// The secondary is authoritative for iteration: the primary is only a
	// best-effort warm cache, not guaranteed to hold every key.
	return r.secondary.NewIterator(prefix, start)
}

func (r *Relay) Close() error {
	perr := r.primary.Close()
	serr := r.secondary.Close()
	if serr != nil {
		return serr
	}
	return perr
}

// Efficiency reports cumulative primary hit/miss counts (relaydb.Database's
// Efficiency, kept as a diagnostic).
func (r *Relay) Efficiency() (hits, misses int) { return r.hits, r.misses }
