package orders

import (
	"sync"

	"github.com/magnaflowlabs/merchant-tools/pkg/shardmap"
)

// Book is the local mirror of the remote order set for one chain.
type Book struct {
	mu       sync.RWMutex
	chain    string
	onChange []func(kind string, version uint64)

	Collection *shardmap.Map[CollectionOrder]
	Payout     *shardmap.Map[PayoutOrder]
}

func NewBook(chain string, shardCount int) *Book {
	return &Book{
		chain:      chain,
		Collection: shardmap.New[CollectionOrder](shardCount),
		Payout:     shardmap.New[PayoutOrder](shardCount),
	}
}

func (b *Book) Chain() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.chain
}

// SetChain switches the active chain and drops every order of the previous one.
func (b *Book) SetChain(chain string) {
	b.mu.Lock()
	b.chain = chain
	b.mu.Unlock()
	b.Reset()
}

// OnChange registers fn to run after every mutation with the kind touched and the book version.
func (b *Book) OnChange(fn func(kind string, version uint64)) {
	b.mu.Lock()
	b.onChange = append(b.onChange, fn)
	b.mu.Unlock()
}

// Version changes whenever either map changes.
func (b *Book) Version() uint64 {
	return b.Collection.Version() + b.Payout.Version()
}

// Reset clears both maps.
func (b *Book) Reset() {
	b.Collection.Clear()
	b.Payout.Clear()
	b.notify(TypeCollection)
	b.notify(TypePayout)
}

func (b *Book) matches(chain string) bool {
	return chain == "" || chain == b.Chain()
}

// ApplyCollection upserts pushed collection orders and removes completed ones. Orders for
// another chain are ignored. A push without a status keeps the local one.
func (b *Book) ApplyCollection(list []CollectionOrder) (upserted, removed int) {
	var set []shardmap.Entry[CollectionOrder]
	var del []string
	for _, o := range list {
		if o.Key() == "" || !b.matches(o.Chain) {
			continue
		}
		if o.Status == StatusCompleted {
			del = append(del, o.Key())
			continue
		}
		if prev, ok := b.Collection.Get(o.Key()); ok && o.Status == "" {
			o.Status, o.TxHash = prev.Status, prev.TxHash
		}
		if o.Status == "" {
			o.Status = StatusPending
		}
		set = append(set, shardmap.Entry[CollectionOrder]{Key: o.Key(), Value: o})
	}
	b.Collection.SetMany(set...)
	removed = b.Collection.DeleteMany(del...)
	if len(set) > 0 || removed > 0 {
		b.notify(TypeCollection)
	}
	return len(set), removed
}

// ApplyPayout is ApplyCollection for payouts. The local locked flag survives pushes that omit status.
func (b *Book) ApplyPayout(list []PayoutOrder) (upserted, removed int) {
	var set []shardmap.Entry[PayoutOrder]
	var del []string
	for _, o := range list {
		if o.Key() == "" || !b.matches(o.Chain) {
			continue
		}
		if o.Status == StatusCompleted {
			del = append(del, o.Key())
			continue
		}
		if prev, ok := b.Payout.Get(o.Key()); ok && o.Status == "" {
			o.Status, o.TxHash = prev.Status, prev.TxHash
			o.Locked = o.Locked || prev.Locked
		}
		if o.Status == "" {
			o.Status = StatusPending
		}
		set = append(set, shardmap.Entry[PayoutOrder]{Key: o.Key(), Value: o})
	}
	b.Payout.SetMany(set...)
	removed = b.Payout.DeleteMany(del...)
	if len(set) > 0 || removed > 0 {
		b.notify(TypePayout)
	}
	return len(set), removed
}

// SetCollectionStatus records a local status change. It reports false for unknown keys.
func (b *Book) SetCollectionStatus(key string, status Status, txHash string) bool {
	ok := b.Collection.Update(key, func(o CollectionOrder) CollectionOrder {
		o.Status = status
		if txHash != "" {
			o.TxHash = txHash
		}
		return o
	})
	if ok {
		b.notify(TypeCollection)
	}
	return ok
}

func (b *Book) SetPayoutStatus(key string, status Status, txHash string) bool {
	ok := b.Payout.Update(key, func(o PayoutOrder) PayoutOrder {
		o.Status = status
		if txHash != "" {
			o.TxHash = txHash
		}
		return o
	})
	if ok {
		b.notify(TypePayout)
	}
	return ok
}

// SetPayoutLocked flags exactly the given bill numbers.
func (b *Book) SetPayoutLocked(keys []string, locked bool) int {
	n := 0
	for _, k := range keys {
		if b.Payout.Update(k, func(o PayoutOrder) PayoutOrder { o.Locked = locked; return o }) {
			n++
		}
	}
	if n > 0 {
		b.notify(TypePayout)
	}
	return n
}

func (b *Book) notify(kind string) {
	b.mu.RLock()
	fns := b.onChange
	b.mu.RUnlock()
	v := b.Version()
	for _, fn := range fns {
		fn(kind, v)
	}
}
