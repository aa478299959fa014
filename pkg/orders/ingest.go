package orders

import (
	"go.uber.org/zap"

	"github.com/magnaflowlabs/merchant-tools/pkg/batcher"
	"github.com/magnaflowlabs/merchant-tools/pkg/push"
	"github.com/magnaflowlabs/merchant-tools/pkg/util"
)

// Ingest feeds order pushes through per-type batchers into the Book.
type Ingest struct {
	book        *Book
	collections *batcher.Batcher[CollectionOrder]
	payouts     *batcher.Batcher[PayoutOrder]
	log         *zap.SugaredLogger
}

func NewIngest(book *Book, cfg batcher.Config, clock util.Clock, logger *zap.SugaredLogger) *Ingest {
	log := util.OrNop(logger)
	in := &Ingest{book: book, log: log}
	in.collections = batcher.New[CollectionOrder](cfg, func(_ string, list []CollectionOrder) {
		up, rm := book.ApplyCollection(list)
		log.Debugw("book_collection_flush", "upserted", up, "removed", rm, "version", book.Version())
	}, clock, log)
	in.payouts = batcher.New[PayoutOrder](cfg, func(_ string, list []PayoutOrder) {
		up, rm := book.ApplyPayout(list)
		log.Debugw("book_payout_flush", "upserted", up, "removed", rm, "version", book.Version())
	}, clock, log)
	return in
}

// Register installs the order push handlers on d.
func (in *Ingest) Register(d *push.Dispatcher) {
	d.Register(push.EventCollectionOrders, in.handleCollection)
	d.Register(push.EventPayoutOrders, in.handlePayout)
}

func (in *Ingest) handleCollection(ev push.Event) error {
	p, err := push.DecodeList[CollectionOrder](ev)
	if err != nil {
		return err
	}
	list := forChain(in.book.Chain(), p.Chain, p.List, func(o *CollectionOrder) *string { return &o.Chain })
	if len(list) == 0 {
		in.log.Debugw("push_skipped", "event", ev.Name, "chain", p.Chain)
		return nil
	}
	in.collections.Add(TypeCollection, list...)
	return nil
}

func (in *Ingest) handlePayout(ev push.Event) error {
	p, err := push.DecodeList[PayoutOrder](ev)
	if err != nil {
		return err
	}
	list := forChain(in.book.Chain(), p.Chain, p.List, func(o *PayoutOrder) *string { return &o.Chain })
	if len(list) == 0 {
		in.log.Debugw("push_skipped", "event", ev.Name, "chain", p.Chain)
		return nil
	}
	in.payouts.Add(TypePayout, list...)
	return nil
}

// forChain drops a push addressed to another chain and stamps the envelope chain onto
// orders that carry none.
func forChain[T any](active, chain string, list []T, field func(*T) *string) []T {
	if chain != "" && chain != active {
		return nil
	}
	for i := range list {
		if c := field(&list[i]); *c == "" {
			*c = chain
		}
	}
	return list
}

// Reset discards buffered pushes. Call it before switching chain.
func (in *Ingest) Reset() {
	in.collections.Reset()
	in.payouts.Reset()
}

// Flush writes buffered pushes to the book now.
func (in *Ingest) Flush() {
	in.collections.Flush()
	in.payouts.Flush()
}
