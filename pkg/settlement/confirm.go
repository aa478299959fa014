package settlement

import (
	"context"
	"fmt"

	"github.com/magnaflowlabs/merchant-tools/pkg/chain"
	"github.com/magnaflowlabs/merchant-tools/pkg/orders"
	"github.com/magnaflowlabs/merchant-tools/pkg/storage"
)

// CheckConfirmations looks up every Confirming collection. A reverted transaction returns the
// order to Pending and releases its lock; a confirmed one is journaled and left for the remote
// to complete.
func (e *Engine) CheckConfirmations(ctx context.Context) (confirmed, reverted int) {
	for key, o := range e.Book.Collection.All() {
		if o.Status != orders.StatusConfirming || o.TxHash == "" {
			continue
		}
		info, err := e.Chain.TransactionInfo(ctx, o.TxHash)
		if err != nil {
			e.log.Warnw("settle_receipt_failed", "key", key, "tx", o.TxHash, "err", err)
			continue
		}
		switch info.State {
		case chain.TxConfirmed:
			if r, ok, _ := e.Journal.Get(e.cfg.Chain, orders.TypeCollection, key); ok && r.State == storage.StateConfirmed {
				continue
			}
			e.journal(storage.Record{Key: key, State: storage.StateConfirmed, TxHash: o.TxHash})
			e.log.Infow("settle_confirmed", "key", key, "tx", o.TxHash, "block", info.Block)
			confirmed++
		case chain.TxReverted:
			e.log.Warnw("settle_reverted", "key", key, "tx", o.TxHash)
			e.unlock(ctx, key)
			e.setStatus(key, orders.StatusPending, "")
			e.mu.Lock()
			delete(e.processed, key)
			e.mu.Unlock()
			e.journal(storage.Record{Key: key, State: storage.StateReverted, TxHash: o.TxHash})
			e.WAL.Append(fmt.Sprintf("reverted collection %s %s %s", e.cfg.Chain, key, o.TxHash))
			e.outcome("reverted")
			reverted++
		}
	}
	return confirmed, reverted
}

// CheckConfirmations is the payout counterpart of Engine.CheckConfirmations. A batch shares one
// hash, so a revert releases every bill in it.
func (p *PayoutBatch) CheckConfirmations(ctx context.Context) (confirmed, reverted int) {
	byTx := make(map[string][]string)
	var hashes []string
	for key, o := range p.Book.Payout.All() {
		if o.Status != orders.StatusConfirming || o.TxHash == "" {
			continue
		}
		if _, ok := byTx[o.TxHash]; !ok {
			hashes = append(hashes, o.TxHash)
		}
		byTx[o.TxHash] = append(byTx[o.TxHash], key)
	}

	for _, tx := range hashes {
		keys := byTx[tx]
		info, err := p.Chain.TransactionInfo(ctx, tx)
		if err != nil {
			p.log.Warnw("payout_receipt_failed", "tx", tx, "err", err)
			continue
		}
		switch info.State {
		case chain.TxConfirmed:
			for _, k := range keys {
				if r, ok, _ := p.Journal.Get(p.cfg.Chain, orders.TypePayout, k); ok && r.State == storage.StateConfirmed {
					continue
				}
				p.journal(storage.Record{Key: k, State: storage.StateConfirmed, TxHash: tx})
				confirmed++
			}
		case chain.TxReverted:
			p.log.Warnw("payout_reverted", "tx", tx, "bills", keys)
			p.release(ctx, keys)
			for _, k := range keys {
				p.journal(storage.Record{Key: k, State: storage.StateReverted, TxHash: tx})
			}
			p.WAL.Append(fmt.Sprintf("reverted payout %s %s %v", p.cfg.Chain, tx, keys))
			p.outcome("reverted", len(keys))
			reverted += len(keys)
		}
	}
	return confirmed, reverted
}
