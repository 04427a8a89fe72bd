package consensus

import (
	"fmt"

	"github.com/duniter-go/gonode/dal"
	"github.com/duniter-go/gonode/events"
	"github.com/duniter-go/gonode/wot"
)

// applyTransaction consumes tx's inputs and creates its outputs as new
// spendable sources, the UTXO-model counterpart of the teacher's balance
// debit/credit transfer handler: validate, mutate state source by source,
// emit. Amount conservation (inputs >= outputs) is assumed already checked
// by Validator.LocalCheck.
func applyTransaction(d dal.DAL, emitter *events.Emitter, blockNumber int64, tx *wot.Transaction) error {
	for _, in := range tx.Inputs {
		ok, err := d.SourceExists(in.Source)
		if err != nil {
			return fmt.Errorf("check source %s: %w", in.Source, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", wot.ErrSourceUnknown, in.Source)
		}
		if err := d.ConsumeSource(in.Source); err != nil {
			return fmt.Errorf("consume source %s: %w", in.Source, err)
		}
	}

	for idx, out := range tx.Outputs {
		if err := d.CreateSource(tx.OutputSource(idx), out); err != nil {
			return fmt.Errorf("create source for output %d: %w", idx, err)
		}
	}

	if err := d.RemoveTxByHash(tx.ID); err != nil {
		return err
	}

	if emitter != nil {
		emitter.Emit(events.Event{
			Type:        events.EventTxExecuted,
			TxID:        tx.ID,
			BlockHeight: blockNumber,
			Data:        map[string]any{"issuers": tx.Issuers, "outputs": len(tx.Outputs)},
		})
	}
	return nil
}

// applyDividend credits every current member with amount, one new source
// per member keyed by DividendSource so each dividend payout is spendable
// exactly like a transaction output.
func applyDividend(d dal.DAL, emitter *events.Emitter, blockNumber int64, amount uint64) error {
	members, err := d.GetMembers()
	if err != nil {
		return err
	}
	for _, m := range members {
		src := wot.DividendSource(m.Pubkey, blockNumber)
		if err := d.CreateSource(src, wot.TxOutput{Pubkey: m.Pubkey, Amount: amount}); err != nil {
			return fmt.Errorf("create dividend source for %s: %w", m.Pubkey, err)
		}
	}
	if err := d.SetLastUDNumber(blockNumber); err != nil {
		return err
	}
	if emitter != nil {
		emitter.Emit(events.Event{
			Type:        events.EventDividendPaid,
			BlockHeight: blockNumber,
			Data:        map[string]any{"amount": amount, "members": len(members)},
		})
	}
	return nil
}
