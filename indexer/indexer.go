// Package indexer maintains secondary indexes over committed WoT events so
// RPC callers can query certifications and membership history by pubkey
// without scanning the full confirmed chain.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/duniter-go/gonode/dal"
	"github.com/duniter-go/gonode/events"
)

const (
	prefixCertsReceived = "idx:certs:to:"
	prefixCertsGiven    = "idx:certs:from:"
	prefixMembershipLog = "idx:ms:"
)

// Indexer subscribes to chain events and updates secondary lookup tables.
type Indexer struct {
	kv      dal.KV
	emitter *events.Emitter
}

// New creates an Indexer backed by kv and subscribes to relevant events.
func New(kv dal.KV, emitter *events.Emitter) *Indexer {
	idx := &Indexer{kv: kv, emitter: emitter}
	emitter.Subscribe(events.EventCertAdded, idx.onCertAdded)
	emitter.Subscribe(events.EventMembershipNew, idx.onMembershipNew)
	emitter.Subscribe(events.EventMembershipOut, idx.onMembershipOut)
	emitter.Subscribe(events.EventMemberExcluded, idx.onMemberExcluded)
	return idx
}

// GetCertsReceived returns the pubkeys that have certified target, in the
// order the certifications were recorded.
func (idx *Indexer) GetCertsReceived(target string) ([]string, error) {
	return idx.getList(prefixCertsReceived + target)
}

// GetCertsGiven returns the pubkeys issuer has certified, in recording
// order.
func (idx *Indexer) GetCertsGiven(issuer string) ([]string, error) {
	return idx.getList(prefixCertsGiven + issuer)
}

// GetMembershipLog returns the history of membership-change descriptions
// ("in"/"out"/"excluded") recorded for pubkey, oldest first.
func (idx *Indexer) GetMembershipLog(pubkey string) ([]string, error) {
	return idx.getList(prefixMembershipLog + pubkey)
}

// ---- event handlers ----

func (idx *Indexer) onCertAdded(ev events.Event) {
	from, _ := ev.Data["from"].(string)
	to, _ := ev.Data["to"].(string)
	if from == "" || to == "" {
		return
	}
	if err := idx.addToList(prefixCertsGiven+from, to); err != nil {
		log.Printf("[indexer] cert-given index write failed (from=%s to=%s): %v", from, to, err)
	}
	if err := idx.addToList(prefixCertsReceived+to, from); err != nil {
		log.Printf("[indexer] cert-received index write failed (from=%s to=%s): %v", from, to, err)
	}
}

func (idx *Indexer) onMembershipNew(ev events.Event) {
	idx.logMembership(ev, "in")
}

func (idx *Indexer) onMembershipOut(ev events.Event) {
	idx.logMembership(ev, "out")
}

func (idx *Indexer) onMemberExcluded(ev events.Event) {
	idx.logMembership(ev, "excluded")
}

func (idx *Indexer) logMembership(ev events.Event, kind string) {
	pubkey, _ := ev.Data["pubkey"].(string)
	if pubkey == "" {
		pubkey, _ = ev.Data["issuer"].(string)
	}
	if pubkey == "" {
		return
	}
	blockNumber, _ := ev.Data["block_number"].(int64)
	entry := fmt.Sprintf("%d:%s", blockNumber, kind)
	if err := idx.addToList(prefixMembershipLog+pubkey, entry); err != nil {
		log.Printf("[indexer] membership log write failed (pubkey=%s): %v", pubkey, err)
	}
}

// ---- list helpers ----

func (idx *Indexer) getList(key string) ([]string, error) {
	data, err := idx.kv.Get([]byte(key))
	if err != nil {
		if errors.Is(err, dal.ErrNotFound) {
			return nil, nil // empty list
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return ids, nil
}

func (idx *Indexer) addToList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	for _, id := range ids {
		if id == value {
			return nil // already present
		}
	}
	ids = append(ids, value)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return idx.kv.Set([]byte(key), data)
}

func (idx *Indexer) removeFromList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	if ids == nil {
		return nil
	}
	filtered := ids[:0]
	for _, id := range ids {
		if id != value {
			filtered = append(filtered, id)
		}
	}
	data, err := json.Marshal(filtered)
	if err != nil {
		return err
	}
	return idx.kv.Set([]byte(key), data)
}
