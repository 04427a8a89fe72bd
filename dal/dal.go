package dal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/duniter-go/gonode/wot"
)

// ErrNotFound mirrors wot.ErrNotFound for KV-level lookups that predate
// any WoT-specific context (e.g. a missing LevelDB key).
var ErrNotFound = wot.ErrNotFound

// CoreRecord is the persisted identity of a fork-tree core: just enough to
// rebuild the arena on restart (the teacher has no analogous concept; this
// is the persisted half of consensus.Core, which additionally holds the
// live ChainContext built over this DAL at load time).
type CoreRecord struct {
	ForkPointNumber       int64  `json:"fork_point_number"`
	ForkPointHash         string `json:"fork_point_hash"`
	ForkPointPreviousHash string `json:"fork_point_previous_hash"`
}

// PeerInfo is a known remote node, persisted so seed peers survive restarts.
type PeerInfo struct {
	ID      string `json:"id"`
	Addr    string `json:"addr"`
	Pubkey  string `json:"pubkey,omitempty"`
	Updated int64  `json:"updated"`
}

// Stat is a named, append-only counter bucket: §6's "per-counter stats
// (newcomers, certs, joiners, actives, leavers, excluded, ud, tx)".
type Stat struct {
	Name            string  `json:"name"`
	LastParsedBlock int64   `json:"last_parsed_block"`
	Blocks          []int64 `json:"blocks"` // heights that contributed
	Count           int64   `json:"count"`
}

// DAL is the full data-access contract the consensus core is specified
// against (spec.md §6). Every concrete DAL (confirmed-chain LevelKV-backed,
// or a forked OverlayKV-backed core view) implements it identically via
// WotDAL; the only difference is which KV sits underneath.
type DAL interface {
	// ---- chain ----
	GetCurrentBlockOrNull() (*wot.Block, error)
	GetBlock(number int64) (*wot.Block, error)
	GetBlockOrNull(number int64) (*wot.Block, error)
	GetBlockByHash(hash string) (*wot.Block, error)
	GetPromoted(number int64) (*wot.Block, error)
	PutBlock(b *wot.Block) error

	// ---- fork composition ----
	Fork() DAL
	Underlying() KV
	SetRootDAL(root DAL) error
	FlushTo(dst DAL) error

	// ---- cores index ----
	GetCores() ([]CoreRecord, error)
	AddCore(rec CoreRecord) error
	UnforkCore(number int64, hash string) error

	// ---- identities ----
	GetIdentityByHashOrNull(hash string) (*wot.Identity, error)
	GetIdentityByPubkeyOrNull(pubkey string) (*wot.Identity, error)
	GetIdentityByUidOrNull(uid string) (*wot.Identity, error)
	SaveIdentity(idty wot.Identity) error
	SavePendingIdentity(idty wot.Identity) error
	ListLocalPendingIdentities() ([]wot.Identity, error)
	GetMembers() ([]wot.Identity, error)
	IsMember(pubkey string) (bool, error)
	IsMemberOrError(pubkey string) error
	IsMemberAndNonLeaverOrError(pubkey string) error

	// ---- memberships ----
	SavePendingMembership(m wot.Membership) error
	FindNewcomers() ([]wot.Membership, error)
	FindLeavers() ([]wot.Membership, error)
	ListPendingLocalMemberships() ([]wot.Membership, error)
	GetMembershipsForIssuer(pubkey string) ([]wot.Membership, error)
	ClearPendingMembership(issuer string, number int64) error

	// ---- certifications / links ----
	SavePendingCert(c wot.Certification) error
	ListLocalPendingCerts() ([]wot.Certification, error)
	CertsNotLinkedToTarget(to string) ([]wot.Certification, error)
	CertsFindNew() ([]wot.Certification, error)
	RegisterNewCertification(c wot.Certification, timestamp int64) error
	GetValidLinksFrom(pubkey string) ([]wot.Link, error)
	GetValidLinksTo(pubkey string) ([]wot.Link, error)
	ExistsLinkFromOrAfterDate(from, to string, minTime int64) (bool, error)
	RemoveLink(from, to string) error
	GetCertificationExcludingBlock(number int64) ([]wot.Certification, error)

	// ---- exclusions ----
	GetToBeKicked() ([]string, error)
	SetToBeKicked(pubkeys []string) error

	// ---- transactions ----
	SavePendingTx(tx wot.Transaction) error
	GetTransactionsPending() ([]wot.Transaction, error)
	RemoveTxByHash(hash string) error
	SourceExists(source string) (bool, error)
	ConsumeSource(source string) error
	CreateSource(source string, out wot.TxOutput) error
	DropTxRecords() error

	// ---- monetary / UD ----
	LastUDBlock() (*wot.Block, error)
	SetLastUDNumber(n int64) error

	// ---- peers ----
	ListAllPeers() ([]PeerInfo, error)
	SavePeer(p PeerInfo) error

	// ---- stats ----
	SaveStat(s Stat) error
	GetStat(name string) (Stat, error)
}

// key prefixes, following the teacher's registerPrefix convention
// (storage/statedb.go) but declared as plain constants since WotDAL does
// not need ComputeRoot-style prefix enumeration.
const (
	prefixBlockByHash = "block:"
	prefixHeight      = "height:"
	keyTip            = "chain:tip"

	prefixCore = "core:"

	prefixIdtyByHash   = "idty:hash:"
	prefixIdtyByPubkey = "idty:pubkey:"
	prefixIdtyByUid    = "idty:uid:"
	keyPendingIdties   = "idty:pending"

	keyPendingMemberships = "ms:pending"

	keyPendingCerts  = "cert:pending"
	prefixLinkFrom   = "link:from:"
	prefixLinkTo     = "link:to:"

	keyToBeKicked = "excl:tobekicked"

	keyPendingTxs = "tx:pending"
	prefixSource  = "src:"

	keyLastUDNumber = "ud:last_number"

	keyPeers = "peers:all"

	prefixStat = "stat:"
)

// WotDAL implements DAL on top of any KV: a LevelKV for the confirmed
// chain, or an OverlayKV for a forked core. This mirrors the teacher's
// StateDB-over-DB layering (storage/statedb.go) generalized from "a
// business layer over one DB" to "a business layer over one KV, which may
// itself be an overlay of another WotDAL's KV".
type WotDAL struct {
	kv KV
}

// NewWotDAL wraps kv as a DAL.
func NewWotDAL(kv KV) *WotDAL { return &WotDAL{kv: kv} }

func (d *WotDAL) Underlying() KV { return d.kv }

// Fork returns a new DAL whose writes are buffered over this one's KV,
// the "forked DAL view" a Core is created with (spec.md §3/§4.3).
func (d *WotDAL) Fork() DAL {
	return NewWotDAL(NewOverlayKV(d.kv))
}

// SetRootDAL rebinds this DAL's overlay onto root's KV, used when a
// surviving child core is reparented after its parent is promoted.
func (d *WotDAL) SetRootDAL(root DAL) error {
	ov, ok := d.kv.(*OverlayKV)
	if !ok {
		return errors.New("dal: SetRootDAL called on a non-overlay DAL")
	}
	ov.Rebind(root.Underlying())
	return nil
}

// FlushTo writes this DAL's overlay contents into dst, used when promoting
// a core into the confirmed chain.
func (d *WotDAL) FlushTo(dst DAL) error {
	ov, ok := d.kv.(*OverlayKV)
	if !ok {
		return errors.New("dal: FlushTo called on a non-overlay DAL")
	}
	return ov.FlushTo(dst.Underlying())
}

// ---- generic JSON get/set helpers ----

func getJSON[T any](kv KV, key string) (T, bool, error) {
	var zero T
	data, err := kv.Get([]byte(key))
	if errors.Is(err, ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return v, true, nil
}

func setJSON[T any](kv KV, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return kv.Set([]byte(key), data)
}

func getList[T any](kv KV, key string) ([]T, error) {
	list, ok, err := getJSON[[]T](kv, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return list, nil
}

// ---- chain ----

func (d *WotDAL) GetBlockByHash(hash string) (*wot.Block, error) {
	b, ok, err := getJSON[wot.Block](d.kv, prefixBlockByHash+hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, wot.ErrNotFound
	}
	return &b, nil
}

func (d *WotDAL) GetBlock(number int64) (*wot.Block, error) {
	hash, ok, err := getJSON[string](d.kv, fmt.Sprintf("%s%d", prefixHeight, number))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, wot.ErrNotFound
	}
	return d.GetBlockByHash(hash)
}

func (d *WotDAL) GetBlockOrNull(number int64) (*wot.Block, error) {
	b, err := d.GetBlock(number)
	if errors.Is(err, wot.ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// GetPromoted is an alias for GetBlock: once confirmed, a block is
// "promoted" and addressed only by height.
func (d *WotDAL) GetPromoted(number int64) (*wot.Block, error) {
	return d.GetBlock(number)
}

func (d *WotDAL) GetCurrentBlockOrNull() (*wot.Block, error) {
	hash, ok, err := getJSON[string](d.kv, keyTip)
	if err != nil {
		return nil, err
	}
	if !ok || hash == "" {
		return nil, nil
	}
	return d.GetBlockByHash(hash)
}

func (d *WotDAL) PutBlock(b *wot.Block) error {
	batch := d.kv.NewBatch()
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	batch.Set([]byte(prefixBlockByHash+b.Hash), data)
	heightKey := []byte(fmt.Sprintf("%s%d", prefixHeight, b.Number))
	hashData, err := json.Marshal(b.Hash)
	if err != nil {
		return err
	}
	batch.Set(heightKey, hashData)
	tipData, err := json.Marshal(b.Hash)
	if err != nil {
		return err
	}
	batch.Set([]byte(keyTip), tipData)
	return batch.Write()
}

// ---- cores index ----

func (d *WotDAL) GetCores() ([]CoreRecord, error) {
	return getList[CoreRecord](d.kv, prefixCore+"index")
}

func (d *WotDAL) AddCore(rec CoreRecord) error {
	list, err := d.GetCores()
	if err != nil {
		return err
	}
	list = append(list, rec)
	return setJSON(d.kv, prefixCore+"index", list)
}

func (d *WotDAL) UnforkCore(number int64, hash string) error {
	list, err := d.GetCores()
	if err != nil {
		return err
	}
	filtered := list[:0]
	for _, c := range list {
		if !(c.ForkPointNumber == number && c.ForkPointHash == hash) {
			filtered = append(filtered, c)
		}
	}
	return setJSON(d.kv, prefixCore+"index", filtered)
}

// ---- identities ----

func (d *WotDAL) GetIdentityByHashOrNull(hash string) (*wot.Identity, error) {
	i, ok, err := getJSON[wot.Identity](d.kv, prefixIdtyByHash+hash)
	if err != nil || !ok {
		return nil, err
	}
	return &i, nil
}

func (d *WotDAL) GetIdentityByPubkeyOrNull(pubkey string) (*wot.Identity, error) {
	i, ok, err := getJSON[wot.Identity](d.kv, prefixIdtyByPubkey+pubkey)
	if err != nil || !ok {
		return nil, err
	}
	return &i, nil
}

func (d *WotDAL) GetIdentityByUidOrNull(uid string) (*wot.Identity, error) {
	i, ok, err := getJSON[wot.Identity](d.kv, prefixIdtyByUid+uid)
	if err != nil || !ok {
		return nil, err
	}
	return &i, nil
}

func (d *WotDAL) SaveIdentity(idty wot.Identity) error {
	if err := setJSON(d.kv, prefixIdtyByHash+idty.Hash, idty); err != nil {
		return err
	}
	if err := setJSON(d.kv, prefixIdtyByPubkey+idty.Pubkey, idty); err != nil {
		return err
	}
	return setJSON(d.kv, prefixIdtyByUid+idty.Uid, idty)
}

func (d *WotDAL) SavePendingIdentity(idty wot.Identity) error {
	list, err := d.ListLocalPendingIdentities()
	if err != nil {
		return err
	}
	for _, e := range list {
		if e.Hash == idty.Hash {
			return nil
		}
	}
	list = append(list, idty)
	return setJSON(d.kv, keyPendingIdties, list)
}

func (d *WotDAL) ListLocalPendingIdentities() ([]wot.Identity, error) {
	return getList[wot.Identity](d.kv, keyPendingIdties)
}

func (d *WotDAL) GetMembers() ([]wot.Identity, error) {
	it := d.kv.NewIterator([]byte(prefixIdtyByPubkey))
	defer it.Release()
	var members []wot.Identity
	for it.Next() {
		var idty wot.Identity
		if err := json.Unmarshal(it.Value(), &idty); err != nil {
			return nil, err
		}
		if idty.Member {
			members = append(members, idty)
		}
	}
	return members, it.Error()
}

func (d *WotDAL) IsMember(pubkey string) (bool, error) {
	idty, err := d.GetIdentityByPubkeyOrNull(pubkey)
	if err != nil {
		return false, err
	}
	return idty != nil && idty.Member, nil
}

func (d *WotDAL) IsMemberOrError(pubkey string) error {
	ok, err := d.IsMember(pubkey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", wot.ErrNotMember, pubkey)
	}
	return nil
}

func (d *WotDAL) IsMemberAndNonLeaverOrError(pubkey string) error {
	if err := d.IsMemberOrError(pubkey); err != nil {
		return err
	}
	leavers, err := d.FindLeavers()
	if err != nil {
		return err
	}
	for _, l := range leavers {
		if l.Issuer == pubkey {
			return fmt.Errorf("%w: %s has a pending leave", wot.ErrNotMember, pubkey)
		}
	}
	return nil
}

// ---- memberships ----

func (d *WotDAL) SavePendingMembership(m wot.Membership) error {
	list, err := d.ListPendingLocalMemberships()
	if err != nil {
		return err
	}
	list = append(list, m)
	return setJSON(d.kv, keyPendingMemberships, list)
}

func (d *WotDAL) ListPendingLocalMemberships() ([]wot.Membership, error) {
	return getList[wot.Membership](d.kv, keyPendingMemberships)
}

func (d *WotDAL) FindNewcomers() ([]wot.Membership, error) {
	all, err := d.ListPendingLocalMemberships()
	if err != nil {
		return nil, err
	}
	var out []wot.Membership
	for _, m := range all {
		if m.Membership == wot.MembershipIN {
			out = append(out, m)
		}
	}
	return out, nil
}

func (d *WotDAL) FindLeavers() ([]wot.Membership, error) {
	all, err := d.ListPendingLocalMemberships()
	if err != nil {
		return nil, err
	}
	var out []wot.Membership
	for _, m := range all {
		if m.Membership == wot.MembershipOUT {
			out = append(out, m)
		}
	}
	return out, nil
}

func (d *WotDAL) GetMembershipsForIssuer(pubkey string) ([]wot.Membership, error) {
	all, err := d.ListPendingLocalMemberships()
	if err != nil {
		return nil, err
	}
	var out []wot.Membership
	for _, m := range all {
		if m.Issuer == pubkey {
			out = append(out, m)
		}
	}
	return out, nil
}

func (d *WotDAL) ClearPendingMembership(issuer string, number int64) error {
	all, err := d.ListPendingLocalMemberships()
	if err != nil {
		return err
	}
	filtered := all[:0]
	for _, m := range all {
		if !(m.Issuer == issuer && m.Number == number) {
			filtered = append(filtered, m)
		}
	}
	return setJSON(d.kv, keyPendingMemberships, filtered)
}

// ---- certifications / links ----

func (d *WotDAL) SavePendingCert(c wot.Certification) error {
	list, err := d.ListLocalPendingCerts()
	if err != nil {
		return err
	}
	for _, e := range list {
		if e.From == c.From && e.To == c.To {
			return nil
		}
	}
	list = append(list, c)
	return setJSON(d.kv, keyPendingCerts, list)
}

func (d *WotDAL) ListLocalPendingCerts() ([]wot.Certification, error) {
	return getList[wot.Certification](d.kv, keyPendingCerts)
}

func (d *WotDAL) CertsNotLinkedToTarget(to string) ([]wot.Certification, error) {
	all, err := d.ListLocalPendingCerts()
	if err != nil {
		return nil, err
	}
	var out []wot.Certification
	for _, c := range all {
		if c.To == to {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *WotDAL) CertsFindNew() ([]wot.Certification, error) {
	return d.ListLocalPendingCerts()
}

func (d *WotDAL) GetCertificationExcludingBlock(number int64) ([]wot.Certification, error) {
	all, err := d.ListLocalPendingCerts()
	if err != nil {
		return nil, err
	}
	var out []wot.Certification
	for _, c := range all {
		if c.BlockNumber != number {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *WotDAL) RegisterNewCertification(c wot.Certification, timestamp int64) error {
	link := wot.Link{From: c.From, To: c.To, Timestamp: timestamp}
	if err := d.addLink(prefixLinkFrom+c.From, link); err != nil {
		return err
	}
	if err := d.addLink(prefixLinkTo+c.To, link); err != nil {
		return err
	}
	all, err := d.ListLocalPendingCerts()
	if err != nil {
		return err
	}
	filtered := all[:0]
	for _, e := range all {
		if !(e.From == c.From && e.To == c.To) {
			filtered = append(filtered, e)
		}
	}
	return setJSON(d.kv, keyPendingCerts, filtered)
}

func (d *WotDAL) addLink(key string, link wot.Link) error {
	list, err := getList[wot.Link](d.kv, key)
	if err != nil {
		return err
	}
	list = append(list, link)
	return setJSON(d.kv, key, list)
}

func (d *WotDAL) GetValidLinksFrom(pubkey string) ([]wot.Link, error) {
	return getList[wot.Link](d.kv, prefixLinkFrom+pubkey)
}

func (d *WotDAL) GetValidLinksTo(pubkey string) ([]wot.Link, error) {
	return getList[wot.Link](d.kv, prefixLinkTo+pubkey)
}

func (d *WotDAL) ExistsLinkFromOrAfterDate(from, to string, minTime int64) (bool, error) {
	links, err := d.GetValidLinksFrom(from)
	if err != nil {
		return false, err
	}
	for _, l := range links {
		if l.To == to && l.Timestamp >= minTime {
			return true, nil
		}
	}
	return false, nil
}

func (d *WotDAL) RemoveLink(from, to string) error {
	fromList, err := d.GetValidLinksFrom(from)
	if err != nil {
		return err
	}
	filtered := fromList[:0]
	for _, l := range fromList {
		if l.To != to {
			filtered = append(filtered, l)
		}
	}
	if err := setJSON(d.kv, prefixLinkFrom+from, filtered); err != nil {
		return err
	}

	toList, err := d.GetValidLinksTo(to)
	if err != nil {
		return err
	}
	filteredTo := toList[:0]
	for _, l := range toList {
		if l.From != from {
			filteredTo = append(filteredTo, l)
		}
	}
	return setJSON(d.kv, prefixLinkTo+to, filteredTo)
}

// ---- exclusions ----

func (d *WotDAL) GetToBeKicked() ([]string, error) {
	return getList[string](d.kv, keyToBeKicked)
}

func (d *WotDAL) SetToBeKicked(pubkeys []string) error {
	return setJSON(d.kv, keyToBeKicked, pubkeys)
}

// ---- transactions ----

func (d *WotDAL) SavePendingTx(tx wot.Transaction) error {
	list, err := d.GetTransactionsPending()
	if err != nil {
		return err
	}
	for _, e := range list {
		if e.ID == tx.ID {
			return nil
		}
	}
	list = append(list, tx)
	return setJSON(d.kv, keyPendingTxs, list)
}

func (d *WotDAL) GetTransactionsPending() ([]wot.Transaction, error) {
	return getList[wot.Transaction](d.kv, keyPendingTxs)
}

func (d *WotDAL) RemoveTxByHash(hash string) error {
	list, err := d.GetTransactionsPending()
	if err != nil {
		return err
	}
	filtered := list[:0]
	for _, tx := range list {
		if tx.ID != hash {
			filtered = append(filtered, tx)
		}
	}
	return setJSON(d.kv, keyPendingTxs, filtered)
}

func (d *WotDAL) SourceExists(source string) (bool, error) {
	_, ok, err := getJSON[wot.TxOutput](d.kv, prefixSource+source)
	return ok, err
}

func (d *WotDAL) ConsumeSource(source string) error {
	return d.kv.Delete([]byte(prefixSource + source))
}

func (d *WotDAL) CreateSource(source string, out wot.TxOutput) error {
	return setJSON(d.kv, prefixSource+source, out)
}

func (d *WotDAL) DropTxRecords() error {
	return setJSON(d.kv, keyPendingTxs, []wot.Transaction{})
}

// ---- monetary / UD ----

func (d *WotDAL) LastUDBlock() (*wot.Block, error) {
	n, ok, err := getJSON[int64](d.kv, keyLastUDNumber)
	if err != nil || !ok {
		return nil, err
	}
	return d.GetBlockOrNull(n)
}

func (d *WotDAL) SetLastUDNumber(n int64) error {
	return setJSON(d.kv, keyLastUDNumber, n)
}

// ---- peers ----

func (d *WotDAL) ListAllPeers() ([]PeerInfo, error) {
	return getList[PeerInfo](d.kv, keyPeers)
}

func (d *WotDAL) SavePeer(p PeerInfo) error {
	list, err := d.ListAllPeers()
	if err != nil {
		return err
	}
	for i, e := range list {
		if e.ID == p.ID {
			list[i] = p
			return setJSON(d.kv, keyPeers, list)
		}
	}
	list = append(list, p)
	return setJSON(d.kv, keyPeers, list)
}

// ---- stats ----

func (d *WotDAL) SaveStat(s Stat) error {
	return setJSON(d.kv, prefixStat+s.Name, s)
}

func (d *WotDAL) GetStat(name string) (Stat, error) {
	s, ok, err := getJSON[Stat](d.kv, prefixStat+name)
	if err != nil {
		return Stat{}, err
	}
	if !ok {
		return Stat{Name: name}, nil
	}
	return s, nil
}
