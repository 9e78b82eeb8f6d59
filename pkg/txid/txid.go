// Package txid implements the structured transaction identities used to
// coordinate one user statement across several adapters.
//
// A GlobalID names a user transaction: (node, user, connection, transaction).
// A BranchID names the part of that transaction executed on one adapter:
// (node, store, reserved, custom). Both serialize to 64 bytes, four 16-byte
// big-endian sub-fields, so they cross process and adapter boundaries
// unchanged. All values are plain comparable structs; construction touches no
// shared mutable state.
package txid

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"github.com/TFMV/polyroute/pkg/errors"
)

// Size is the serialized length of a GlobalID or BranchID.
const Size = 4 * 16

var (
	// storeNamespace derives adapter store identifiers from numeric adapter ids.
	storeNamespace = uuid.MustParse("6f1c2a4e-5b0d-4f5e-9a57-1d2b3c4d5e6f")
)

// GlobalID identifies one user transaction for its whole lifetime.
type GlobalID struct {
	Node        uuid.UUID
	User        uuid.UUID
	Connection  uuid.UUID
	Transaction uuid.UUID
}

// BranchID identifies the branch of a global transaction on one adapter.
type BranchID struct {
	Node     uuid.UUID
	Store    uuid.UUID
	Reserved uuid.UUID
	Custom   uuid.UUID
}

// Xid pairs a global identity with one of its branches.
type Xid struct {
	Global GlobalID
	Branch BranchID
}

// NewGlobalIdentity builds a global identity from its four sub-identifiers.
func NewGlobalIdentity(node, user, connection, txn uuid.UUID) GlobalID {
	return GlobalID{Node: node, User: user, Connection: connection, Transaction: txn}
}

// NewTransaction starts a fresh global identity with a random transaction part.
func NewTransaction(node, user, connection uuid.UUID) GlobalID {
	return NewGlobalIdentity(node, user, connection, uuid.New())
}

// AdapterStore returns the store sub-identifier used for adapter branches.
func AdapterStore(adapterID int64) uuid.UUID {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(adapterID))
	return uuid.NewSHA1(storeNamespace, b[:])
}

// Branch derives the branch identity of g on the given store. The same
// (global, store) pair always yields the same branch so that retries and
// rollbacks sent to an adapter are idempotent.
func Branch(g GlobalID, store uuid.UUID) BranchID {
	seed := make([]byte, 0, Size+16)
	seed = append(seed, g.Bytes()...)
	seed = append(seed, store[:]...)
	return BranchID{
		Node:     g.Node,
		Store:    store,
		Reserved: uuid.Nil,
		Custom:   uuid.NewSHA1(g.Transaction, seed),
	}
}

// BranchForAdapter is Branch with the store derived from an adapter id.
func BranchForAdapter(g GlobalID, adapterID int64) BranchID {
	return Branch(g, AdapterStore(adapterID))
}

// LocalIdentity returns the identity of an internally initiated maintenance
// transaction. The global part has no node, user or connection; the node is
// carried by the branch.
func LocalIdentity(node, txn uuid.UUID) (GlobalID, BranchID) {
	g := GlobalID{Transaction: txn}
	b := BranchID{
		Node:   node,
		Store:  uuid.Nil,
		Custom: uuid.NewSHA1(txn, node[:]),
	}
	return g, b
}

// IsLocal reports whether g was created by LocalIdentity.
func IsLocal(g GlobalID) bool {
	return g.Node == uuid.Nil && g.User == uuid.Nil && g.Connection == uuid.Nil
}

// IsZero reports whether every sub-field is zero.
func (g GlobalID) IsZero() bool {
	return g == GlobalID{}
}

// Bytes returns the 64-byte wire layout.
func (g GlobalID) Bytes() []byte {
	return pack(g.Node, g.User, g.Connection, g.Transaction)
}

// String returns the hex encoding of Bytes.
func (g GlobalID) String() string {
	return hex.EncodeToString(g.Bytes())
}

// MarshalText implements encoding.TextMarshaler.
func (g GlobalID) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *GlobalID) UnmarshalText(text []byte) error {
	raw, err := decodeHex(string(text))
	if err != nil {
		return err
	}
	parsed, err := ParseGlobalID(raw)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// Bytes returns the 64-byte wire layout.
func (b BranchID) Bytes() []byte {
	return pack(b.Node, b.Store, b.Reserved, b.Custom)
}

// String returns the hex encoding of Bytes.
func (b BranchID) String() string {
	return hex.EncodeToString(b.Bytes())
}

// MarshalText implements encoding.TextMarshaler.
func (b BranchID) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *BranchID) UnmarshalText(text []byte) error {
	raw, err := decodeHex(string(text))
	if err != nil {
		return err
	}
	parsed, err := ParseBranchID(raw)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// ParseGlobalID decodes the 64-byte wire layout.
func ParseGlobalID(raw []byte) (GlobalID, error) {
	f, err := unpack(raw)
	if err != nil {
		return GlobalID{}, err
	}
	return GlobalID{Node: f[0], User: f[1], Connection: f[2], Transaction: f[3]}, nil
}

// ParseBranchID decodes the 64-byte wire layout.
func ParseBranchID(raw []byte) (BranchID, error) {
	f, err := unpack(raw)
	if err != nil {
		return BranchID{}, err
	}
	return BranchID{Node: f[0], Store: f[1], Reserved: f[2], Custom: f[3]}, nil
}

// String renders {GID:<hex>,BID:<hex>}.
func (x Xid) String() string {
	var sb strings.Builder
	sb.Grow(2*2*Size + 12)
	sb.WriteString("{GID:")
	sb.WriteString(x.Global.String())
	sb.WriteString(",BID:")
	sb.WriteString(x.Branch.String())
	sb.WriteString("}")
	return sb.String()
}

// ParseXid parses the String form of an Xid.
func ParseXid(s string) (Xid, error) {
	if !strings.HasPrefix(s, "{GID:") || !strings.HasSuffix(s, "}") {
		return Xid{}, errors.ErrMalformedIdentity.WithDetail("reason", "missing {GID:...} framing")
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s, "{GID:"), "}")
	gidHex, bidHex, ok := strings.Cut(body, ",BID:")
	if !ok {
		return Xid{}, errors.ErrMalformedIdentity.WithDetail("reason", "missing BID part")
	}

	var x Xid
	if err := x.Global.UnmarshalText([]byte(gidHex)); err != nil {
		return Xid{}, err
	}
	if err := x.Branch.UnmarshalText([]byte(bidHex)); err != nil {
		return Xid{}, err
	}
	return x, nil
}

func pack(fields ...uuid.UUID) []byte {
	out := make([]byte, 0, Size)
	for _, f := range fields {
		out = append(out, f[:]...)
	}
	return out
}

func unpack(raw []byte) ([4]uuid.UUID, error) {
	var f [4]uuid.UUID
	if len(raw) != Size {
		return f, errors.ErrMalformedIdentity.WithDetail("length", len(raw))
	}
	for i := range f {
		copy(f[i][:], raw[i*16:(i+1)*16])
	}
	return f, nil
}

func decodeHex(s string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeMalformedIdentity, "malformed transaction identity")
	}
	return raw, nil
}
