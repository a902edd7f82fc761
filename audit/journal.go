package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/plan-systems/plan-keyagent/ctx"
	"github.com/plan-systems/plan-keyagent/plan"
	"github.com/plan-systems/plan-keyagent/ski"
)

var (
	eventPrefix = []byte("ev/")
	seqKey      = []byte("seq/ev")
)

// Journal is an append-only, hash-chained audit log kept in a badger db.
//
// Each entry holds the event, the hash of the previous entry, and
// sha256(prev || event) so that any edit or removal breaks the chain.
type Journal struct {
	log ctx.Logger
	db  *badger.DB
	seq *badger.Sequence

	mu       sync.Mutex
	lastHash []byte
}

// OpenJournal opens (or creates) the journal in dirPath.  An empty dirPath keeps the journal in memory.
func OpenJournal(dirPath string, log ctx.Logger) (*Journal, error) {
	var opts badger.Options
	if dirPath == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		pathname, err := plan.ExpandAndCheckPath(dirPath, true)
		if err != nil {
			return nil, ski.ErrCode_StoreIoError.Wrap(err)
		}
		opts = badger.DefaultOptions(pathname)
	}
	opts = opts.WithLogger(badgerLogger{log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, ski.ErrCode_StoreIoError.ErrWithMsgf("failed to open audit journal: %v", err)
	}

	seq, err := db.GetSequence(seqKey, 64)
	if err != nil {
		db.Close()
		return nil, ski.ErrCode_StoreIoError.Wrap(err)
	}

	j := &Journal{
		log: log,
		db:  db,
		seq: seq,
	}

	if err = j.loadLastHash(); err != nil {
		j.Close()
		return nil, err
	}
	return j, nil
}

// Close releases the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db == nil {
		return nil
	}
	if j.seq != nil {
		j.seq.Release()
		j.seq = nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// Record appends ev to the journal.
func (j *Journal) Record(ev Event) error {
	evStruct, err := eventToStruct(ev)
	if err != nil {
		return err
	}
	evBytes, err := marshalDeterministic(evStruct)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db == nil {
		return ski.ErrCode_StoreIoError.ErrWithMsg("audit journal closed")
	}

	hash := chainHash(j.lastHash, evBytes)
	envelope := &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"event": structpb.NewStructValue(evStruct),
			"prev":  structpb.NewStringValue(hex.EncodeToString(j.lastHash)),
			"hash":  structpb.NewStringValue(hex.EncodeToString(hash)),
		},
	}
	val, err := marshalDeterministic(envelope)
	if err != nil {
		return err
	}

	n, err := j.seq.Next()
	if err != nil {
		return ski.ErrCode_StoreIoError.Wrap(err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(n), val)
	})
	if err != nil {
		return ski.ErrCode_StoreIoError.ErrWithMsgf("failed to append audit event: %v", err)
	}

	j.lastHash = hash
	return nil
}

// Events calls inProc for each recorded event, oldest first.
func (j *Journal) Events(inProc func(ev Event) error) error {
	return j.walk(func(ev Event, _, _ []byte) error {
		return inProc(ev)
	})
}

// Verify walks the whole chain and returns the number of intact entries.
// If any entry was altered, reordered, or removed, an ErrCode_CryptoError is returned.
func (j *Journal) Verify() (int, error) {
	var (
		prev  []byte
		count int
	)

	err := j.walk(func(_ Event, evBytes, hash []byte) error {
		if !bytes.Equal(chainHash(prev, evBytes), hash) {
			return ski.ErrCode_CryptoError.ErrWithMsgf("audit chain broken at entry %d", count)
		}
		prev = hash
		count++
		return nil
	})
	return count, err
}

func (j *Journal) walk(inProc func(ev Event, evBytes, hash []byte) error) error {
	j.mu.Lock()
	db := j.db
	j.mu.Unlock()

	if db == nil {
		return ski.ErrCode_StoreIoError.ErrWithMsg("audit journal closed")
	}

	return db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = eventPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(eventPrefix); it.ValidForPrefix(eventPrefix); it.Next() {
			var (
				ev      Event
				evBytes []byte
				hash    []byte
			)
			err := it.Item().Value(func(val []byte) error {
				var err error
				ev, evBytes, hash, err = unmarshalEntry(val)
				return err
			})
			if err != nil {
				return err
			}
			if err = inProc(ev, evBytes, hash); err != nil {
				return err
			}
		}
		return nil
	})
}

func (j *Journal) loadLastHash() error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = eventPrefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte{}, eventPrefix...), 0xFF))
		if !it.ValidForPrefix(eventPrefix) {
			return nil
		}
		return it.Item().Value(func(val []byte) error {
			_, _, hash, err := unmarshalEntry(val)
			if err == nil {
				j.lastHash = hash
			}
			return err
		})
	})
}

func eventKey(n uint64) []byte {
	key := make([]byte, len(eventPrefix)+8)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], n)
	return key
}

func chainHash(prev, evBytes []byte) []byte {
	h := sha256.New()
	h.Write(prev)
	h.Write(evBytes)
	return h.Sum(nil)
}

func marshalDeterministic(m proto.Message) ([]byte, error) {
	buf, err := proto.MarshalOptions{Deterministic: true}.Marshal(m)
	if err != nil {
		return nil, ski.ErrCode_AssertFailed.Wrap(err)
	}
	return buf, nil
}

func eventToStruct(ev Event) (*structpb.Struct, error) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	st, err := structpb.NewStruct(map[string]interface{}{
		"time":       ev.Time.UTC().Format(time.RFC3339Nano),
		"session_id": ev.SessionID,
		"peer_uid":   ev.PeerUID,
		"kind":       string(ev.Kind),
		"nickname":   ev.Nickname,
		"outcome":    string(ev.Outcome),
		"detail":     ev.Detail,
	})
	if err != nil {
		return nil, ski.ErrCode_AssertFailed.Wrap(err)
	}
	return st, nil
}

func eventFromStruct(st *structpb.Struct) Event {
	fields := st.GetFields()
	ev := Event{
		SessionID: fields["session_id"].GetStringValue(),
		PeerUID:   int(fields["peer_uid"].GetNumberValue()),
		Kind:      Kind(fields["kind"].GetStringValue()),
		Nickname:  fields["nickname"].GetStringValue(),
		Outcome:   Outcome(fields["outcome"].GetStringValue()),
		Detail:    fields["detail"].GetStringValue(),
	}
	ev.Time, _ = time.Parse(time.RFC3339Nano, fields["time"].GetStringValue())
	return ev
}

func unmarshalEntry(val []byte) (ev Event, evBytes, hash []byte, err error) {
	envelope := &structpb.Struct{}
	if err = proto.Unmarshal(val, envelope); err != nil {
		err = ski.ErrCode_CryptoError.ErrWithMsgf("corrupt audit entry: %v", err)
		return
	}

	fields := envelope.GetFields()
	evStruct := fields["event"].GetStructValue()
	if evStruct == nil {
		err = ski.ErrCode_CryptoError.ErrWithMsg("audit entry missing event")
		return
	}
	if hash, err = hex.DecodeString(fields["hash"].GetStringValue()); err != nil {
		err = ski.ErrCode_CryptoError.ErrWithMsg("audit entry has malformed hash")
		return
	}
	if evBytes, err = marshalDeterministic(evStruct); err != nil {
		return
	}
	ev = eventFromStruct(evStruct)
	return
}
