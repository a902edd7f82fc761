package audit

import (
	goflag "flag"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/plan-systems/plan-keyagent/ctx"
	"github.com/plan-systems/plan-keyagent/ski"
)

func newTestJournal(t *testing.T, dirPath string) *Journal {
	t.Helper()

	j, err := OpenJournal(dirPath, ctx.NewLogger("audit"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func recordSome(t *testing.T, j *Journal, n int) {
	for i := 0; i < n; i++ {
		require.NoError(t, j.Record(Event{
			Time:      time.Date(2026, 1, 2, 3, 4, 5, i, time.UTC),
			SessionID: "sess-1",
			PeerUID:   1000,
			Kind:      KeyGenerated,
			Nickname:  "box1",
			Outcome:   OK,
		}))
	}
}

func TestJournalRecordVerify(t *testing.T) {
	j := newTestJournal(t, "")

	count, err := j.Verify()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	recordSome(t, j, 5)

	count, err = j.Verify()
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	var events []Event
	require.NoError(t, j.Events(func(ev Event) error {
		events = append(events, ev)
		return nil
	}))
	require.Len(t, events, 5)
	assert.Equal(t, KeyGenerated, events[0].Kind)
	assert.Equal(t, "box1", events[0].Nickname)
	assert.Equal(t, 1000, events[0].PeerUID)
	assert.Equal(t, OK, events[0].Outcome)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 4, time.UTC), events[4].Time)
}

func TestJournalDetectsTamper(t *testing.T) {
	j := newTestJournal(t, "")
	recordSome(t, j, 3)

	// Rewrite the middle event's nickname but keep its stored hash.
	key := eventKey(1)
	err := j.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		envelope := &structpb.Struct{}
		if err = proto.Unmarshal(val, envelope); err != nil {
			return err
		}
		envelope.Fields["event"].GetStructValue().Fields["nickname"] = structpb.NewStringValue("box2")
		val, err = marshalDeterministic(envelope)
		if err != nil {
			return err
		}
		return txn.Set(key, val)
	})
	require.NoError(t, err)

	count, err := j.Verify()
	assert.True(t, ski.IsError(err, ski.ErrCode_CryptoError))
	assert.Equal(t, 1, count)
}

func TestJournalDetectsRemoval(t *testing.T) {
	j := newTestJournal(t, "")
	recordSome(t, j, 3)

	require.NoError(t, j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(eventKey(1))
	}))

	_, err := j.Verify()
	assert.True(t, ski.IsError(err, ski.ErrCode_CryptoError))
}

func TestJournalResumesChain(t *testing.T) {
	dir := t.TempDir()

	j, err := OpenJournal(dir, ctx.NewLogger("audit"))
	require.NoError(t, err)
	recordSome(t, j, 2)
	require.NoError(t, j.Close())

	j = newTestJournal(t, dir)
	recordSome(t, j, 2)

	count, err := j.Verify()
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

type memSink struct {
	events []Event
}

func (s *memSink) Record(ev Event) error {
	s.events = append(s.events, ev)
	return nil
}

func TestMulti(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	m := Multi{a, Discard{}, LogSink{Log: ctx.NewLogger("audit")}, b}

	require.NoError(t, m.Record(Event{Kind: SessionOpened, Outcome: OK}))
	require.NoError(t, m.Record(Event{Kind: AuthFailed, Outcome: Failed}))
	assert.Len(t, a.events, 2)
	assert.Len(t, b.events, 2)
}

// badger links glog, which claims log_dir and friends on flag.CommandLine.
func TestLogFlagsCoexistWithGlog(t *testing.T) {
	klogDir := ctx.LogFlags.Lookup("log_dir")
	require.NotNil(t, klogDir)
	assert.NotSame(t, klogDir, goflag.CommandLine.Lookup("log_dir"))

	require.NoError(t, ctx.LogFlags.Set("logtostderr", "true"))
	assert.Equal(t, "true", ctx.LogFlags.Lookup("logtostderr").Value.String())
}
