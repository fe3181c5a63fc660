package replication

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"
)

var jsonDiffOptions = jsondiff.DefaultJSONOptions()

func requireJSONEqual(t *testing.T, expected, actual []byte) {
	t.Helper()
	var mode, diff = jsondiff.Compare(actual, expected, &jsonDiffOptions)
	if mode != jsondiff.FullMatch {
		t.Fatalf("json mismatch (%s):\n%s", mode, diff)
	}
}

func TestMergeDriverCheckpointIsAssociative(t *testing.T) {
	// Folding patches one at a time must reach the same cumulative state
	// as folding them in a single combined pass, regardless of grouping.
	var patches = []json.RawMessage{
		json.RawMessage(`{"cursor":1,"shards":{"a":1}}`),
		json.RawMessage(`{"shards":{"b":2}}`),
		json.RawMessage(`{"cursor":3,"shards":{"a":null}}`),
	}

	var sequential Checkpoint
	for _, p := range patches {
		require.NoError(t, sequential.MergeDriverCheckpoint(p))
	}

	var grouped Checkpoint
	require.NoError(t, grouped.MergeDriverCheckpoint(patches[0]))
	var combined, err = jsonpatch.MergeMergePatches(patches[1], patches[2])
	require.NoError(t, err)
	require.NoError(t, grouped.MergeDriverCheckpoint(combined))

	requireJSONEqual(t, sequential.DriverCheckpoint, grouped.DriverCheckpoint)
	requireJSONEqual(t, json.RawMessage(`{"cursor":3,"shards":{"b":2}}`), sequential.DriverCheckpoint)
}

func TestMergeDriverCheckpointEmptyPatchIsNoOp(t *testing.T) {
	var cp = Checkpoint{DriverCheckpoint: json.RawMessage(`{"cursor":1}`)}
	require.NoError(t, cp.MergeDriverCheckpoint(nil))
	requireJSONEqual(t, json.RawMessage(`{"cursor":1}`), cp.DriverCheckpoint)
}

func TestFileCheckpointStoreRoundTrip(t *testing.T) {
	var dir = t.TempDir()
	var store, err = NewFileCheckpointStore(dir)
	require.NoError(t, err)

	var loaded, loadErr = store.Load("never-saved")
	require.NoError(t, loadErr)
	require.Equal(t, Checkpoint{}, loaded)

	var cp = Checkpoint{
		LastSequence:     RemoteSequenceID("42"),
		DriverCheckpoint: json.RawMessage(`{"cursor":7}`),
	}
	require.NoError(t, store.Save("key1", cp))

	loaded, loadErr = store.Load("key1")
	require.NoError(t, loadErr)
	require.Equal(t, cp.LastSequence, loaded.LastSequence)
	requireJSONEqual(t, cp.DriverCheckpoint, loaded.DriverCheckpoint)

	require.FileExists(t, filepath.Join(dir, "key1.json"))
}

func TestCheckpointEncodingSnapshot(t *testing.T) {
	var cp = Checkpoint{
		LastSequence:     RemoteSequenceID("100-abc"),
		DriverCheckpoint: json.RawMessage(`{"cursor":12,"shards":{"a":1,"b":2}}`),
	}
	var data, err = json.MarshalIndent(cp, "", "  ")
	require.NoError(t, err)
	cupaloy.SnapshotT(t, string(data))
}
