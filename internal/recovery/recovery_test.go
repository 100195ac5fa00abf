package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicator/internal/deadletter"
	"replicator/internal/envelope"
	"replicator/internal/keystore"
	"replicator/internal/sender"
)

// keyedCodec returns an encryptor and a runner sharing one key generation.
func keyedCodec(t *testing.T, keyID string) (*envelope.Encryptor, *Runner) {
	t.Helper()
	privPEM, pubPEM, err := keystore.GenerateKeyPair()
	require.NoError(t, err)
	pub, err := keystore.ParsePublicKey(pubPEM)
	require.NoError(t, err)
	priv, err := keystore.ParsePrivateKey(privPEM)
	require.NoError(t, err)

	encStore := keystore.New()
	require.NoError(t, encStore.Register(keystore.Entry{
		KeyID: keyID, State: keystore.StateActive, Public: pub,
	}))
	enc, err := envelope.NewEncryptor(encStore, 1<<20)
	require.NoError(t, err)

	decStore := keystore.New()
	require.NoError(t, decStore.Register(keystore.Entry{
		KeyID: keyID, State: keystore.StateActive, Public: pub, Private: priv,
	}))
	dec, err := envelope.NewDecryptor(decStore)
	require.NoError(t, err)
	runner, err := NewRunner(dec, nil)
	require.NoError(t, err)
	return enc, runner
}

func encryptChange(t *testing.T, enc *envelope.Encryptor, seq int) *envelope.Envelope {
	t.Helper()
	env, err := enc.Encrypt(&envelope.Change{
		Table:      "nis2_audit_log",
		Operation:  envelope.OpInsert,
		Data:       map[string]any{"seq": float64(seq)},
		OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return env
}

func TestFromDirRecoversEnvelopes(t *testing.T) {
	enc, runner := keyedCodec(t, "dr-key")
	dir := t.TempDir()

	for i := 0; i < 3; i++ {
		env := encryptChange(t, enc, i)
		data, err := json.Marshal(env)
		require.NoError(t, err)
		path := filepath.Join(dir, fmt.Sprintf("envelope-%d.json", i))
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}
	// Noise the runner must skip or fail gracefully on.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644))

	report, err := runner.FromDir(context.Background(), dir)
	require.NoError(t, err)

	recovered := report.Recovered()
	require.Len(t, recovered, 3)
	seen := map[float64]bool{}
	for _, change := range recovered {
		assert.Equal(t, "nis2_audit_log", change.Table)
		seen[change.Data["seq"].(float64)] = true
	}
	assert.Len(t, seen, 3)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.True(t, strings.HasSuffix(failed[0].Ref, "broken.json"))
}

func TestFromDirRecoversDeadLetterEntries(t *testing.T) {
	enc, runner := keyedCodec(t, "dr-key")
	dir := t.TempDir()

	dlq, err := deadletter.NewDisk(dir)
	require.NoError(t, err)
	env := encryptChange(t, enc, 42)
	require.NoError(t, dlq.Write(context.Background(), env, "receiver down", 3))

	report, err := runner.FromDir(context.Background(), dir)
	require.NoError(t, err)
	recovered := report.Recovered()
	require.Len(t, recovered, 1)
	assert.Equal(t, float64(42), recovered[0].Data["seq"])
}

// An envelope sealed under a key the recovery store does not hold must fail
// its own item only; the rest of the batch still decrypts.
func TestUnknownKeyDoesNotAbortRun(t *testing.T) {
	enc, runner := keyedCodec(t, "dr-key")
	otherEnc, _ := keyedCodec(t, "lost-key")
	dir := t.TempDir()

	good := encryptChange(t, enc, 1)
	orphan := encryptChange(t, otherEnc, 2)
	for name, env := range map[string]*envelope.Envelope{"a-orphan.json": orphan, "b-good.json": good} {
		data, err := json.Marshal(env)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}

	report, err := runner.FromDir(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, report.Items, 2)

	recovered := report.Recovered()
	require.Len(t, recovered, 1)
	assert.Equal(t, float64(1), recovered[0].Data["seq"])

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "lost-key", failed[0].KeyID)
	assert.ErrorIs(t, failed[0].Err, keystore.ErrUnknownKeyID)
}

type fakeFetcher struct {
	envs     map[int]*envelope.Envelope
	fetchErr map[int]error
}

func (f *fakeFetcher) List(context.Context) ([]sender.Metadata, error) {
	var metas []sender.Metadata
	for id := range f.envs {
		metas = append(metas, sender.Metadata{ID: id, KeyID: f.envs[id].KeyID})
	}
	for id := range f.fetchErr {
		metas = append(metas, sender.Metadata{ID: id})
	}
	return metas, nil
}

func (f *fakeFetcher) Fetch(_ context.Context, id int) (*envelope.Envelope, error) {
	if err, ok := f.fetchErr[id]; ok {
		return nil, err
	}
	env, ok := f.envs[id]
	if !ok {
		return nil, fmt.Errorf("no envelope %d", id)
	}
	return env, nil
}

func TestFromCloud(t *testing.T) {
	enc, runner := keyedCodec(t, "dr-key")
	fetcher := &fakeFetcher{
		envs: map[int]*envelope.Envelope{
			1: encryptChange(t, enc, 1),
			2: encryptChange(t, enc, 2),
		},
		fetchErr: map[int]error{9: errors.New("storage corrupted")},
	}

	report, err := runner.FromCloud(context.Background(), fetcher)
	require.NoError(t, err)
	require.Len(t, report.Items, 3)
	assert.Len(t, report.Recovered(), 2)

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "envelope/9", failed[0].Ref)
}

func TestDecryptFromReader(t *testing.T) {
	enc, runner := keyedCodec(t, "dr-key")
	env := encryptChange(t, enc, 7)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	item := runner.Decrypt(strings.NewReader(string(data)), "stdin")
	require.NoError(t, item.Err)
	assert.Equal(t, float64(7), item.Change.Data["seq"])

	item = runner.Decrypt(strings.NewReader("not json"), "stdin")
	assert.Error(t, item.Err)
}
