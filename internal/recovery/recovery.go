// Package recovery is the offline disaster-recovery path: it pulls encrypted
// envelopes from the cloud receiver or a local directory and decrypts them
// with the private key store that never leaves the recovery site.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"replicator/internal/envelope"
	"replicator/internal/sender"
)

// Fetcher is the cloud read surface the runner needs; sender.Client is the
// production implementation.
type Fetcher interface {
	List(ctx context.Context) ([]sender.Metadata, error)
	Fetch(ctx context.Context, id int) (*envelope.Envelope, error)
}

// Item is the outcome for one envelope. Ref names the source, a receiver id
// or a file path, so a failed item can be retried by hand.
type Item struct {
	Ref    string
	KeyID  string
	Change *envelope.Change
	Err    error
}

// Report aggregates a recovery run. Failed items never abort the run; every
// recoverable change is worth more than a clean exit code.
type Report struct {
	Items []Item
}

// Recovered returns the successfully decrypted changes in input order.
func (r *Report) Recovered() []*envelope.Change {
	var out []*envelope.Change
	for _, it := range r.Items {
		if it.Err == nil {
			out = append(out, it.Change)
		}
	}
	return out
}

// Failed returns the items that could not be decrypted.
func (r *Report) Failed() []Item {
	var out []Item
	for _, it := range r.Items {
		if it.Err != nil {
			out = append(out, it)
		}
	}
	return out
}

// Runner decrypts envelopes in bulk.
type Runner struct {
	dec *envelope.Decryptor
	log *slog.Logger
}

// NewRunner builds a runner around a decryptor whose key store holds the
// private generations.
func NewRunner(dec *envelope.Decryptor, log *slog.Logger) (*Runner, error) {
	if dec == nil {
		return nil, errors.New("decryptor is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{dec: dec, log: log}, nil
}

// FromCloud lists the receiver's stored envelopes, downloads each, and
// decrypts them. Download and decrypt failures are recorded per item.
func (r *Runner) FromCloud(ctx context.Context, client Fetcher) (*Report, error) {
	metas, err := client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stored envelopes: %w", err)
	}
	r.log.Info("recovering envelopes from receiver", "count", len(metas))

	report := &Report{}
	for _, meta := range metas {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ref := fmt.Sprintf("envelope/%d", meta.ID)
		env, err := client.Fetch(ctx, meta.ID)
		if err != nil {
			report.Items = append(report.Items, Item{Ref: ref, KeyID: meta.KeyID, Err: err})
			continue
		}
		report.Items = append(report.Items, r.decrypt(ref, env))
	}
	r.finish(report)
	return report, nil
}

// FromDir decrypts every .json envelope file under dir, sorted by name.
// Files that are not valid envelopes fail their item and the run moves on.
func (r *Runner) FromDir(ctx context.Context, dir string) (*Report, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read envelope directory: %w", err)
	}
	var names []string
	for _, de := range dirents {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		names = append(names, de.Name())
	}
	sort.Strings(names)
	r.log.Info("recovering envelopes from directory", "dir", dir, "count", len(names))

	report := &Report{}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		path := filepath.Join(dir, name)
		env, err := readEnvelopeFile(path)
		if err != nil {
			report.Items = append(report.Items, Item{Ref: path, Err: err})
			continue
		}
		report.Items = append(report.Items, r.decrypt(path, env))
	}
	r.finish(report)
	return report, nil
}

// Decrypt handles a single already-loaded envelope, for piping through stdin.
func (r *Runner) Decrypt(reader io.Reader, ref string) Item {
	var env envelope.Envelope
	if err := json.NewDecoder(reader).Decode(&env); err != nil {
		return Item{Ref: ref, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	return r.decrypt(ref, &env)
}

func (r *Runner) decrypt(ref string, env *envelope.Envelope) Item {
	item := Item{Ref: ref, KeyID: env.KeyID}
	change, err := r.dec.Decrypt(env)
	if err != nil {
		item.Err = err
		r.log.Warn("envelope failed to decrypt", "ref", ref, "key_id", env.KeyID, "error", err)
		return item
	}
	item.Change = change
	return item
}

func (r *Runner) finish(report *Report) {
	failed := len(report.Failed())
	r.log.Info("recovery run finished",
		"recovered", len(report.Items)-failed,
		"failed", failed,
	)
}

// readEnvelopeFile accepts both bare envelopes and dead-letter entries, so a
// dead-letter directory can be recovered as-is.
func readEnvelopeFile(path string) (*envelope.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read envelope file: %w", err)
	}

	var wrapped struct {
		Envelope *envelope.Envelope `json:"envelope"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Envelope != nil {
		return wrapped.Envelope, nil
	}

	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope file: %w", err)
	}
	return &env, nil
}
