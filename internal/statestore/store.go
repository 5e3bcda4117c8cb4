// Package statestore persists and loads RouterState: the LinUCB bandit's
// per-arm matrices, versioned so an incompatible schema or dimension
// change resets to a cold start instead of loading a malformed state.
// Grounded on the original `services/state_redis.py` (remote KV, single
// key, string blob) and `routing/routing_linucb.py`'s `_save`/`_load`
// (version+dimension envelope, backward-compatible unversioned fallback),
// with the local-file atomic-write idiom grounded on
// `khanglvm-tool-hub-mcp`'s `internal/config/saver.go` (temp file + rename
// in the same directory).
package statestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/racebandit/llmrace/internal/racetypes"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// CurrentVersion is the schema version this module writes. A loaded blob
// with a different version is treated as "no state".
const CurrentVersion = 1

// blob is the self-describing on-disk/on-wire record from spec.md §6.
type blob struct {
	Version   int                 `json:"version"`
	Dim       int                 `json:"d"`
	Arms      map[string]armBlob  `json:"arms"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type armBlob struct {
	AInv   []float64 `json:"A_inv"`
	B      []float64 `json:"b"`
	Trials int       `json:"trials"`
	Wins   int       `json:"wins"`
}

// RemoteBackend is the optional remote key-value tier: a single key whose
// value is the serialized blob, exactly as state_redis.py's get/set pair.
type RemoteBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Store is the RouterStateStore: it writes to the local file and, if
// configured, to the remote backend too; it reads from the remote backend
// first and falls back to the local file on remote failure or miss.
type Store struct {
	localPath string
	remote    RemoteBackend
	remoteKey string
}

// New creates a Store. remote/remoteKey may be zero-valued to disable the
// remote tier (spec.md §4.7: local-only is the default).
func New(localPath string, remote RemoteBackend, remoteKey string) *Store {
	return &Store{localPath: localPath, remote: remote, remoteKey: remoteKey}
}

// Save serializes state and writes it to every configured backend. Local
// writes are atomic (temp file + rename); write failures are returned so
// the caller can classify them as StateStoreError, but the in-memory router
// state is untouched so the next Save attempt can still succeed.
func (s *Store) Save(ctx context.Context, state *racetypes.RouterState) error {
	b := toBlob(state)
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}

	var firstErr error
	if s.localPath != "" {
		if err := atomicWriteFile(s.localPath, data); err != nil {
			firstErr = err
		}
	}
	if s.remote != nil && s.remoteKey != "" {
		envelope, err := marshalRemoteEnvelope(b, data)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if err := s.remote.Set(ctx, s.remoteKey, envelope); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// marshalRemoteEnvelope wraps the JSON blob in a structpb.Struct so the
// remote value carries its version/dim alongside an opaque payload field,
// mirroring the metadata-envelope shape Pinecone upserts use for vector
// metadata.
func marshalRemoteEnvelope(b blob, data []byte) ([]byte, error) {
	envelope, err := structpb.NewStruct(map[string]interface{}{
		"version": float64(b.Version),
		"d":       float64(b.Dim),
		"payload": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(envelope)
}

// unmarshalRemoteEnvelope reverses marshalRemoteEnvelope, returning the
// inner JSON blob bytes.
func unmarshalRemoteEnvelope(raw []byte) ([]byte, error) {
	envelope := &structpb.Struct{}
	if err := proto.Unmarshal(raw, envelope); err != nil {
		return nil, err
	}
	payload := envelope.Fields["payload"].GetStringValue()
	return base64.StdEncoding.DecodeString(payload)
}

// Load returns the persisted RouterState for the given expected dimension,
// or (nil, false) if no usable state exists: nothing was ever saved, the
// version doesn't match CurrentVersion, or the saved dimension doesn't
// match expectedDim. Per spec.md §4.2, a mismatch on either axis is a
// reset, not an error.
func (s *Store) Load(ctx context.Context, expectedDim int) (*racetypes.RouterState, bool) {
	data, ok := s.readRaw(ctx)
	if !ok {
		return nil, false
	}

	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, false
	}
	if b.Version != CurrentVersion {
		return nil, false
	}
	if b.Dim != expectedDim {
		return nil, false
	}
	return fromBlob(&b), true
}

func (s *Store) readRaw(ctx context.Context) ([]byte, bool) {
	if s.remote != nil && s.remoteKey != "" {
		if raw, ok, err := s.remote.Get(ctx, s.remoteKey); err == nil && ok {
			if data, err := unmarshalRemoteEnvelope(raw); err == nil {
				return data, true
			}
		}
	}
	if s.localPath == "" {
		return nil, false
	}
	data, err := os.ReadFile(s.localPath)
	if err != nil {
		return nil, false
	}
	return data, true
}

func toBlob(state *racetypes.RouterState) blob {
	arms := make(map[string]armBlob, len(state.Arms))
	for model, arm := range state.Arms {
		arms[string(model)] = armBlob{
			AInv:   append([]float64(nil), arm.AInv...),
			B:      append([]float64(nil), arm.B...),
			Trials: arm.Trials,
			Wins:   arm.Wins,
		}
	}
	return blob{
		Version:   CurrentVersion,
		Dim:       state.Dim,
		Arms:      arms,
		UpdatedAt: state.UpdatedAt,
	}
}

func fromBlob(b *blob) *racetypes.RouterState {
	arms := make(map[racetypes.ModelID]*racetypes.ArmState, len(b.Arms))
	for model, arm := range b.Arms {
		arms[racetypes.ModelID(model)] = &racetypes.ArmState{
			AInv:   append([]float64(nil), arm.AInv...),
			B:      append([]float64(nil), arm.B...),
			Trials: arm.Trials,
			Wins:   arm.Wins,
			Active: true,
		}
	}
	return &racetypes.RouterState{
		Version:   b.Version,
		Dim:       b.Dim,
		Arms:      arms,
		UpdatedAt: b.UpdatedAt,
	}
}

// atomicWriteFile writes data to a temp file in path's directory, then
// renames it into place, so a concurrent reader never observes a partial
// write.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
