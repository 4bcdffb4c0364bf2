package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Provider is the narrow blob-store collaborator §4.7 names: bytes go in
// under a scope, an opaque pointer comes back. The registry never inspects
// the pointer; it only stores and later hands it back to Get.
type Provider interface {
	Put(ctx context.Context, scope string, data []byte) (pointer string, err error)
	Get(ctx context.Context, pointer string) (io.ReadCloser, error)
}

// LocalProvider is the one concrete implementation this repository ships:
// a filesystem directory keyed by scope and content hash. s3/r2/convex-files
// are named in configuration but not implemented here (§4.7 [ADD]).
type LocalProvider struct {
	BaseDir string
}

func NewLocalProvider(baseDir string) LocalProvider { return LocalProvider{BaseDir: baseDir} }

func (p LocalProvider) Put(ctx context.Context, scope string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	key := filepath.Join(scope, hex.EncodeToString(sum[:]))
	full := filepath.Join(p.BaseDir, key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err == nil {
		return "local://" + key, nil
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", err
	}
	return "local://" + key, nil
}

func (p LocalProvider) Get(ctx context.Context, pointer string) (io.ReadCloser, error) {
	key, err := stripPointer(pointer)
	if err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(p.BaseDir, key))
}

func stripPointer(pointer string) (string, error) {
	const prefix = "local://"
	if len(pointer) <= len(prefix) || pointer[:len(prefix)] != prefix {
		return "", fmt.Errorf("artifacts: not a local:// pointer: %q", pointer)
	}
	return pointer[len(prefix):], nil
}
