package masterkey

import (
	"crypto/rand"
	"errors"
	"fmt"

	"go.mills.io/bitcask/v2"
)

// keySize is the AES-256 key length used for both Master Keys and the
// File Keys they wrap.
const keySize = 32

// BitcaskProvider is the reference/dev Provider named in SPEC_FULL.md's
// domain stack: it persists wrapped keys in an embedded bitcask store,
// the same embedded-KV pattern the teacher uses for its segment index
// (index/bitcask_index.go). Production deployments are expected to
// supply their own Provider backed by a real KMS; this one exists so
// New/Recover have something to run against without one.
type BitcaskProvider struct {
	db *bitcask.Bitcask
}

// OpenBitcaskProvider opens (or creates) a bitcask store at path to
// back Master Keys.
func OpenBitcaskProvider(path string) (*BitcaskProvider, error) {
	db, err := bitcask.Open(path)
	if err != nil {
		return nil, fmt.Errorf("masterkey: open bitcask at %s: %w", path, err)
	}
	return &BitcaskProvider{db: db}, nil
}

func (p *BitcaskProvider) Get(name string) ([]byte, error) {
	v, err := p.db.Get([]byte(name))
	if errors.Is(err, bitcask.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("masterkey: get %s: %w", name, err)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (p *BitcaskProvider) Create(name string) ([]byte, error) {
	if _, err := p.db.Get([]byte(name)); err == nil {
		return nil, fmt.Errorf("masterkey: %s already exists", name)
	}
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("masterkey: generate key for %s: %w", name, err)
	}
	if err := p.db.Put([]byte(name), key); err != nil {
		return nil, fmt.Errorf("masterkey: put %s: %w", name, err)
	}
	return key, nil
}

func (p *BitcaskProvider) Exists(name string) (bool, error) {
	_, err := p.db.Get([]byte(name))
	if errors.Is(err, bitcask.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("masterkey: exists %s: %w", name, err)
	}
	return true, nil
}

func (p *BitcaskProvider) Close() error {
	return p.db.Close()
}
