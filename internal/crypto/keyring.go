package crypto

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type keyringFile struct {
	Wallets []keyringEntry `yaml:"wallets"`
}

type keyringEntry struct {
	Name          string `yaml:"name"`
	PrivateKey    string `yaml:"private_key"`
	PrivateKeyEnv string `yaml:"private_key_env"`
}

// Keyring maps owner addresses to the wallets that can sign for them.
type Keyring struct {
	wallets map[string]*Wallet
}

func NewKeyring(wallets ...*Wallet) *Keyring {
	k := &Keyring{wallets: make(map[string]*Wallet, len(wallets))}
	for _, w := range wallets {
		k.wallets[w.Address()] = w
	}
	return k
}

// LoadKeyring reads a YAML wallet list. Keys may be inline or named by
// private_key_env.
func LoadKeyring(path string) (*Keyring, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	var f keyringFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse keyring: %w", err)
	}
	wallets := make([]*Wallet, 0, len(f.Wallets))
	for i, entry := range f.Wallets {
		key := strings.TrimSpace(entry.PrivateKey)
		if entry.PrivateKeyEnv != "" {
			key = strings.TrimSpace(os.Getenv(entry.PrivateKeyEnv))
		}
		if key == "" {
			return nil, fmt.Errorf("keyring wallet %d (%s) has no key", i, entry.Name)
		}
		w, err := ParseWallet(key)
		if err != nil {
			return nil, fmt.Errorf("keyring wallet %d (%s): %w", i, entry.Name, err)
		}
		wallets = append(wallets, w)
	}
	return NewKeyring(wallets...), nil
}

func (k *Keyring) Lookup(address string) (*Wallet, bool) {
	if k == nil {
		return nil, false
	}
	w, ok := k.wallets[strings.ToLower(strings.TrimSpace(address))]
	return w, ok
}

func (k *Keyring) Addresses() []string {
	out := make([]string, 0, len(k.wallets))
	for addr := range k.wallets {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
