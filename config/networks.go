package config

import (
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/logger"
)

// NetworkProfile describes one deploy target network: where the RPC and
// Horizon endpoints live, which passphrase signs for it, and whether a
// friendbot exists for funding test accounts.
type NetworkProfile struct {
	Name         string `yaml:"name"`
	RPCURL       string `yaml:"rpc_url"`
	HorizonURL   string `yaml:"horizon_url"`
	Passphrase   string `yaml:"passphrase"`
	FriendbotURL string `yaml:"friendbot_url"`
}

// builtinProfiles are the networks kiln knows without any file present.
var builtinProfiles = map[string]NetworkProfile{
	"testnet": {
		Name:         "testnet",
		RPCURL:       "https://soroban-testnet.stellar.org",
		HorizonURL:   "https://horizon-testnet.stellar.org",
		Passphrase:   "Test SDF Network ; September 2015",
		FriendbotURL: "https://friendbot.stellar.org",
	},
	"mainnet": {
		Name:       "mainnet",
		RPCURL:     "https://mainnet.sorobanrpc.com",
		HorizonURL: "https://horizon.stellar.org",
		Passphrase: "Public Global Stellar Network ; September 2015",
	},
}

// Networks holds the live set of deploy network profiles. The backing file
// (when configured) can be edited at runtime; Watch applies changes without
// a restart.
type Networks struct {
	mu       sync.RWMutex
	profiles map[string]NetworkProfile
	path     string
	log      *zap.SugaredLogger

	watcher       *fsnotify.Watcher
	debounceTimer *time.Timer
	debounceMu    sync.Mutex
}

// LoadNetworks builds the profile set: built-ins first, then entries from
// path layered over them. An empty path means built-ins only.
func LoadNetworks(path string, log *zap.SugaredLogger) (*Networks, error) {
	if log == nil {
		log = logger.Logger
	}
	n := &Networks{
		profiles: make(map[string]NetworkProfile),
		path:     path,
		log:      log,
	}

	if err := n.reload(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Networks) reload() error {
	merged := make(map[string]NetworkProfile, len(builtinProfiles))
	for name, p := range builtinProfiles {
		merged[name] = p
	}

	if n.path != "" {
		data, err := os.ReadFile(n.path)
		if err != nil {
			if !os.IsNotExist(err) {
				return errors.Wrapf(err, "read networks file %s", n.path)
			}
			// Missing file is fine; built-ins apply.
		} else {
			var fileProfiles struct {
				Networks []NetworkProfile `yaml:"networks"`
			}
			if err := yaml.Unmarshal(data, &fileProfiles); err != nil {
				return errors.Wrapf(err, "parse networks file %s", n.path)
			}
			for _, p := range fileProfiles.Networks {
				if p.Name == "" {
					continue
				}
				merged[p.Name] = p
			}
		}
	}

	n.mu.Lock()
	n.profiles = merged
	n.mu.Unlock()
	return nil
}

// Get returns the profile for a network name.
func (n *Networks) Get(name string) (NetworkProfile, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.profiles[name]
	return p, ok
}

// Names returns the known network names.
func (n *Networks) Names() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.profiles))
	for name := range n.profiles {
		names = append(names, name)
	}
	return names
}

// Watch starts applying file edits to the live profile set. No-op when no
// file is configured. Changes are debounced; editors that write via rename
// are picked up through the Create event.
func (n *Networks) Watch() error {
	if n.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create networks watcher")
	}
	if err := watcher.Add(n.path); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "watch networks file %s", n.path)
	}
	n.watcher = watcher

	go n.watchLoop()
	return nil
}

func (n *Networks) watchLoop() {
	for {
		select {
		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				n.scheduleReload()
			}
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.log.Warnw("Networks watcher error", "error", err)
		}
	}
}

func (n *Networks) scheduleReload() {
	n.debounceMu.Lock()
	defer n.debounceMu.Unlock()

	if n.debounceTimer != nil {
		n.debounceTimer.Stop()
	}
	n.debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
		if err := n.reload(); err != nil {
			n.log.Errorw("Networks reload failed", "error", err, "path", n.path)
			return
		}
		n.log.Infow("Network profiles reloaded", "path", n.path, "networks", n.Names())
	})
}

// Close stops the watcher if one is running.
func (n *Networks) Close() error {
	if n.watcher != nil {
		return n.watcher.Close()
	}
	return nil
}
