// Package node wires the fetchd components into a running daemon. The Node
// is a convenience tool for assembling the queue, event bus, registry,
// downloader client, catalog cache, scheduler, worker and bulk resolver with
// their dependencies in the right order, and tearing them down in reverse.
package node

import (
	"encoding/json"
	"os"
	"path/filepath"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/modules/bulk"
	"gitlab.com/fetchlabs/fetchd/modules/catalog"
	"gitlab.com/fetchlabs/fetchd/modules/downloader"
	"gitlab.com/fetchlabs/fetchd/modules/eventbus"
	"gitlab.com/fetchlabs/fetchd/modules/mediaserver"
	"gitlab.com/fetchlabs/fetchd/modules/queue"
	"gitlab.com/fetchlabs/fetchd/modules/registry"
	"gitlab.com/fetchlabs/fetchd/modules/scheduler"
	"gitlab.com/fetchlabs/fetchd/modules/worker"
	"gitlab.com/fetchlabs/fetchd/persist"
)

// nodeLogFile is the name of the node's log file inside the data directory.
const nodeLogFile = "fetchd.log"

// NodeParams contains everything needed to assemble a Node. Omitted optional
// members get sane substitutes: a nil Vault falls back to plaintext JSON
// credential blobs, a nil Media leaves library refreshing off, and a nil
// Downloader builds the RPC client from the config.
type NodeParams struct {
	// Dir is the daemon's data directory.
	Dir string

	// Config is the validated daemon configuration.
	Config modules.Config

	// Builders registers one handle builder per provider key.
	Builders map[string]registry.Builder

	// Vault decrypts provider credential blobs.
	Vault modules.KeyVault

	// Media pokes the media server after finalization.
	Media modules.MediaServer

	// Downloader overrides the RPC client, used by tests.
	Downloader modules.Downloader
}

// A Node assembles the fetchd components into a daemon.
type Node struct {
	Queue      *queue.Queue
	Bus        *eventbus.Bus
	Registry   *registry.Registry
	Downloader modules.Downloader
	Catalog    *catalog.Cache
	Scheduler  *scheduler.Scheduler
	Worker     *worker.Worker
	Bulk       *bulk.Resolver

	Log *persist.Logger
	Dir string
}

// jsonVault is the fallback KeyVault: credential blobs are plaintext JSON.
// Real encryption is provided by the embedding application.
type jsonVault struct{}

func (jsonVault) Decrypt(blob []byte) (map[string]string, error) {
	creds := make(map[string]string)
	if len(blob) == 0 {
		return creds, nil
	}
	if err := json.Unmarshal(blob, &creds); err != nil {
		return nil, errors.AddContext(err, "unable to decode credential blob")
	}
	return creds, nil
}

// New assembles a Node from params. On any failure the components already
// started are closed again.
func New(params NodeParams) (*Node, error) {
	config := params.Config
	if err := config.Validate(); err != nil {
		return nil, errors.AddContext(err, "invalid configuration")
	}
	dir := params.Dir
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.AddContext(err, "unable to create data directory")
	}

	log, err := persist.NewFileLogger(filepath.Join(dir, nodeLogFile))
	if err != nil {
		return nil, errors.AddContext(err, "unable to create node logger")
	}

	q, err := queue.New(filepath.Join(dir, "queue"))
	if err != nil {
		return nil, errors.Compose(errors.AddContext(err, "unable to open queue"), log.Close())
	}

	bus := eventbus.New(log)

	vault := params.Vault
	if vault == nil {
		vault = jsonVault{}
	}
	reg, err := registry.New(q, vault, bus, config, params.Builders, log)
	if err != nil {
		return nil, errors.Compose(errors.AddContext(err, "unable to create registry"), bus.Close(), q.Close(), log.Close())
	}

	dl := params.Downloader
	if dl == nil {
		dl = downloader.New(config.Downloader.RPCURL, config.Downloader.Secret, log)
	}

	cat, err := catalog.New(q.DB(), reg, config, log)
	if err != nil {
		return nil, errors.Compose(errors.AddContext(err, "unable to create catalog cache"), bus.Close(), q.Close(), log.Close())
	}

	media := params.Media
	if media == nil && config.MediaServer.URL != "" {
		media = mediaserver.New(config.MediaServer.URL, config.MediaServer.APIKey, config.MediaServer.LibraryID, log)
	}

	sched, err := scheduler.New(q, reg, dl, bus, config, log)
	if err != nil {
		return nil, errors.Compose(errors.AddContext(err, "unable to create scheduler"), bus.Close(), q.Close(), log.Close())
	}

	w, err := worker.New(q, dl, bus, media, reg, config, log)
	if err != nil {
		return nil, errors.Compose(errors.AddContext(err, "unable to create worker"), sched.Close(), bus.Close(), q.Close(), log.Close())
	}

	resolver, err := bulk.New(q, reg, log)
	if err != nil {
		return nil, errors.Compose(errors.AddContext(err, "unable to create bulk resolver"), w.Close(), sched.Close(), bus.Close(), q.Close(), log.Close())
	}

	return &Node{
		Queue:      q,
		Bus:        bus,
		Registry:   reg,
		Downloader: dl,
		Catalog:    cat,
		Scheduler:  sched,
		Worker:     w,
		Bulk:       resolver,

		Log: log,
		Dir: dir,
	}, nil
}

// Close shuts the node down: the loops first so nothing mutates the store,
// then the bus, the store, and the logger.
func (n *Node) Close() error {
	var err error
	if n.Bulk != nil {
		err = errors.Compose(err, n.Bulk.Close())
	}
	if n.Worker != nil {
		err = errors.Compose(err, n.Worker.Close())
	}
	if n.Scheduler != nil {
		err = errors.Compose(err, n.Scheduler.Close())
	}
	if n.Bus != nil {
		err = errors.Compose(err, n.Bus.Close())
	}
	if n.Queue != nil {
		err = errors.Compose(err, n.Queue.Close())
	}
	if n.Log != nil {
		err = errors.Compose(err, n.Log.Close())
	}
	return err
}
