package instance

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/canonical/vzdispatch/shared/api"
	"github.com/canonical/vzdispatch/shared/logger"
)

const instanceFile = "instance.yaml"

// Dir is a catalogue keeping one instance.yaml per instance under Root.
// It also acts as the Runtime by recording state transitions.
type Dir struct {
	Root string

	mu        sync.Mutex
	locked    map[string]bool
	unwatched map[string]bool
}

// NewDir returns a catalogue rooted at root.
func NewDir(root string) (*Dir, error) {
	err := os.MkdirAll(root, 0o700)
	if err != nil {
		return nil, fmt.Errorf("Failed creating instance directory %q: %w", root, err)
	}

	return &Dir{
		Root:      root,
		locked:    map[string]bool{},
		unwatched: map[string]bool{},
	}, nil
}

func (d *Dir) path(id string) string {
	return filepath.Join(d.Root, id, instanceFile)
}

func (d *Dir) load(id string) (Instance, error) {
	var inst Instance

	if id == "" || filepath.Base(id) != id {
		return inst, api.ResultErrorf(api.InvalidArgument, "Invalid instance id %q", id)
	}

	content, err := os.ReadFile(d.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return inst, api.ResultErrorf(api.VMNotFound, "Instance %q not found", id)
		}

		return inst, err
	}

	err = yaml.Unmarshal(content, &inst)
	if err != nil {
		return inst, fmt.Errorf("Failed parsing %q: %w", d.path(id), err)
	}

	return inst, nil
}

func (d *Dir) save(inst Instance) error {
	if inst.ID == "" || filepath.Base(inst.ID) != inst.ID {
		return api.ResultErrorf(api.InvalidArgument, "Invalid instance id %q", inst.ID)
	}

	content, err := yaml.Marshal(inst)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(d.path(inst.ID)), 0o700)
	if err != nil {
		return err
	}

	tmp := d.path(inst.ID) + ".tmp"
	err = os.WriteFile(tmp, content, 0o600)
	if err != nil {
		return err
	}

	return os.Rename(tmp, d.path(inst.ID))
}

func (d *Dir) list() ([]Instance, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, err
	}

	var instances []Instance
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		inst, err := d.load(entry.Name())
		if err != nil {
			if api.ResultCodeOf(err) != api.VMNotFound {
				logger.Warn("Skipping unreadable instance", logger.Ctx{"id": entry.Name(), "err": err})
			}

			continue
		}

		instances = append(instances, inst)
	}

	return instances, nil
}

// List returns every catalogue entry.
func (d *Dir) List() ([]Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.list()
}

// Get returns the instance with the given id.
func (d *Dir) Get(id string) (Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.load(id)
}

// GetByName returns the instance with the given name.
func (d *Dir) GetByName(name string) (Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	instances, err := d.list()
	if err != nil {
		return Instance{}, err
	}

	for _, inst := range instances {
		if inst.Name == name {
			return inst, nil
		}
	}

	return Instance{}, api.ResultErrorf(api.VMNotFound, "Instance %q not found", name)
}

// Reserve adds a placeholder entry for inst.
func (d *Dir) Reserve(inst Instance) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	instances, err := d.list()
	if err != nil {
		return err
	}

	for _, other := range instances {
		if other.ID == inst.ID {
			return api.ResultErrorf(api.VMAlreadyExists, "Instance %q already exists", inst.ID)
		}

		if inst.Name != "" && other.Name == inst.Name {
			return api.ResultErrorf(api.VMAlreadyExists, "Instance name %q is already used by %q", inst.Name, other.ID)
		}
	}

	inst.Reserved = true
	inst.State = StateMigrating

	return d.save(inst)
}

// Register stores inst as a regular entry.
func (d *Dir) Register(inst Instance) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst.Reserved = false

	return d.save(inst)
}

// Unregister removes the entry. The bundle is left in place.
func (d *Dir) Unregister(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.load(id)
	if err != nil {
		return err
	}

	delete(d.unwatched, id)

	return os.RemoveAll(filepath.Join(d.Root, id))
}

// Lock takes the exclusive parameters lock of id.
func (d *Dir) Lock(id string) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.locked[id] {
		return nil, api.ResultErrorf(api.MigrationInProgress, "Instance %q is locked by another operation", id)
	}

	d.locked[id] = true

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		delete(d.locked, id)
	}, nil
}

// Watch puts id back under the state watcher.
func (d *Dir) Watch(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.unwatched, id)

	return nil
}

// Unwatch removes id from the state watcher.
func (d *Dir) Unwatch(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.load(id)
	if err != nil {
		return err
	}

	d.unwatched[id] = true

	return nil
}

// Watched returns false while id is excluded from the state watcher.
func (d *Dir) Watched(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return !d.unwatched[id]
}

// SetState records the state of id.
func (d *Dir) SetState(id string, state State) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst, err := d.load(id)
	if err != nil {
		return err
	}

	inst.State = state

	return d.save(inst)
}

// BackupConfig copies the instance file aside. The returned function restores it.
func (d *Dir) BackupConfig(id string) (func() error, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	content, err := os.ReadFile(d.path(id))
	if err != nil {
		return nil, api.ResultErrorf(api.VMNotFound, "Failed reading configuration of %q: %v", id, err)
	}

	backup := d.path(id) + ".backup"
	err = os.WriteFile(backup, content, 0o600)
	if err != nil {
		return nil, err
	}

	return func() error {
		d.mu.Lock()
		defer d.mu.Unlock()

		saved, err := os.ReadFile(backup)
		if err != nil {
			return err
		}

		err = os.MkdirAll(filepath.Dir(d.path(id)), 0o700)
		if err != nil {
			return err
		}

		err = os.WriteFile(d.path(id), saved, 0o600)
		if err != nil {
			return err
		}

		return os.Remove(backup)
	}, nil
}

// State returns the recorded state of id.
func (d *Dir) State(id string) (State, error) {
	inst, err := d.Get(id)
	if err != nil {
		return "", err
	}

	return inst.State, nil
}

func (d *Dir) transition(id string, from []State, to State) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst, err := d.load(id)
	if err != nil {
		return err
	}

	for _, s := range from {
		if inst.State == s {
			inst.State = to
			return d.save(inst)
		}
	}

	return api.ResultErrorf(api.Failure, "Instance %q can't go from %s to %s", id, inst.State, to)
}

// Start marks id as running.
func (d *Dir) Start(id string) error {
	return d.transition(id, []State{StateStopped, StateSuspended, StateMigrating}, StateRunning)
}

// Stop marks id as stopped.
func (d *Dir) Stop(id string) error {
	return d.transition(id, []State{StateRunning, StatePaused, StateSuspended, StateMigrating}, StateStopped)
}

// Suspend marks a running id as suspended.
func (d *Dir) Suspend(id string) error {
	return d.transition(id, []State{StateRunning, StatePaused}, StateSuspended)
}

// Resume marks a suspended id as running.
func (d *Dir) Resume(id string) error {
	return d.transition(id, []State{StateSuspended}, StateRunning)
}
