// Package instance defines the collaborators migrations use to inspect and
// register virtual machines and containers.
package instance

import (
	"fmt"

	"gopkg.in/yaml.v2"

	"github.com/canonical/vzdispatch/dispatcher/proto"
)

// Kind distinguishes virtual machines from containers.
type Kind string

// Instance kinds.
const (
	KindVM        Kind = "vm"
	KindContainer Kind = "container"
)

// State is the runtime state of an instance.
type State string

// Runtime states.
const (
	StateStopped   State = "stopped"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateSuspended State = "suspended"
	StateMigrating State = "migrating"
)

// Instance is a catalogue entry.
type Instance struct {
	ID     string `yaml:"id"`
	DirID  string `yaml:"dir_id"`
	Name   string `yaml:"name"`
	Kind   Kind   `yaml:"kind"`
	Home   string `yaml:"home"`
	Config string `yaml:"config,omitempty"`
	State  State  `yaml:"state"`

	// Reserved entries hold the name while a migration brings the instance in.
	Reserved bool `yaml:"reserved,omitempty"`

	// HA marks instances registered with the cluster resource manager.
	HA bool `yaml:"ha,omitempty"`
}

// Resources are the configured resources of an instance that a target host must provide.
type Resources struct {
	CPUs     uint32 `yaml:"cpus"`
	MemoryMB uint64 `yaml:"memory_mb"`
}

// Resources decodes the resource settings of the configuration, ignoring every other key.
func (i Instance) Resources() (Resources, error) {
	var res Resources

	err := yaml.Unmarshal([]byte(i.Config), &res)
	if err != nil {
		return Resources{}, fmt.Errorf("Failed parsing configuration of %q: %w", i.ID, err)
	}

	return res, nil
}

// Registry is the instance catalogue.
type Registry interface {
	Get(id string) (Instance, error)
	GetByName(name string) (Instance, error)

	// Reserve adds a placeholder entry and fails with VMAlreadyExists on id or name conflicts.
	Reserve(inst Instance) error
	Register(inst Instance) error
	Unregister(id string) error

	// Lock takes the exclusive parameters lock of id.
	Lock(id string) (func(), error)

	Watch(id string) error
	Unwatch(id string) error

	SetState(id string, state State) error
	BackupConfig(id string) (func() error, error)
}

// Runtime controls running instances.
type Runtime interface {
	State(id string) (State, error)
	Start(id string) error
	Stop(id string) error
	Suspend(id string) error
	Resume(id string) error
}

// Host describes the local machine.
type Host interface {
	Hardware() (proto.HostHardware, error)
	FreeSpace(path string) (uint64, error)
	StorageReachable(info string) error
}
