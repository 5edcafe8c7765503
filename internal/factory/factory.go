package factory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/owulveryck/agentplatform/internal/bus"
	"github.com/owulveryck/agentplatform/internal/idgen"
	"github.com/owulveryck/agentplatform/internal/observability"
	"github.com/owulveryck/agentplatform/internal/registry"
)

// Descriptors is the subset of registry.Registry the factory depends on,
// kept narrow so tests can supply a fake catalog.
type Descriptors interface {
	Get(agentID string) (*registry.Descriptor, error)
}

// Factory spawns, supervises, and retires AgentInstances. The supervisor
// itself is restart-exempt: a panic or failure in the monitor loop is not
// itself subject to any restart policy.
type Factory struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	byDescriptor map[string]map[string]struct{}

	reg    Descriptors
	bus    *bus.Bus
	logger *slog.Logger
	metric *observability.MetricsManager

	gracePeriod time.Duration
}

// Config configures a new Factory.
type Config struct {
	Registry    Descriptors
	Bus         *bus.Bus
	Logger      *slog.Logger
	Metrics     *observability.MetricsManager
	GracePeriod time.Duration
}

func New(cfg Config) *Factory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	f := &Factory{
		instances:    make(map[string]*Instance),
		byDescriptor: make(map[string]map[string]struct{}),
		reg:          cfg.Registry,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		metric:       cfg.Metrics,
		gracePeriod:  cfg.GracePeriod,
	}
	if f.bus != nil {
		f.bus.SetGroupResolver(f.instancesOfDescriptor)
	}
	return f
}

func (f *Factory) instancesOfDescriptor(descriptorID string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := f.byDescriptor[descriptorID]
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

// Spawn allocates a fresh instance of descriptorID, registers it with the
// bus, and transitions Created→Initializing→Ready. If parentInstanceID is
// given, its descriptor's layer must strictly outrank descriptorID's
// layer (LayerViolation otherwise).
func (f *Factory) Spawn(ctx context.Context, descriptorID, parentInstanceID string) (string, error) {
	descriptor, err := f.reg.Get(descriptorID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrDescriptorNotFound, descriptorID)
	}

	if parentInstanceID != "" {
		f.mu.RLock()
		parent, ok := f.instances[parentInstanceID]
		f.mu.RUnlock()
		if !ok {
			return "", fmt.Errorf("%w: parent %s", ErrInstanceNotFound, parentInstanceID)
		}
		parentDescriptor, err := f.reg.Get(parent.DescriptorID)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrDescriptorNotFound, parent.DescriptorID)
		}
		if parentDescriptor.Layer.Rank() >= descriptor.Layer.Rank() {
			return "", fmt.Errorf("%w: parent layer %s does not outrank child layer %s",
				ErrLayerViolation, parentDescriptor.Layer, descriptor.Layer)
		}
	}

	instanceID := idgen.New("inst")
	inst := &Instance{
		InstanceID:       instanceID,
		DescriptorID:     descriptorID,
		State:            StateCreated,
		LastHeartbeat:    time.Now(),
		ParentInstanceID: parentInstanceID,
	}

	f.mu.Lock()
	f.instances[instanceID] = inst
	if f.byDescriptor[descriptorID] == nil {
		f.byDescriptor[descriptorID] = make(map[string]struct{})
	}
	f.byDescriptor[descriptorID][instanceID] = struct{}{}
	f.mu.Unlock()

	if err := f.transition(instanceID, StateInitializing); err != nil {
		return "", err
	}

	if f.bus != nil {
		if _, err := f.bus.Register(instanceID); err != nil {
			f.transition(instanceID, StateDraining)
			f.transition(instanceID, StateTerminated)
			return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
	}

	if err := f.transition(instanceID, StateReady); err != nil {
		return "", err
	}

	f.logger.Info("factory: spawned instance", "instance_id", instanceID, "descriptor_id", descriptorID, "parent", parentInstanceID)
	return instanceID, nil
}

// SpawnSwarm spawns n parallel instances of descriptorID, returning every
// instance id that succeeded. Individual spawn failures are collected but
// do not abort the remaining spawns.
func (f *Factory) SpawnSwarm(ctx context.Context, descriptorID string, n int) ([]string, []error) {
	ids := make([]string, 0, n)
	var errs []error
	for i := 0; i < n; i++ {
		id, err := f.Spawn(ctx, descriptorID, "")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, errs
}

// Terminate transitions instanceID through Draining→Terminated, flushing
// its inbox and unregistering it from the bus.
func (f *Factory) Terminate(instanceID, reason string) error {
	f.mu.RLock()
	_, ok := f.instances[instanceID]
	f.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}

	if err := f.transition(instanceID, StateDraining); err != nil {
		return err
	}

	if f.bus != nil {
		f.bus.Unregister(instanceID)
	}

	if err := f.transition(instanceID, StateTerminated); err != nil {
		return err
	}

	f.logger.Info("factory: terminated instance", "instance_id", instanceID, "reason", reason)
	return nil
}

// Status returns the current snapshot of instanceID.
func (f *Factory) Status(instanceID string) (Instance, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return *inst, nil
}

// List returns a snapshot of every known instance.
func (f *Factory) List() []Instance {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, *inst)
	}
	return out
}

// MarkBusy/MarkReady record application-level occupancy transitions.
func (f *Factory) MarkBusy(instanceID string) error { return f.transition(instanceID, StateBusy) }
func (f *Factory) MarkReady(instanceID string) error { return f.transition(instanceID, StateReady) }

func (f *Factory) transition(instanceID string, to State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if !canTransition(inst.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inst.State, to)
	}
	inst.State = to
	if to == StateReady || to == StateBusy {
		inst.LastHeartbeat = time.Now()
	}
	return nil
}

// RunSupervisor drains the bus's UnresponsiveInstance channel, marks the
// reported instance Unhealthy, and waits out the grace period. If the
// instance has then left the Unhealthy state (for example through
// MarkReady), it is left alone; otherwise it is terminated and re-spawned
// per its descriptor's restart policy. A bus heartbeat refresh alone does
// not change the instance's state. Blocks until ctx is cancelled.
func (f *Factory) RunSupervisor(ctx context.Context) {
	if f.bus == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case instanceID, ok := <-f.bus.Unresponsive():
			if !ok {
				return
			}
			go f.handleUnresponsive(ctx, instanceID)
		}
	}
}

func (f *Factory) handleUnresponsive(ctx context.Context, instanceID string) {
	f.mu.Lock()
	inst, ok := f.instances[instanceID]
	if !ok || inst.State == StateTerminated {
		f.mu.Unlock()
		return
	}
	if canTransition(inst.State, StateUnhealthy) {
		inst.State = StateUnhealthy
	}
	descriptorID := inst.DescriptorID
	f.mu.Unlock()

	timer := time.NewTimer(f.gracePeriod)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	f.mu.RLock()
	inst, ok = f.instances[instanceID]
	stillUnhealthy := ok && inst.State == StateUnhealthy
	f.mu.RUnlock()
	if !stillUnhealthy {
		return
	}

	f.logger.Warn("factory: instance failed to self-recover, terminating", "instance_id", instanceID)
	if err := f.Terminate(instanceID, "unresponsive"); err != nil {
		f.logger.Error("factory: failed to terminate unresponsive instance", "instance_id", instanceID, "error", err)
		return
	}

	descriptor, err := f.reg.Get(descriptorID)
	if err != nil {
		return
	}
	policy := RestartPolicy(descriptor.Metadata["restart_policy"])
	if policy == "" {
		policy = RestartOneForOne
	}

	switch policy {
	case RestartOneForOne:
		if _, err := f.Spawn(ctx, descriptorID, ""); err != nil {
			f.logger.Error("factory: respawn failed", "descriptor_id", descriptorID, "error", err)
		}
	case RestartOneForAllInLayer:
		for _, other := range f.layerSiblings(descriptor) {
			f.Terminate(other.InstanceID, "restart_one_for_all")
			if _, err := f.Spawn(ctx, other.DescriptorID, ""); err != nil {
				f.logger.Error("factory: respawn failed", "descriptor_id", other.DescriptorID, "error", err)
			}
		}
	case RestartNone:
	}
}

func (f *Factory) layerSiblings(descriptor *registry.Descriptor) []Instance {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []Instance
	for _, inst := range f.instances {
		if inst.State == StateTerminated {
			continue
		}
		d, err := f.reg.Get(inst.DescriptorID)
		if err != nil || d.Layer != descriptor.Layer {
			continue
		}
		out = append(out, *inst)
	}
	return out
}
