// Package experiment provides the experiment interface façade: the single
// entry point the connection state machine uses to create experiment
// instances, attach metadata, record variables, and finish runs.
// It composes internal/store and internal/writer the way
// exp_interface.py's BufferedExperimentInterface composed a SQLAlchemy
// session and its background flush thread.
package experiment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/expeca/telemetryd/internal/store"
	"github.com/expeca/telemetryd/internal/writer"
)

// Interface is the façade handed to every connection. It is safe for
// concurrent use by multiple connection goroutines: store writes that
// must not interleave (NewExperimentInstance, UpsertMetadata,
// FinishExperimentInstance) are serialized by a single mutex, mirroring
// exp_interface.py's _db_lock; recording samples goes straight to the
// writer, which is already single-goroutine-owned and needs no lock here.
type Interface struct {
	st *store.Store
	wr *writer.Writer

	mu          sync.Mutex
	instanceIDs map[uuid.UUID]struct{}
}

// New builds the façade over an already-open store and writer. The
// caller owns starting/stopping the writer's services.Service.
func New(st *store.Store, wr *writer.Writer) *Interface {
	return &Interface{
		st:          st,
		wr:          wr,
		instanceIDs: map[uuid.UUID]struct{}{},
	}
}

// NewExperimentInstance creates a new experiment row and returns its id,
// mirroring exp_interface.py's new_experiment_instance.
func (i *Interface) NewExperimentInstance(ctx context.Context) (uuid.UUID, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	id, err := i.st.NewExperimentInstance(ctx)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "new experiment instance")
	}
	i.instanceIDs[id] = struct{}{}
	return id, nil
}

// ExperimentInstances returns every instance id created through this
// façade in this process's lifetime, mirroring the
// experiment_instances property.
func (i *Interface) ExperimentInstances() []uuid.UUID {
	i.mu.Lock()
	defer i.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(i.instanceIDs))
	for id := range i.instanceIDs {
		ids = append(ids, id)
	}
	return ids
}

// AddMetadata upserts one or more label/value pairs on an experiment,
// mirroring add_metadata's per-key session.merge loop.
func (i *Interface) AddMetadata(ctx context.Context, instanceID uuid.UUID, kv map[string]string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for label, value := range kv {
		if err := i.st.UpsertMetadata(ctx, instanceID, label, value); err != nil {
			return errors.Wrapf(err, "add metadata: %s", label)
		}
	}
	return nil
}

// RecordVariables enqueues a batch of named samples at one timestamp,
// mirroring record_variables' VarUpdate fan-out into the buffer.
func (i *Interface) RecordVariables(instanceID uuid.UUID, timestamp time.Time, vars map[string]any) error {
	for name, value := range vars {
		if err := i.wr.Enqueue(writer.Sample{
			InstanceID: instanceID,
			Name:       name,
			Timestamp:  timestamp,
			Value:      value,
		}); err != nil {
			return errors.Wrap(err, "record variables")
		}
	}
	return nil
}

// FinishExperimentInstance stamps an experiment's end time, mirroring
// finish_experiment_instance.
func (i *Interface) FinishExperimentInstance(ctx context.Context, instanceID uuid.UUID) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return errors.Wrap(i.st.FinishExperimentInstance(ctx, instanceID), "finish experiment instance")
}

// Backlog reports the writer's current (chunk_count, record_estimate) pair.
func (i *Interface) Backlog() (chunkCount, recordEstimate int) {
	return i.wr.Backlog()
}

// Close closes the store. It does not flush: the final flush that
// BufferedExperimentInterface.close() did with "flush(blocking=True)" is
// done by the writer's own service when it stops, so Close is called
// after the writer's service has fully terminated.
func (i *Interface) Close() error {
	return errors.Wrap(i.st.Close(), "close experiment interface")
}
