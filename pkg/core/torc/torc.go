// Package torc is the per-task orchestrator: it provisions the task volume,
// walks the task through its three phases by launching one workload per
// phase, and settles the task in a terminal state.
//
// Phase hand-off is a bus message with a bounded wait; when the bus stays
// silent the orchestrator reconciles against the Store and the cluster, so
// a lost message never wedges the state machine.
package torc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaeaeich/poiesis/pkg/config"
	"github.com/jaeaeich/poiesis/pkg/db"
	"github.com/jaeaeich/poiesis/pkg/k8s"
	"github.com/jaeaeich/poiesis/pkg/mbus"
	"github.com/jaeaeich/poiesis/pkg/tes"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

// defaultReconcile is how long one bus wait slice lasts before the
// orchestrator re-reads the Store and the child job status.
const defaultReconcile = 5 * time.Second

// Torc drives one task.
type Torc struct {
	task     tes.Task
	store    db.Store
	bus      mbus.Bus
	cluster  *k8s.Cluster
	conf     config.Config
	contexts k8s.SecurityContexts
	log      *logrus.Entry

	reconcile time.Duration
	now       func() time.Time
}

func New(task tes.Task, store db.Store, bus mbus.Bus, cluster *k8s.Cluster, conf config.Config, contexts k8s.SecurityContexts, log *logrus.Entry) *Torc {
	return &Torc{
		task:      task,
		store:     store,
		bus:       bus,
		cluster:   cluster,
		conf:      conf,
		contexts:  contexts,
		log:       log,
		reconcile: defaultReconcile,
		now:       time.Now,
	}
}

// WithReconcileInterval overrides the bus wait slice; tests shrink it.
func (o *Torc) WithReconcileInterval(d time.Duration) *Torc {
	o.reconcile = d
	return o
}

type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeError
	outcomeCanceled
	outcomeTimeout
)

type outcome struct {
	kind   outcomeKind
	detail string
}

// Run executes the whole lifecycle. The returned error reports why the task
// did not reach COMPLETE; the terminal state is already persisted by then.
// A task that settles in CANCELED, and a claim lost to another attempt,
// return nil.
func (o *Torc) Run(ctx context.Context) error {
	id := o.task.ID
	log := o.log.WithField("task", id)

	// Claim the task. Losing this CAS means another attempt owns it (or the
	// task is already past QUEUED); this process has nothing left to do.
	if err := o.store.Transition(ctx, id, tes.Queued, tes.Initializing); err != nil {
		if db.AsConflict(err) {
			// A cancel may have landed before this process started; settle
			// it instead of walking away.
			if canceled, cerr := o.canceling(ctx); cerr == nil && canceled {
				return o.finishCancel(ctx)
			}
			log.WithField("cause", err).Info("task already claimed, exiting")
			return nil
		}
		return xe.Wrap(err)
	}

	if err := o.store.AddTaskLog(ctx, id); err != nil {
		return o.fail(ctx, tes.Initializing, tes.SystemError, "recording attempt: "+err.Error())
	}
	_ = o.store.SetTaskLogStartTime(ctx, id, o.now().UTC().Format(time.RFC3339))

	// Provision the shared volume.
	diskGb := 0.0
	if r := o.task.Resources; r != nil {
		diskGb = r.DiskGb
	}
	if err := o.cluster.EnsurePVC(ctx, k8s.BuildPVC(id, diskGb, o.conf.K8s)); err != nil {
		return o.fail(ctx, tes.Initializing, tes.SystemError, "creating task volume: "+err.Error())
	}
	log.Info("task volume created")

	// Input phase.
	if 0 < len(o.task.Inputs) {
		inputs, err := json.Marshal(o.task.Inputs)
		if err != nil {
			return o.fail(ctx, tes.Initializing, tes.SystemError, "encoding inputs: "+err.Error())
		}
		job := k8s.BuildTifJob(id, string(inputs), o.conf.K8s, o.contexts)
		if err := o.cluster.LaunchJob(ctx, job); err != nil {
			return o.fail(ctx, tes.Initializing, tes.SystemError, "launching input filer: "+err.Error())
		}

		switch got := o.await(ctx, mbus.InputFilerChannel(id), k8s.TifJobName(id)); got.kind {
		case outcomeOK:
			log.Info("inputs staged")
		case outcomeCanceled:
			return o.finishCancel(ctx)
		case outcomeTimeout:
			return o.fail(ctx, tes.Initializing, tes.SystemError, "input filer: "+mbus.DetailTimeout)
		default:
			return o.fail(ctx, tes.Initializing, tes.SystemError, "input filer failed: "+got.detail)
		}
	}

	// Execution phase.
	if canceled, err := o.canceling(ctx); err == nil && canceled {
		return o.finishCancel(ctx)
	}
	if err := o.store.Transition(ctx, id, tes.Initializing, tes.Running); err != nil {
		if canceled, cerr := o.canceling(ctx); cerr == nil && canceled {
			return o.finishCancel(ctx)
		}
		return o.fail(ctx, tes.Initializing, tes.SystemError, "entering RUNNING: "+err.Error())
	}

	taskJSON, err := json.Marshal(o.task)
	if err != nil {
		return o.fail(ctx, tes.Running, tes.SystemError, "encoding task: "+err.Error())
	}
	if err := o.cluster.LaunchJob(ctx, k8s.BuildTexamJob(id, string(taskJSON), o.conf.K8s, o.contexts)); err != nil {
		return o.fail(ctx, tes.Running, tes.SystemError, "launching executor monitor: "+err.Error())
	}

	switch got := o.await(ctx, mbus.TexamChannel(id), k8s.TexamJobName(id)); {
	case got.kind == outcomeOK:
		log.Info("executors finished")
	case got.kind == outcomeCanceled:
		return o.finishCancel(ctx)
	case got.kind == outcomeTimeout:
		return o.fail(ctx, tes.Running, tes.SystemError, "executor monitor: "+mbus.DetailTimeout)
	case strings.Contains(got.detail, mbus.DetailExecutorNonZero):
		return o.fail(ctx, tes.Running, tes.ExecutorError, got.detail)
	case strings.Contains(got.detail, mbus.DetailPreempted):
		return o.fail(ctx, tes.Running, tes.Preempted, got.detail)
	default:
		return o.fail(ctx, tes.Running, tes.SystemError, "executor monitor failed: "+got.detail)
	}

	// Output phase.
	if 0 < len(o.task.Outputs) {
		if canceled, err := o.canceling(ctx); err == nil && canceled {
			return o.finishCancel(ctx)
		}
		outputs, err := json.Marshal(o.task.Outputs)
		if err != nil {
			return o.fail(ctx, tes.Running, tes.SystemError, "encoding outputs: "+err.Error())
		}
		volumes, err := json.Marshal(o.task.Volumes)
		if err != nil {
			return o.fail(ctx, tes.Running, tes.SystemError, "encoding volumes: "+err.Error())
		}
		job := k8s.BuildTofJob(id, string(outputs), string(volumes), o.conf.K8s, o.contexts)
		if err := o.cluster.LaunchJob(ctx, job); err != nil {
			return o.fail(ctx, tes.Running, tes.SystemError, "launching output filer: "+err.Error())
		}

		switch got := o.await(ctx, mbus.OutputFilerChannel(id), k8s.TofJobName(id)); got.kind {
		case outcomeOK:
			log.Info("outputs collected")
		case outcomeCanceled:
			return o.finishCancel(ctx)
		case outcomeTimeout:
			return o.fail(ctx, tes.Running, tes.SystemError, "output filer: "+mbus.DetailTimeout)
		default:
			return o.fail(ctx, tes.Running, tes.SystemError, "output filer failed: "+got.detail)
		}
	}

	if err := o.store.Transition(ctx, id, tes.Running, tes.Complete); err != nil {
		if canceled, cerr := o.canceling(ctx); cerr == nil && canceled {
			return o.finishCancel(ctx)
		}
		return o.fail(ctx, tes.Running, tes.SystemError, "entering COMPLETE: "+err.Error())
	}
	_ = o.store.SetTaskLogEndTime(ctx, id, o.now().UTC().Format(time.RFC3339))
	o.cleanup(ctx)
	log.Info("task complete")
	return nil
}

func (o *Torc) canceling(ctx context.Context) (bool, error) {
	state, err := o.store.GetTaskState(ctx, o.task.ID)
	if err != nil {
		return false, err
	}
	return state == tes.Canceling, nil
}

// await waits for the phase's bus message in slices, reconciling against
// the Store and the child job between slices. The monitor timeout bounds
// the whole wait; zero waits until the child resolves one way or another.
func (o *Torc) await(ctx context.Context, channel, jobName string) outcome {
	var deadline time.Time
	if 0 < o.conf.MonitorTimeout {
		deadline = o.now().Add(o.conf.MonitorTimeout)
	}

	for {
		slice := o.reconcile
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return outcome{kind: outcomeTimeout}
			}
			if left < slice {
				slice = left
			}
		}

		msg, err := o.bus.Subscribe(ctx, channel, slice)
		switch {
		case err == nil:
			if msg.Status == mbus.StatusOK {
				return outcome{kind: outcomeOK}
			}
			if strings.Contains(msg.Detail, mbus.DetailCanceled) {
				return outcome{kind: outcomeCanceled, detail: msg.Detail}
			}
			return outcome{kind: outcomeError, detail: msg.Detail}

		case err == mbus.ErrTimeout:
			if canceled, cerr := o.canceling(ctx); cerr == nil && canceled {
				return outcome{kind: outcomeCanceled}
			}
			status, serr := o.cluster.GetJobStatus(ctx, jobName)
			if serr != nil {
				continue
			}
			switch status {
			case k8s.JobSucceeded:
				// The child finished but its message was lost; the persisted
				// state is what counts.
				return outcome{kind: outcomeOK}
			case k8s.JobFailed:
				return outcome{kind: outcomeError, detail: jobName + " failed without a message"}
			case k8s.JobMissing:
				return outcome{kind: outcomeError, detail: jobName + " disappeared"}
			default:
				// Still running; keep waiting.
			}

		default:
			return outcome{kind: outcomeError, detail: err.Error()}
		}
	}
}

// fail persists the terminal state and a system log, stamps the attempt and
// releases the task's resources.
func (o *Torc) fail(ctx context.Context, from, to tes.State, detail string) error {
	id := o.task.ID
	o.log.WithField("task", id).WithField("state", to).Error(detail)

	_ = o.store.AppendSystemLogs(ctx, id, detail)
	if err := o.store.Transition(ctx, id, from, to); err != nil {
		if canceled, cerr := o.canceling(ctx); cerr == nil && canceled {
			return o.finishCancel(ctx)
		}
		o.log.WithField("task", id).WithField("cause", err).Warn("terminal transition lost")
	}
	_ = o.store.SetTaskLogEndTime(ctx, id, o.now().UTC().Format(time.RFC3339))
	o.cleanup(ctx)
	return xe.New(detail)
}

// finishCancel confirms the children are gone and settles CANCELING into
// CANCELED.
func (o *Torc) finishCancel(ctx context.Context) error {
	id := o.task.ID
	o.log.WithField("task", id).Info("task canceling, releasing resources")

	o.cleanup(ctx)
	_ = o.cluster.DeletePodsByLabel(ctx, k8s.ExecutorPodSelector(id))

	if err := o.store.Transition(ctx, id, tes.Canceling, tes.Canceled); err != nil && !db.AsConflict(err) {
		return xe.Wrap(err)
	}
	_ = o.store.SetTaskLogEndTime(ctx, id, o.now().UTC().Format(time.RFC3339))
	return nil
}

// cleanup releases the task volume and the phase jobs. The orchestrator's
// own job is reaped by its TTL.
func (o *Torc) cleanup(ctx context.Context) {
	id := o.task.ID
	if err := o.cluster.DeletePVC(ctx, k8s.PVCName(id)); err != nil {
		o.log.WithField("task", id).WithField("cause", err).Warn("deleting task volume")
	}
	for _, job := range []string{k8s.TifJobName(id), k8s.TexamJobName(id), k8s.TofJobName(id)} {
		if err := o.cluster.DeleteJob(ctx, job); err != nil {
			o.log.WithField("task", id).WithField("cause", err).Warn("deleting " + job)
		}
	}
}
