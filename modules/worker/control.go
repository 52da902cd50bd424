package worker

import (
	"os"
	"strconv"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/modules"
)

// PauseJob suspends a running job. The daemon transfer is paused in place and
// keeps its handle, so resuming continues the same bytes.
func (w *Worker) PauseJob(id uint64, user modules.User) (modules.Job, error) {
	job, err := w.queue.Get(id)
	if err != nil {
		return modules.Job{}, err
	}
	if !user.CanMutate(job.UserID) {
		return modules.Job{}, modules.ErrUnauthorized
	}

	switch job.Status {
	case modules.StatusPaused:
		return job, nil
	case modules.StatusDownloading:
		if err := w.downloader.Pause(job.DownloaderHandle); err != nil {
			return modules.Job{}, errors.AddContext(err, "unable to pause daemon transfer")
		}
	case modules.StatusStarting:
		// Not yet bound; pausing just parks the row.
	default:
		return modules.Job{}, errors.Extend(errors.New("job is "+string(job.Status)+", not pausable"), modules.ErrValidation)
	}

	updated, err := w.queue.Transition(job.ID, job.Status, modules.StatusPaused, modules.TransitionFields{
		Handle: &job.DownloaderHandle,
	})
	if err != nil {
		return modules.Job{}, err
	}
	w.bus.Publish(modules.Event{Type: modules.EventJobPaused, UserID: updated.UserID, Job: &updated})
	return updated, nil
}

// ResumeJob continues a paused job. A job still bound to the daemon resumes
// in place; one whose handle was lost returns to the queue with its stored
// priority and position intact.
func (w *Worker) ResumeJob(id uint64, user modules.User) (modules.Job, error) {
	job, err := w.queue.Get(id)
	if err != nil {
		return modules.Job{}, err
	}
	if !user.CanMutate(job.UserID) {
		return modules.Job{}, modules.ErrUnauthorized
	}
	if job.Status != modules.StatusPaused {
		return modules.Job{}, errors.Extend(errors.New("job is "+string(job.Status)+", not paused"), modules.ErrValidation)
	}

	if job.DownloaderHandle != "" {
		err := w.downloader.Unpause(job.DownloaderHandle)
		if err == nil {
			updated, err := w.queue.Transition(job.ID, modules.StatusPaused, modules.StatusDownloading, modules.TransitionFields{
				Handle: &job.DownloaderHandle,
			})
			if err != nil {
				return modules.Job{}, err
			}
			w.bus.Publish(modules.Event{Type: modules.EventJobResumed, UserID: updated.UserID, Job: &updated})
			return updated, nil
		}
		if modules.IsTransient(err) {
			return modules.Job{}, errors.AddContext(err, "unable to resume daemon transfer")
		}
		// The daemon no longer knows the handle; fall through to a requeue
		// so the scheduler binds it fresh.
		w.log.Println("job", job.ID, "lost its daemon transfer, requeueing:", err)
	}

	updated, err := w.queue.Transition(job.ID, modules.StatusPaused, modules.StatusQueued, modules.TransitionFields{})
	if err != nil {
		return modules.Job{}, err
	}
	w.bus.Publish(modules.Event{Type: modules.EventJobResumed, UserID: updated.UserID, Job: &updated})
	return updated, nil
}

// CancelJob cancels a live job, removing its daemon transfer when one exists.
// Canceling an already canceled job returns the row unchanged.
func (w *Worker) CancelJob(id uint64, user modules.User) (modules.Job, error) {
	job, err := w.queue.Get(id)
	if err != nil {
		return modules.Job{}, err
	}
	if !user.CanMutate(job.UserID) {
		return modules.Job{}, modules.ErrUnauthorized
	}
	if job.Status == modules.StatusCanceled {
		// Already canceled; a repeat is a no-op.
		return job, nil
	}
	if job.Status.IsTerminal() {
		return modules.Job{}, errors.Extend(errors.New("job is already "+string(job.Status)), modules.ErrValidation)
	}

	if job.DownloaderHandle != "" {
		if err := w.downloader.Remove(job.DownloaderHandle); err != nil {
			w.log.Println("unable to remove daemon transfer for job", job.ID, ":", err)
		} else if err := w.downloader.Purge(job.DownloaderHandle); err != nil {
			w.log.Debugln("unable to purge canceled handle:", err)
		}
	}

	updated, err := w.queue.Transition(job.ID, job.Status, modules.StatusCanceled, modules.TransitionFields{})
	if err != nil {
		return modules.Job{}, err
	}
	w.managedRecordTerminal(updated, modules.EventJobCanceled, "canceled by "+user.Name)
	return updated, nil
}

// DeleteJob removes a completed job's file from the library and marks the row
// deleted. The operation is idempotent: an already deleted job returns
// unchanged, and removing an already missing file is tolerated.
func (w *Worker) DeleteJob(id uint64, user modules.User) (modules.Job, error) {
	job, err := w.queue.Get(id)
	if err != nil {
		return modules.Job{}, err
	}
	if !user.CanMutate(job.UserID) {
		return modules.Job{}, modules.ErrUnauthorized
	}
	if job.Status == modules.StatusDeleted {
		// Already deleted; a repeat is a no-op.
		return job, nil
	}
	if job.Status != modules.StatusCompleted {
		return modules.Job{}, errors.Extend(errors.New("only completed jobs can be deleted"), modules.ErrValidation)
	}

	if job.FinalPath != "" {
		if err := os.Remove(job.FinalPath); err != nil && !os.IsNotExist(err) {
			return modules.Job{}, errors.Compose(errors.AddContext(err, "unable to remove library file"), modules.ErrFinalize)
		}
	}

	// The row sheds its library path along with the file.
	now := modules.CurrentTime()
	cleared := ""
	updated, err := w.queue.Transition(job.ID, modules.StatusCompleted, modules.StatusDeleted, modules.TransitionFields{
		FinalPath: &cleared,
		DeletedAt: &now,
	})
	if err != nil {
		return modules.Job{}, err
	}
	w.bus.Publish(modules.Event{Type: modules.EventJobDeleted, UserID: updated.UserID, Job: &updated})
	err = w.queue.AppendAudit(modules.AuditRecord{
		Actor:       user.Name,
		Action:      modules.EventJobDeleted,
		SubjectType: "job",
		SubjectID:   strconv.FormatUint(job.ID, 10),
		Payload:     job.FinalPath,
	})
	if err != nil {
		w.log.Println("unable to audit delete:", err)
	}
	return updated, nil
}
