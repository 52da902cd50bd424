// Package bulk expands batched catalog selections into individual jobs. A
// bulk task is accepted cheaply at the API and processed here asynchronously,
// so a thousand-item selection does not hold an HTTP request open.
package bulk

import (
	"strconv"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/threadgroup"

	"gitlab.com/fetchlabs/fetchd/build"
	"gitlab.com/fetchlabs/fetchd/modules"
	"gitlab.com/fetchlabs/fetchd/persist"
)

// bulkTickInterval is how often the resolver looks for pending tasks.
var bulkTickInterval = build.Select(build.Var{
	Standard: 2 * time.Second,
	Dev:      time.Second,
	Testing:  25 * time.Millisecond,
}).(time.Duration)

// progressStride is how many items are expanded between counter updates on
// the task row.
const progressStride = 25

// errStopped aborts a mid-task expansion when the resolver is shutting down.
var errStopped = errors.New("resolver stopped")

// A coordinator is the slice of the registry the resolver needs: the spacing
// gate, handle lookup and transient reporting, the same per-provider
// discipline the scheduler applies before resolving.
type coordinator interface {
	AcquireResolveSlot(key string) (bool, time.Duration)
	Handle(key string) (modules.ProviderHandle, error)
	ReportTransient(key, reason string)
}

// Resolver is the bulk expansion loop.
type Resolver struct {
	queue    modules.Queue
	registry coordinator
	log      *persist.Logger

	tg threadgroup.ThreadGroup
}

// New creates a resolver and starts its loop. reg may be nil when provider
// coordination is not wired; items are then expanded without being checked
// against their provider first.
func New(q modules.Queue, reg coordinator, log *persist.Logger) (*Resolver, error) {
	r := &Resolver{
		queue:    q,
		registry: reg,
		log:      log,
	}
	go r.threadedResolveLoop()
	return r, nil
}

// Close stops the loop. A task mid-expansion finishes its current item batch.
func (r *Resolver) Close() error {
	return r.tg.Stop()
}

// threadedResolveLoop drains pending tasks, then sleeps until the next tick.
func (r *Resolver) threadedResolveLoop() {
	if err := r.tg.Add(); err != nil {
		return
	}
	defer r.tg.Done()
	for {
		select {
		case <-r.tg.StopChan():
			return
		case <-time.After(bulkTickInterval):
		}
		for {
			task, found, err := r.queue.ClaimPendingBulk()
			if err != nil {
				r.log.Println("unable to claim bulk task:", err)
				break
			}
			if !found {
				break
			}
			r.managedProcess(task)
			select {
			case <-r.tg.StopChan():
				return
			default:
			}
		}
	}
}

// managedCheckItem asks the item's provider whether the item is still there
// before a job row is created for it. The check waits its turn on the same
// per-provider resolve gate the scheduler uses, so a large task cannot
// hammer a provider.
func (r *Resolver) managedCheckItem(item modules.BulkItem) error {
	if r.registry == nil {
		return nil
	}
	for {
		ok, wait := r.registry.AcquireResolveSlot(item.ProviderKey)
		if ok {
			break
		}
		select {
		case <-r.tg.StopChan():
			return errStopped
		case <-time.After(wait):
		}
	}
	handle, err := r.registry.Handle(item.ProviderKey)
	if err != nil {
		return err
	}
	switch h := handle.(type) {
	case modules.VariantListable:
		variants, err := h.Variants(item.ExternalID)
		if err != nil {
			if modules.IsTransient(err) {
				r.registry.ReportTransient(item.ProviderKey, err.Error())
			}
			return err
		}
		if len(variants) == 0 {
			return errors.New("item " + item.ExternalID + " has no variants")
		}
	case modules.Resolvable:
		urls, err := h.ResolveDownloadURL(item.ExternalID)
		if err != nil {
			if modules.IsTransient(err) {
				r.registry.ReportTransient(item.ProviderKey, err.Error())
			}
			return err
		}
		if len(urls) == 0 {
			return errors.New("item " + item.ExternalID + " resolves to no urls")
		}
	default:
		return errors.New("provider " + item.ProviderKey + " cannot resolve downloads")
	}
	return nil
}

// managedProcess expands one claimed task. Item-level failures are counted
// and reported on the task; only a store failure fails the task as a whole.
// At every counter write processed plus failed equals the items handled so
// far, and at the end the two sum to the task's item total.
func (r *Resolver) managedProcess(task modules.BulkTask) {
	owner := modules.User{ID: task.UserID}
	processed, failed := 0, 0
	var lastItemErr string

	for _, item := range task.Items {
		if err := r.managedCheckItem(item); err != nil {
			if errors.Contains(err, errStopped) {
				// Shutting down mid-task; leave honest counters behind.
				if uerr := r.queue.UpdateBulkProgress(task.ID, processed, failed); uerr != nil {
					r.log.Println("unable to update bulk progress:", uerr)
				}
				return
			}
			failed++
			lastItemErr = err.Error()
			r.log.Debugln("bulk item unavailable:", err)
		} else {
			submission := modules.JobSubmission{
				ProviderKey: item.ProviderKey,
				ExternalID:  item.ExternalID,
				Title:       item.Title,
				Metadata:    item.Hints,
				Priority:    task.Options.Priority,
			}
			_, err := r.queue.InsertJobs([]modules.JobSubmission{submission}, owner, modules.InsertOptions{
				Category: task.Options.Category,
			})
			if err != nil {
				if errors.Contains(err, modules.ErrStoreUnavailable) {
					r.log.Println("bulk task", task.ID, "aborted, store unavailable:", err)
					if markErr := r.queue.MarkBulkFailed(task.ID, processed, failed, err.Error()); markErr != nil {
						r.log.Println("unable to fail bulk task:", markErr)
					}
					return
				}
				failed++
				lastItemErr = err.Error()
				r.log.Debugln("bulk item skipped:", err)
			} else {
				processed++
			}
		}
		if (processed+failed)%progressStride == 0 {
			if err := r.queue.UpdateBulkProgress(task.ID, processed, failed); err != nil {
				r.log.Println("unable to update bulk progress:", err)
			}
		}
	}

	if failed == len(task.Items) {
		// Nothing expanded; surface the last item error as the task error.
		if err := r.queue.MarkBulkFailed(task.ID, processed, failed, lastItemErr); err != nil {
			r.log.Println("unable to fail bulk task:", err)
		}
	} else {
		if err := r.queue.MarkBulkCompleted(task.ID, processed, failed); err != nil {
			r.log.Println("unable to complete bulk task:", err)
		}
	}
	err := r.queue.AppendAudit(modules.AuditRecord{
		Actor:       "system",
		Action:      "bulk.expanded",
		SubjectType: "bulk_task",
		SubjectID:   strconv.FormatUint(task.ID, 10),
		Payload:     map[string]int{"processed": processed, "failed": failed},
	})
	if err != nil {
		r.log.Println("unable to audit bulk expansion:", err)
	}
}
