package daemon

import (
	"fmt"
	"os"
	"time"

	"github.com/msageha/tempvoice/internal/model"
	"github.com/msageha/tempvoice/internal/queue"
	"github.com/msageha/tempvoice/internal/uds"
)

type idParams struct {
	ID string `json:"id"`
}

type estimateParams struct {
	Priority string `json:"priority"`
}

// LockParams are shared by the lock, unlock and force_release commands.
type LockParams struct {
	Resource   string `json:"resource"`
	Holder     string `json:"holder,omitempty"`
	DurationMs int    `json:"duration_ms,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// LockResult reports who holds a resource after a lock command.
type LockResult struct {
	Resource    string `json:"resource"`
	OK          bool   `json:"ok"`
	Holder      string `json:"holder,omitempty"`
	RemainingMs int64  `json:"remaining_ms"`
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.logger.Infof("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("enqueue", d.handleEnqueue)
	d.server.Handle("cancel", d.handleCancel)
	d.server.Handle("peek", d.handlePeek)
	d.server.Handle("stats", d.handleStats)
	d.server.Handle("estimate", d.handleEstimate)
	d.server.Handle("save", d.handleSave)
	d.server.Handle("locks", d.handleLocks)
	d.server.Handle("lock", d.handleLock)
	d.server.Handle("unlock", d.handleUnlock)
	d.server.Handle("force_release", d.handleForceRelease)
}

func (d *Daemon) shuttingDown() *uds.Response {
	if d.ctx.Err() != nil {
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, "daemon is shutting down")
	}
	return nil
}

func (d *Daemon) handleEnqueue(req *uds.Request) *uds.Response {
	if resp := d.shuttingDown(); resp != nil {
		return resp
	}
	var r IntentRequest
	if err := req.DecodeParams(&r); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	in, err := d.Build(r)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	res := d.Admit(in, "uds")
	if !res.Accepted {
		return uds.ErrorResponse(rejectionCode(queue.DropReason(res.Reason)), fmt.Sprintf("intent %s rejected: %s", in.ID, res.Reason))
	}
	return uds.SuccessResponse(res)
}

func (d *Daemon) handleCancel(req *uds.Request) *uds.Response {
	var p idParams
	if err := req.DecodeParams(&p); err != nil || p.ID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "id is required")
	}
	if !d.queue.Cancel(p.ID) {
		for _, l := range d.locks.ActiveLocks() {
			if l.Holder == p.ID {
				return uds.ErrorResponse(uds.ErrCodeNotFound,
					fmt.Sprintf("intent %s is executing on %s and can no longer be cancelled", p.ID, l.ResourceKey))
			}
		}
		return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("intent %s is not queued", p.ID))
	}
	d.logger.Infof("cancel id=%s", p.ID)
	return uds.SuccessResponse(map[string]string{"id": p.ID, "status": string(model.StatusCancelled)})
}

func (d *Daemon) handlePeek(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.queue.Peek())
}

func (d *Daemon) handleStats(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.collectMetrics(time.Now()))
}

func (d *Daemon) handleEstimate(req *uds.Request) *uds.Response {
	var p estimateParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	priority := model.PriorityNormal
	if p.Priority != "" {
		parsed, err := model.ParsePriority(p.Priority)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
		priority = parsed
	}
	wait := d.queue.EstimateWaitTime(priority)
	return uds.SuccessResponse(map[string]any{
		"priority":          priority.String(),
		"estimated_wait_ms": wait.Milliseconds(),
	})
}

func (d *Daemon) handleSave(req *uds.Request) *uds.Response {
	if err := d.queue.SaveToFile(d.paths.dump); err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(map[string]any{"path": d.paths.dump, "intents": d.queue.Size()})
}

func (d *Daemon) handleLocks(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.locks.ActiveLocks())
}

func (d *Daemon) decodeLock(req *uds.Request, needHolder bool) (LockParams, *uds.Response) {
	var p LockParams
	if err := req.DecodeParams(&p); err != nil {
		return p, uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.Resource == "" {
		return p, uds.ErrorResponse(uds.ErrCodeValidation, "resource is required")
	}
	if needHolder && p.Holder == "" {
		return p, uds.ErrorResponse(uds.ErrCodeValidation, "holder is required")
	}
	return p, nil
}

func (d *Daemon) lockResult(resource string, ok bool) LockResult {
	return LockResult{
		Resource:    resource,
		OK:          ok,
		Holder:      d.locks.Holder(resource),
		RemainingMs: d.locks.RemainingTime(resource).Milliseconds(),
	}
}

// handleLock takes an external lease on a resource, e.g. while a user is
// mid-way through a multi-step interaction on the channel.
func (d *Daemon) handleLock(req *uds.Request) *uds.Response {
	p, errResp := d.decodeLock(req, true)
	if errResp != nil {
		return errResp
	}
	dur := model.Millis(p.DurationMs)
	if p.DurationMs <= 0 {
		dur = model.Millis(d.config.Locks.DefaultLockDurationMs)
	}
	ok := d.locks.Acquire(p.Resource, p.Holder, dur, p.Reason)
	d.logger.Infof("lock resource=%s holder=%s duration=%s ok=%t", p.Resource, p.Holder, dur, ok)
	return uds.SuccessResponse(d.lockResult(p.Resource, ok))
}

func (d *Daemon) handleUnlock(req *uds.Request) *uds.Response {
	p, errResp := d.decodeLock(req, true)
	if errResp != nil {
		return errResp
	}
	ok := d.locks.Release(p.Resource, p.Holder)
	if ok {
		d.dispatcher.Wake()
	}
	return uds.SuccessResponse(d.lockResult(p.Resource, ok))
}

func (d *Daemon) handleForceRelease(req *uds.Request) *uds.Response {
	p, errResp := d.decodeLock(req, false)
	if errResp != nil {
		return errResp
	}
	ok := d.locks.ForceRelease(p.Resource)
	if ok {
		d.logger.Warnf("force_release resource=%s", p.Resource)
		d.dispatcher.Wake()
	}
	return uds.SuccessResponse(d.lockResult(p.Resource, ok))
}
