package blobpipeline

import (
	"context"

	"github.com/dz-tools/cxproxy/internal/content"
	"github.com/dz-tools/cxproxy/internal/statcache"
)

// InputTaskState is the lifecycle of one dependency file's input task.
type InputTaskState int

const (
	InputPending InputTaskState = iota
	InputUploading
	InputDone
	InputFailed
)

// InputTask tracks one file a compile task depends on, through the
// dedup/embed-vs-sidechannel decision and (if needed) the upload itself.
type InputTask struct {
	Path string
	Stat statcache.Stat

	// MissedContent is set on the retry pass after the server reported this
	// input missing; it forces the bytes across even if local bookkeeping
	// believed the remote already had them.
	MissedContent bool

	State    InputTaskState
	Decision Decision
	Hash     content.Key
	Inline   []byte // filled when Decision is DecisionEmbed
	Err      error
}

// Run drives the task to completion against pipeline p, updating its
// fields in place so the compile-task state machine can poll many
// InputTasks and join on them with an errgroup.
func (t *InputTask) Run(ctx context.Context, p *Pipeline, remote, clientID string, sessionID, fileIndex uint32) {
	t.State = InputUploading
	decision, hash, inline, err := p.EnsureUploaded(ctx, remote, t.Path, clientID, sessionID, fileIndex, t.Stat, t.MissedContent)
	if err != nil {
		t.State = InputFailed
		t.Err = err
		return
	}
	t.Decision = decision
	t.Hash = hash
	t.Inline = inline
	t.State = InputDone
}
