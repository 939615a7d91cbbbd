package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/shadowsync/internal/detect"
	"github.com/agentworkforce/shadowsync/internal/dirty"
	"github.com/agentworkforce/shadowsync/internal/metrics"
	"github.com/agentworkforce/shadowsync/internal/node"
	"github.com/agentworkforce/shadowsync/internal/ratelimit"
	"github.com/agentworkforce/shadowsync/internal/replica"
	"github.com/agentworkforce/shadowsync/internal/sequencer"
)

type ResultStatus string

const (
	ResultSucceeded ResultStatus = "succeeded"
	ResultFailed    ResultStatus = "failed"
	ResultCancelled ResultStatus = "cancelled"
)

// ContentRef addresses file content in the paired adapter.
type ContentRef struct {
	ID             node.ID `json:"id"`
	ContentVersion uint64  `json:"contentVersion"`
}

// Operation is a tree edit the sync engine asks the adapter to carry out on
// its replica. NodeID addresses the target for edit, move and delete;
// ParentID and Name give the location for create and move. Files created
// or edited read their content from Source.
type Operation struct {
	Type          node.OperationType `json:"type"`
	NodeID        node.ID            `json:"nodeId,omitempty"`
	ParentID      node.ID            `json:"parentId,omitempty"`
	Name          string             `json:"name,omitempty"`
	NodeType      node.Type          `json:"nodeType,omitempty"`
	LastWriteTime time.Time          `json:"lastWriteTime,omitempty"`
	Source        *ContentRef        `json:"source,omitempty"`
}

type ExecutionResult struct {
	Status     ResultStatus  `json:"status"`
	Code       replica.Code  `json:"code"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Model      *node.Model   `json:"model,omitempty"`
	Message    string        `json:"message,omitempty"`
}

func (r ExecutionResult) Succeeded() bool {
	return r.Status == ResultSucceeded
}

type stage string

const (
	stageRateLimit     stage = "rate-limit"
	stagePreconditions stage = "preconditions"
	stageExecution     stage = "execution"
	stageNameConflict  stage = "name-conflict"
)

// execution carries one operation through the pipeline.
type execution struct {
	op         Operation
	shape      ratelimit.Operation
	target     node.Model
	parent     node.Model
	from       replica.NodeInfo
	to         replica.NodeInfo
	crossScope bool
	hold       *sequencer.Postponement
}

// refusal ends the pipeline before any replica I/O.
type refusal struct {
	stage stage
	err   *replica.Error
}

func refuse(st stage, code replica.Code, format string, args ...any) *refusal {
	return &refusal{stage: st, err: replica.Errorf(code, "execute", format, args...)}
}

// Execute runs op against the replica: rate limit gate, preconditions,
// preparation, I/O, then success, failure or name conflict handling. The
// returned error is only set when the adapter itself is unusable.
func (a *Adapter) Execute(ctx context.Context, op Operation) (ExecutionResult, error) {
	started := time.Now()
	name := op.Name
	tr := a.track(op.Type.String(), op.NodeID, name)
	result, err := a.execute(ctx, op, tr)
	switch {
	case err != nil:
		tr.finish(replica.CodeOf(err), 0)
	default:
		tr.finish(result.Code, 0)
		metrics.RecordOperation(a.name, op.Type.String(), string(result.Status), result.Code.String(), time.Since(started))
	}
	return result, err
}

func (a *Adapter) execute(ctx context.Context, op Operation, tr *tracker) (ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return cancelledResult(err), nil
	}
	var (
		ex     *execution
		denied *refusal
	)
	err := a.do(ctx, "prepare operation", func() error {
		ex, denied = a.prepare(op)
		return nil
	})
	if err != nil {
		if replica.CodeOf(err) == replica.CodeCancelled && !errors.Is(err, ErrFaulted) {
			return cancelledResult(err), nil
		}
		return ExecutionResult{}, err
	}
	if denied != nil {
		return a.refused(op, ex, denied), nil
	}
	defer ex.hold.Dispose()

	info, ioErr := a.perform(ctx, ex, tr)
	var clash *replica.NodeInfo
	if replica.CodeOf(ioErr) == replica.CodeNameConflict && ex.to.Path != "" {
		if observed, err := a.client.GetInfo(ctx, replica.NodeInfo{Path: ex.to.Path, Name: ex.to.Name}); err == nil {
			clash = &observed
		}
	}

	var result ExecutionResult
	err = a.do(context.WithoutCancel(ctx), "complete operation", func() error {
		if ioErr != nil && !(op.Type == node.OpDelete && replica.CodeOf(ioErr) == replica.CodeObjectNotFound) {
			result = a.completeFailure(ex, ioErr, clash)
			return nil
		}
		var completeErr error
		result, completeErr = a.completeSuccess(ex, info)
		return completeErr
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	return result, nil
}

// prepare admits op, validates its preconditions and resolves the replica
// locations. It runs in the serialized context. On success the returned
// execution holds a postponement that the caller must dispose.
func (a *Adapter) prepare(op Operation) (*execution, *refusal) {
	ex, denied := a.admit(op)
	if denied != nil {
		return ex, denied
	}
	if code := a.limiter.CanExecute(ex.shape); code != replica.CodeNone {
		return ex, refuse(stageRateLimit, code, "%s of node %d throttled", op.Type, ex.shape.ItemID)
	}
	if denied := a.preconditions(ex); denied != nil {
		return ex, denied
	}
	switch op.Type {
	case node.OpCreate:
		ex.to = a.locate(ex.parent, op.Name, op.NodeType, op.LastWriteTime)
	case node.OpEdit:
		ex.from = a.nodeInfo(ex.target)
		ex.to = ex.from
		if !op.LastWriteTime.IsZero() {
			ex.to.LastWriteTime = op.LastWriteTime
		}
	case node.OpMove:
		ex.from = a.nodeInfo(ex.target)
		ex.to = a.locate(ex.parent, op.Name, ex.target.Type, ex.target.LastWriteTime)
		ex.crossScope = a.moveScope(a.tree, ex.target.ID) != a.moveScope(a.tree, ex.parent.ID)
	case node.OpDelete:
		ex.from = a.nodeInfo(ex.target)
	}
	if (ex.from.Path == "" && op.Type != node.OpCreate) || (ex.to.Path == "" && op.Type != node.OpDelete) {
		return ex, refuse(stagePreconditions, replica.CodeDirtyBranch, "node has no replica location")
	}
	ex.hold = a.seq.Postpone()
	return ex, nil
}

// admit checks the shape of op and resolves the nodes it addresses.
func (a *Adapter) admit(op Operation) (*execution, *refusal) {
	ex := &execution{op: op, shape: ratelimit.Operation{Type: op.Type}}
	switch op.Type {
	case node.OpCreate:
		if op.Name == "" || strings.ContainsAny(op.Name, "/\x00") {
			return ex, refuse(stagePreconditions, replica.CodeNotSupported, "invalid name %q", op.Name)
		}
		if op.NodeType != node.TypeFile && op.NodeType != node.TypeDirectory {
			return ex, refuse(stagePreconditions, replica.CodeNotSupported, "create needs a file or directory type")
		}
		if op.NodeType == node.TypeFile && op.Source == nil {
			return ex, refuse(stagePreconditions, replica.CodeNotSupported, "file create needs a content source")
		}
	case node.OpEdit:
		if op.Source == nil {
			return ex, refuse(stagePreconditions, replica.CodeNotSupported, "edit needs a content source")
		}
	case node.OpMove:
		if op.Name == "" || strings.ContainsAny(op.Name, "/\x00") {
			return ex, refuse(stagePreconditions, replica.CodeNotSupported, "invalid name %q", op.Name)
		}
	case node.OpDelete:
	default:
		return ex, refuse(stagePreconditions, replica.CodeNotSupported, "operation %s is not executable", op.Type)
	}

	if op.Type != node.OpCreate {
		target, ok := a.tree.Get(op.NodeID)
		if !ok {
			return ex, refuse(stagePreconditions, replica.CodeObjectNotFound, "node %d is not tracked", op.NodeID)
		}
		ex.target = target
		ex.shape.ItemID = target.ID
		ex.shape.ParentID = target.ParentID
		ex.shape.IsFile = target.IsFile()
	}
	if op.Type == node.OpCreate || op.Type == node.OpMove {
		parent, ok := a.tree.Get(op.ParentID)
		if !ok {
			return ex, refuse(stagePreconditions, replica.CodeObjectNotFound, "parent %d is not tracked", op.ParentID)
		}
		ex.parent = parent
		ex.shape.ParentID = parent.ID
	}
	if op.Type == node.OpCreate {
		ex.shape.ItemID = createKey(op.ParentID, op.Name)
		ex.shape.IsFile = op.NodeType == node.TypeFile
	}
	return ex, nil
}

// createKey throttles creations, which have no node yet, under a key
// derived from their destination. The high bit keeps it apart from
// allocated ids.
func createKey(parent node.ID, name string) node.ID {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d/%s", parent, name)
	return node.ID(h.Sum64() | 1<<63)
}

func (a *Adapter) preconditions(ex *execution) *refusal {
	op := ex.op
	if op.Type != node.OpCreate {
		t := ex.target
		switch {
		case a.tree.IsSyncRoot(t.ID):
			return refuse(stagePreconditions, replica.CodeNotSupported, "sync root %d cannot be changed", t.ID)
		case !a.rootEnabled(t.ID):
			return refuse(stagePreconditions, replica.CodeSyncRootDisabled, "node %d", t.ID)
		case t.Status.Any(node.DirtyNodeMask):
			return refuse(stagePreconditions, replica.CodeDirtyNode, "node %d is %s", t.ID, t.Status)
		case dirty.BranchIsDirty(a.tree, t.ID), dirty.BranchIsDeleted(a.tree, t.ID), dirty.InPlaceholder(a.tree, t.ID):
			return refuse(stagePreconditions, replica.CodeDirtyBranch, "node %d is in a dirty branch", t.ID)
		case op.Type == node.OpEdit && !t.IsFile():
			return refuse(stagePreconditions, replica.CodeNotSupported, "node %d is not a file", t.ID)
		}
	}
	if op.Type != node.OpCreate && op.Type != node.OpMove {
		return nil
	}

	p := ex.parent
	code := replica.CodeDirtyBranch
	if op.Type == node.OpMove {
		code = replica.CodeDirtyDestination
	}
	switch {
	case !p.IsDirectory():
		return refuse(stagePreconditions, replica.CodeNotSupported, "parent %d is not a directory", p.ID)
	case p.ID == a.tree.RootID():
		return refuse(stagePreconditions, replica.CodeNotSupported, "items cannot be created above the sync roots")
	case !a.rootEnabled(p.ID):
		return refuse(stagePreconditions, replica.CodeSyncRootDisabled, "parent %d", p.ID)
	case p.Status.Any(node.DirtyNodeMask),
		dirty.BranchIsDirty(a.tree, p.ID),
		dirty.BranchIsDeleted(a.tree, p.ID),
		dirty.InPlaceholder(a.tree, p.ID):
		return refuse(stagePreconditions, code, "parent %d is in a dirty branch", p.ID)
	case op.Type == node.OpMove && a.tree.IsAncestor(ex.target.ID, p.ID):
		return refuse(stagePreconditions, replica.CodeNotSupported, "moving node %d below itself: %v", ex.target.ID, node.ErrCyclicMove)
	}
	itemType := op.NodeType
	if op.Type == node.OpMove {
		itemType = ex.target.Type
	}
	info := replica.NodeInfo{Name: op.Name, Type: itemType, ParentAltID: p.AltID}
	if a.filter.Excluded(info, a.tree.IsSyncRoot(p.ID)) {
		return refuse(stagePreconditions, replica.CodeNotSupported, "name %q is excluded from sync", op.Name)
	}
	for _, sibling := range a.tree.ChildrenNamed(p.ID, op.Name) {
		if op.Type == node.OpMove && sibling.ID == ex.target.ID {
			continue
		}
		if sibling.Status.Any(node.DirtyNodeMask) {
			return refuse(stagePreconditions, code, "sibling %d named %q is dirty", sibling.ID, op.Name)
		}
		return refuse(stageNameConflict, replica.CodeNameConflict, "%q already exists below %d", op.Name, p.ID)
	}
	return nil
}

// locate describes the replica item name will become below parent.
func (a *Adapter) locate(parent node.Model, name string, typ node.Type, lwt time.Time) replica.NodeInfo {
	info := replica.NodeInfo{
		ParentID:      parent.ID,
		ParentAltID:   parent.AltID,
		Name:          name,
		Type:          typ,
		LastWriteTime: lwt,
	}
	if base := a.replicaPath(parent.ID); base != "" {
		info.Path = path.Join(base, name)
	}
	return info
}

func (a *Adapter) refused(op Operation, ex *execution, denied *refusal) ExecutionResult {
	code := denied.err.Code
	result := failedResult(code, denied.err)
	if denied.stage == stageRateLimit {
		result.RetryAfter = a.limiter.RetryAfter(ex.shape)
		a.logger.Debug("operation throttled",
			zap.String("op", op.Type.String()),
			zap.Uint64("node_id", uint64(op.NodeID)),
			zap.String("code", code.String()),
			zap.Duration("retry_after", result.RetryAfter),
		)
		return result
	}
	a.limiter.HandleFailure(ex.shape, code)
	if code.Retryable() {
		result.RetryAfter = a.limiter.RetryAfter(ex.shape)
	}
	a.logger.Info("operation refused",
		zap.String("op", op.Type.String()),
		zap.String("stage", string(denied.stage)),
		zap.Uint64("node_id", uint64(op.NodeID)),
		zap.Uint64("parent_id", uint64(op.ParentID)),
		zap.String("code", code.String()),
		zap.Error(denied.err),
	)
	return result
}

// perform carries out the replica I/O outside the serialized context.
func (a *Adapter) perform(ctx context.Context, ex *execution, tr *tracker) (replica.NodeInfo, error) {
	switch ex.op.Type {
	case node.OpCreate:
		if ex.op.NodeType == node.TypeDirectory {
			return a.client.CreateDirectory(ctx, ex.to)
		}
		return a.upload(ctx, ex, tr, a.client.CreateFile)
	case node.OpEdit:
		return a.upload(ctx, ex, tr, a.client.WriteRevision)
	case node.OpMove:
		if ex.crossScope {
			return a.copyAcross(ctx, ex.from, ex.to)
		}
		return a.client.Move(ctx, ex.from, ex.to)
	case node.OpDelete:
		return replica.NodeInfo{}, a.client.Delete(ctx, ex.from)
	}
	return replica.NodeInfo{}, replica.Errorf(replica.CodeNotSupported, "execute", "operation %s", ex.op.Type)
}

type writeFunc func(ctx context.Context, info replica.NodeInfo, content io.Reader) (replica.NodeInfo, error)

// upload streams the source revision into the replica and checks that the
// byte count matches the revision size.
func (a *Adapter) upload(ctx context.Context, ex *execution, tr *tracker, write writeFunc) (replica.NodeInfo, error) {
	if a.opts.RevisionSource == nil {
		return replica.NodeInfo{}, replica.Errorf(replica.CodeNotSupported, "open source", "%s has no revision source", a.name)
	}
	rev, err := a.opts.RevisionSource.OpenForReading(ctx, ex.op.Source.ID, ex.op.Source.ContentVersion)
	if err != nil {
		return replica.NodeInfo{}, replica.Wrap("open source", err)
	}
	defer rev.Close()
	to := ex.to
	if to.LastWriteTime.IsZero() {
		to.LastWriteTime = rev.LastWriteTime()
	}
	to.Size = rev.Size()
	body := newTransferReader(ctx, rev, tr)
	info, err := write(ctx, to, body)
	if err != nil {
		return info, err
	}
	if size := rev.Size(); size >= 0 && body.n != size {
		return info, replica.Errorf(replica.CodeIntegrityFailure, "upload", "wrote %d of %d bytes", body.n, size)
	}
	return info, nil
}

// copyAcross moves an item to another move scope by copying it and deleting
// the source.
func (a *Adapter) copyAcross(ctx context.Context, from, to replica.NodeInfo) (replica.NodeInfo, error) {
	created, err := a.copyItem(ctx, from, to)
	if err != nil {
		return created, err
	}
	if err := a.client.Delete(ctx, from); err != nil {
		return created, err
	}
	return created, nil
}

func (a *Adapter) copyItem(ctx context.Context, from, to replica.NodeInfo) (replica.NodeInfo, error) {
	if err := ctx.Err(); err != nil {
		return replica.NodeInfo{}, err
	}
	if !from.IsDirectory() {
		rev, err := a.client.OpenForReading(ctx, from)
		if err != nil {
			return replica.NodeInfo{}, err
		}
		defer rev.Close()
		to.Size = rev.Size()
		body := newTransferReader(ctx, rev, nil)
		created, err := a.client.CreateFile(ctx, to, body)
		if err != nil {
			return created, err
		}
		if size := rev.Size(); size >= 0 && body.n != size {
			return created, replica.Errorf(replica.CodeIntegrityFailure, "copy", "copied %d of %d bytes", body.n, size)
		}
		return created, nil
	}
	created, err := a.client.CreateDirectory(ctx, to)
	if err != nil {
		return created, err
	}
	children, err := a.client.Enumerate(ctx, from)
	if err != nil {
		return created, err
	}
	for _, child := range children {
		if child.Path == "" {
			child.Path = path.Join(from.Path, child.Name)
		}
		childTo := replica.NodeInfo{
			ParentAltID:   created.AltID,
			Path:          path.Join(to.Path, child.Name),
			Name:          child.Name,
			Type:          child.Type,
			LastWriteTime: child.LastWriteTime,
		}
		if _, err := a.copyItem(ctx, child, childTo); err != nil {
			return created, err
		}
	}
	return created, nil
}

// completeSuccess feeds the replica's view of the result back through the
// diff engine. The resulting changes go to the synced log.
func (a *Adapter) completeSuccess(ex *execution, info replica.NodeInfo) (ExecutionResult, error) {
	a.lastExecuted = a.seq.Next()
	a.limiter.HandleSuccess(ex.shape)
	a.writer.Use(a.synced)
	defer a.writer.Use(a.detected)

	op := ex.op
	var (
		changes []detect.Change
		err     error
	)
	switch op.Type {
	case node.OpCreate:
		if !a.tree.Contains(ex.parent.ID) {
			return succeededResult(nil), nil
		}
		in := modelFromInfo(info, ex.parent.ID)
		if in.Name == "" {
			in.Name = op.Name
		}
		if in.Type == node.TypeUnknown {
			in.Type = op.NodeType
		}
		var current *node.Model
		if m, ok := a.tree.GetByAlt(in.AltID); ok && !in.AltID.IsZero() {
			current = &m
		}
		changes, err = a.engine.Apply(current, &in, detect.SourceExecution)
	case node.OpEdit, node.OpMove:
		target, ok := a.tree.Get(ex.target.ID)
		if !ok {
			return succeededResult(nil), a.engine.MarkDirty(ex.shape.ParentID, node.DirtyChildren)
		}
		parentID := target.ParentID
		name := target.Name
		if op.Type == node.OpMove {
			if !a.tree.Contains(ex.parent.ID) {
				return succeededResult(nil), a.engine.MarkDirty(target.ParentID, node.DirtyChildren)
			}
			parentID, name = ex.parent.ID, op.Name
		}
		in := modelFromInfo(info, parentID)
		in.Name = name
		changes, err = a.engine.Apply(&target, &in, detect.SourceExecution)
		if err == nil && op.Type == node.OpEdit && !hasChange(changes, node.OpEdit) {
			err = a.tree.Edit(target.ID, a.seqs.NextContentVersion())
		}
	case node.OpDelete:
		target, ok := a.tree.Get(ex.target.ID)
		if !ok {
			return succeededResult(nil), nil
		}
		changes, err = a.engine.Apply(&target, nil, detect.SourceExecution)
	}
	if err != nil {
		if !rejected(err) {
			return ExecutionResult{}, err
		}
		a.logger.Warn("executed operation could not be applied to the tree",
			zap.String("op", op.Type.String()),
			zap.Uint64("node_id", uint64(op.NodeID)),
			zap.Error(err),
		)
		if err := a.engine.MarkDirty(ex.shape.ParentID, node.DirtyChildren); err != nil {
			return ExecutionResult{}, err
		}
		return succeededResult(nil), nil
	}

	var model *node.Model
	switch {
	case op.Type == node.OpDelete:
	case !info.AltID.IsZero():
		if m, ok := a.tree.GetByAlt(info.AltID); ok {
			model = &m
		}
	case op.Type == node.OpCreate:
		if m, ok := a.tree.ChildByName(ex.parent.ID, op.Name); ok {
			model = &m
		}
	default:
		if m, ok := a.tree.Get(ex.target.ID); ok {
			model = &m
		}
	}
	a.logger.Info("operation executed",
		zap.String("op", op.Type.String()),
		zap.Uint64("node_id", uint64(op.NodeID)),
		zap.Int("changes", len(changes)),
		zap.Bool("cross_scope", ex.crossScope),
	)
	return succeededResult(model), nil
}

func hasChange(changes []detect.Change, t node.OperationType) bool {
	for _, c := range changes {
		if c.Type == t {
			return true
		}
	}
	return false
}

// completeFailure classifies a failed I/O. Name conflicts are validated
// again against the clashing item before being reported.
func (a *Adapter) completeFailure(ex *execution, ioErr error, clash *replica.NodeInfo) ExecutionResult {
	op := ex.op
	code := replica.CodeOf(ioErr)
	if code == replica.CodeCancelled {
		a.logger.Debug("operation cancelled", zap.String("op", op.Type.String()), zap.Uint64("node_id", uint64(op.NodeID)))
		return cancelledResult(ioErr)
	}
	err := replica.Wrap("execute", ioErr)
	var stale []staleMark
	switch code {
	case replica.CodeNameConflict:
		if !a.genuineConflict(ex, clash) {
			code = replica.CodeDirtyBranch
			if op.Type == node.OpMove {
				code = replica.CodeDirtyDestination
			}
			err = replica.NewError(code, "execute", ioErr)
			stale = append(stale, staleMark{ex.parent.ID, node.DirtyChildren})
		}
	case replica.CodeObjectNotFound, replica.CodeIntegrityFailure:
		if op.Type != node.OpCreate {
			stale = append(stale, staleMark{ex.target.ID, node.DirtyAttributes})
		}
		stale = append(stale, staleMark{ex.shape.ParentID, node.DirtyChildren})
	}
	if ex.crossScope {
		stale = append(stale, staleMark{ex.target.ParentID, node.DirtyChildren}, staleMark{ex.parent.ID, node.DirtyChildren})
	}
	markStale(a.logger, a.engine, stale...)
	a.limiter.HandleFailure(ex.shape, code)
	result := failedResult(code, err)
	if result.Retryable {
		result.RetryAfter = a.limiter.RetryAfter(ex.shape)
	}
	a.logger.Warn("operation failed",
		zap.String("op", op.Type.String()),
		zap.String("stage", string(stageExecution)),
		zap.Uint64("node_id", uint64(op.NodeID)),
		zap.String("code", code.String()),
		zap.Error(ioErr),
	)
	return result
}

type staleMark struct {
	id    node.ID
	flags node.Status
}

type dirtyMarker interface {
	MarkDirty(id node.ID, flags node.Status) error
}

// markStale flags nodes whose tracked view a failed operation proved
// wrong, so the next detection pass checks them again.
func markStale(logger *zap.Logger, marker dirtyMarker, marks ...staleMark) {
	for _, m := range marks {
		if err := marker.MarkDirty(m.id, m.flags); err != nil {
			logger.Warn("could not mark node dirty after failed operation",
				zap.Uint64("node_id", uint64(m.id)),
				zap.String("flags", m.flags.String()),
				zap.Error(err),
			)
		}
	}
}

// genuineConflict reports whether the clashing replica item is a clean,
// tracked sibling at the destination. Anything else means the tracked view
// of the destination is stale.
func (a *Adapter) genuineConflict(ex *execution, clash *replica.NodeInfo) bool {
	if clash == nil || clash.AltID.IsZero() {
		return false
	}
	m, ok := a.tree.GetByAlt(clash.AltID)
	if !ok || m.ParentID != ex.parent.ID {
		return false
	}
	if ex.op.Type == node.OpMove && m.ID == ex.target.ID {
		return false
	}
	return !m.Status.Any(node.DirtyNodeMask)
}

func succeededResult(m *node.Model) ExecutionResult {
	return ExecutionResult{Status: ResultSucceeded, Code: replica.CodeNone, Model: m}
}

func failedResult(code replica.Code, err error) ExecutionResult {
	return ExecutionResult{
		Status:    ResultFailed,
		Code:      code,
		Retryable: code.Retryable(),
		Message:   err.Error(),
	}
}

func cancelledResult(err error) ExecutionResult {
	return ExecutionResult{Status: ResultCancelled, Code: replica.CodeCancelled, Message: err.Error()}
}

const progressStep = 1 << 20

// transferReader counts bytes, stops on cancellation and reports progress
// every progressStep bytes.
type transferReader struct {
	ctx      context.Context
	r        io.Reader
	n        int64
	reported int64
	tr       *tracker
}

func newTransferReader(ctx context.Context, r io.Reader, tr *tracker) *transferReader {
	return &transferReader{ctx: ctx, r: r, tr: tr}
}

func (t *transferReader) Read(p []byte) (int, error) {
	if err := t.ctx.Err(); err != nil {
		return 0, replica.NewError(replica.CodeCancelled, "transfer", err)
	}
	n, err := t.r.Read(p)
	t.n += int64(n)
	if t.tr != nil && t.n-t.reported >= progressStep {
		t.reported = t.n
		t.tr.progress(t.n)
	}
	return n, err
}
