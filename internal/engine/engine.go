// Package engine implements the download engine: the scheduler/coordinator
// that ties together the URL pool, transport clients, connection workers,
// file backing, state file and message queue into one lifecycle — New,
// Open, Start, Step (repeatedly), DrainMessages, Close.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ctdl/dget/internal/engine/enginerr"
	"github.com/ctdl/dget/internal/engine/filebacking"
	"github.com/ctdl/dget/internal/engine/message"
	"github.com/ctdl/dget/internal/engine/resource"
	"github.com/ctdl/dget/internal/engine/statefile"
	"github.com/ctdl/dget/internal/engine/stopflag"
	"github.com/ctdl/dget/internal/engine/transport"
	"github.com/ctdl/dget/internal/engine/worker"
)

// AddressFamily re-exports transport.AddressFamily under the name the
// Configuration field uses.
type AddressFamily = transport.AddressFamily

const (
	FamilyAny = transport.FamilyAny
	FamilyV4  = transport.FamilyV4
	FamilyV6  = transport.FamilyV6
)

// Configuration is immutable for an engine's lifetime. Zero-value fields are
// replaced with defaults by withDefaults at New.
type Configuration struct {
	NumConnections int           // target worker count, default 4, capped at MaxConnectionsCap
	MaxSpeed       int64         // bytes/s, 0 = unlimited
	MaxRedirect    int           // default 5
	Family         AddressFamily // ai_family
	IOTimeout      time.Duration // per-socket read/write/connect timeout, default 30s
	ConnectionTimeout time.Duration // worker liveness horizon (read-stall), default 60s
	Insecure       bool
	NoClobber      bool
	HTTPProxy      string
	FTPProxy       string
	NoProxyList    []string
	AddHeaders     map[string]string
	UserAgent      string

	// Ambient knobs with no fixed external contract; engine-chosen defaults.
	CheckpointInterval time.Duration // default 2s
	MaxRetries         int           // default 3
	SpeedSampleWindow  time.Duration // EWMA window, default 1s

	// Cosmetic/external-collaborator fields: not consumed by the core,
	// carried only so a host can round-trip one Configuration value
	// through its own config file.
	AlternateOutput bool
	Verbose         bool
	SearchTop       int
	SearchAmount    int
}

// MaxConnectionsCap is the implementation cap on num_connections.
const MaxConnectionsCap = 16

func (c Configuration) withDefaults() Configuration {
	if c.NumConnections <= 0 {
		c.NumConnections = 4
	}
	if c.NumConnections > MaxConnectionsCap {
		c.NumConnections = MaxConnectionsCap
	}
	if c.MaxRedirect <= 0 {
		c.MaxRedirect = 5
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = 30 * time.Second
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 60 * time.Second
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.SpeedSampleWindow <= 0 {
		c.SpeedSampleWindow = time.Second
	}
	return c
}

// ConnectionSnapshot is the read-only view of one connection exposed to the
// host.
type ConnectionSnapshot struct {
	Index            int
	CurrentByte      int64
	LastByte         int64
	LastTransferTime time.Time
	State            worker.State
	Enabled          bool
}

// EngineSnapshot bundles every read-only field a host needs to render progress.
type EngineSnapshot struct {
	Ready          bool
	BytesDone      int64
	BytesPerSecond float64
	Size           int64 // -1 if unknown
	StartTime      time.Time
	FinishTime     time.Time
	Filename       string
	Connections    []ConnectionSnapshot
}

// connState is the coordinator's bookkeeping for one connection, layered on
// top of the worker's own atomics.
type connState struct {
	w          *worker.Worker
	rangeStart int64
	enabled    bool
	retries    int
	urlIdx     int // index into e.urls this connection is currently bound to
}

// Engine is the top-level coordinator. All methods are intended to be
// called from a single driver goroutine; per-connection fields are owned by
// the connection's worker goroutine during Step and published via atomics,
// and the message queue carries its own lock, so DrainMessages alone is
// safe from any goroutine.
type Engine struct {
	id   uuid.UUID // distinguishes this engine's messages when a host runs several downloads at once
	cfg  Configuration
	urls []*resource.URL

	conns []*connState

	outputPath    string
	totalSize     int64
	bytesDone     int64
	startByte     int64
	startTime     time.Time
	finishTime    time.Time
	bytesPerSecond float64

	ready bool
	opened bool
	started bool

	file    *filebacking.File
	msgs    *message.Queue
	stop    *stopflag.Flag
	limiter *rate.Limiter

	lastStepTime   time.Time
	lastCheckpoint time.Time
}

// New validates the configuration and URL pool and returns an unopened
// Engine. urls must be non-empty; every URL is parsed eagerly so a BadUrl
// error surfaces at construction rather than mid-download.
func New(cfg Configuration, urls []string) (*Engine, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no candidate urls", enginerr.ErrBadUrl)
	}
	cfg = cfg.withDefaults()

	parsed := make([]*resource.URL, 0, len(urls))
	for _, raw := range urls {
		u, err := resource.Parse(raw)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, u)
	}

	e := &Engine{
		id:        uuid.New(),
		cfg:       cfg,
		urls:      parsed,
		msgs:      message.New(message.DefaultCapacity),
		stop:      stopflag.New(),
		totalSize: statefile.UnknownSize,
	}
	if cfg.MaxSpeed > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxSpeed), int(cfg.MaxSpeed))
	}
	return e, nil
}

// StopFlag returns the engine's cooperative-stop token, for the host to bind
// to its own signal handling.
func (e *Engine) StopFlag() *stopflag.Flag { return e.stop }

// ID returns the engine instance's identifier, for correlating its messages
// when a host is running more than one download concurrently.
func (e *Engine) ID() string { return e.id.String() }

// taggedf prefixes text with this engine's short ID, so DrainMessages output
// stays attributable when several engines share one host process.
func (e *Engine) taggedf(format string, args ...any) string {
	return fmt.Sprintf("[%s] %s", e.id.String()[:8], fmt.Sprintf(format, args...))
}

func (e *Engine) transportOptions() transport.Options {
	return transport.Options{
		IOTimeout:    e.cfg.IOTimeout,
		MaxRedirect:  e.cfg.MaxRedirect,
		Family:       e.cfg.Family,
		Insecure:     e.cfg.Insecure,
		UserAgent:    e.cfg.UserAgent,
		ExtraHeaders: e.cfg.AddHeaders,
		HTTPProxy:    e.proxyFor(e.urls[0]),
		FTPProxy:     e.cfg.FTPProxy,
		NoProxyList:  e.cfg.NoProxyList,
	}
}

func (e *Engine) proxyFor(u *resource.URL) string {
	if u.Scheme == resource.SchemeFTP {
		return e.cfg.FTPProxy
	}
	return e.cfg.HTTPProxy
}

// Open probes the resource, resolves filename collisions, and either
// creates a fresh output+state pair or re-opens an existing resumable one.
// outputHint may be empty (name derived from the URL), an existing
// directory (URL-derived name placed inside it), or a concrete file path
// (used outright, no collision probing).
func (e *Engine) Open(ctx context.Context, outputHint string) error {
	path, err := resolveOutputPath(outputHint, e.deriveBaseName(), func(p string) (bool, bool) {
		out := filebacking.Exists(p)
		_, st, _ := statefile.Load(p)
		return out, st
	})
	if err != nil {
		return err
	}
	e.outputPath = path

	outExists := filebacking.Exists(path)
	saved, savedOK, stErr := statefile.Load(path)
	if stErr != nil {
		// Magic/version mismatch or corruption: discard and restart.
		e.msgs.Warn(e.taggedf("state file unreadable (%v); restarting from scratch", stErr))
		statefile.Delete(path)
		savedOK = false
	}

	if savedOK && !outExists {
		e.msgs.Warn(e.taggedf("state file found but output file is missing; discarding state"))
		statefile.Delete(path)
		savedOK = false
	}

	if e.cfg.NoClobber && outExists && !savedOK {
		return enginerr.ErrAlreadyComplete
	}

	probeURL := e.urls[0]
	probeOpts := e.transportOptions()
	probeOpts.FollowRedirects = true
	probeClient := transport.New(probeURL, probeOpts)
	probeResult, err := probeClient.Open(ctx, 0, 0)
	probeClient.Close()
	if err != nil {
		return err
	}

	supported := probeResult.Supported
	total := probeResult.TotalSize
	if total <= 0 {
		total = statefile.UnknownSize
	}
	e.totalSize = total

	if outExists && !savedOK {
		if supported {
			return enginerr.ErrNoStateCannotResume
		}
		// Unsupported peers always restart single-stream; no resume
		// discipline applies, so an existing-but-unstated output is
		// simply overwritten.
	}

	file, _, err := filebacking.Open(path, total)
	if err != nil {
		return err
	}
	e.file = file

	if savedOK && len(saved.Connections) == e.cfg.NumConnections {
		e.applyResumeState(saved)
	} else {
		if savedOK {
			e.msgs.Warn(e.taggedf("saved connection count does not match configuration; restarting from scratch"))
			statefile.Delete(path)
		}
		e.assignFreshRanges(total, supported)
	}

	e.startTime = time.Now()
	e.lastStepTime = e.startTime
	e.lastCheckpoint = e.startTime
	e.startByte = e.bytesDone
	e.opened = true
	return nil
}

// assignFreshRanges splits the resource into near-equal byte ranges, one
// per connection, when no resumable state exists.
func (e *Engine) assignFreshRanges(total int64, supported bool) {
	n := e.cfg.NumConnections

	if total < 0 || !supported {
		e.conns = []*connState{{
			w:          worker.New(0, 0, -1, e.file, e.msgs),
			rangeStart: 0,
			enabled:    true,
			urlIdx:     0,
		}}
		return
	}

	if total < int64(n) {
		n = int(total)
		if n == 0 {
			n = 1
		}
	}

	e.conns = make([]*connState, e.cfg.NumConnections)
	for i := 0; i < e.cfg.NumConnections; i++ {
		if i >= n {
			e.conns[i] = &connState{w: worker.New(i, total, total, e.file, e.msgs), rangeStart: total, enabled: false}
			continue
		}
		start := total * int64(i) / int64(n)
		end := total * int64(i+1) / int64(n)
		if i == n-1 {
			end = total
		}
		e.conns[i] = &connState{
			w:          worker.New(i, start, end, e.file, e.msgs),
			rangeStart: start,
			enabled:    true,
			urlIdx:     i % len(e.urls),
		}
	}
}

// applyResumeState restores saved per-connection boundaries in place of
// the freshly computed ones, and counts bytes already on disk immediately
// into bytes_done.
func (e *Engine) applyResumeState(saved statefile.State) {
	e.conns = make([]*connState, len(saved.Connections))
	for i, c := range saved.Connections {
		w := worker.New(i, c.CurrentByte, c.LastByte, e.file, e.msgs)
		if c.LastByte >= 0 && c.CurrentByte >= c.LastByte {
			w.MarkDone()
		}
		e.conns[i] = &connState{
			w:          w,
			rangeStart: rangeStartFor(saved, i),
			enabled:    true,
			urlIdx:     i % len(e.urls),
		}
	}
	e.recomputeBytesDone()
}

// rangeStartFor recovers connection i's original lower bound by replaying
// the same even split formula used at fresh assignment; valid because
// resume only reuses saved state when the connection count (and therefore
// the split) is unchanged from the session that wrote it.
func rangeStartFor(saved statefile.State, i int) int64 {
	n := len(saved.Connections)
	if saved.TotalSize < 0 || n == 0 {
		return 0
	}
	return saved.TotalSize * int64(i) / int64(n)
}

// deriveBaseName picks the output filename from the first URL's path.
func (e *Engine) deriveBaseName() string {
	base := filepath.Base(e.urls[0].Path)
	if base == "/" || base == "." || base == "" {
		return "download.bin"
	}
	return base
}

// resolveOutputPath: a hint naming a file is used outright; a hint naming
// an existing directory places base inside it; with no hint, base lands in
// the working directory. Except for the file-hint case, collisions probe
// "<name>", "<name>.0", "<name>.1", ... until a slot that is either free
// (neither file exists) or resumable (both exist) is found.
func resolveOutputPath(hint, base string, probe func(path string) (outExists, stateExists bool)) (string, error) {
	if hint != "" {
		info, err := os.Stat(hint)
		if err != nil || !info.IsDir() {
			return hint, nil
		}
		base = filepath.Join(hint, base)
	}

	outExists, stateExists := probe(base)
	if !outExists && !stateExists {
		return base, nil
	}
	if outExists && stateExists {
		return base, nil
	}

	for i := 0; i < 10000; i++ {
		candidate := fmt.Sprintf("%s.%d", base, i)
		outExists, stateExists := probe(candidate)
		if !outExists && !stateExists {
			return candidate, nil
		}
		if outExists && stateExists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no free or resumable filename slot found", enginerr.ErrFileIo)
}

// Start spawns (arms) every enabled connection's transport client and
// marks the engine ready to Step.
func (e *Engine) Start(ctx context.Context) error {
	if !e.opened {
		return fmt.Errorf("engine: Start called before Open")
	}
	for _, c := range e.conns {
		if !c.enabled || c.w.State() != worker.Init {
			continue
		}
		u := e.urls[c.urlIdx]
		c.w.SetClient(transport.New(u, e.transportOptions()))
	}
	e.started = true
	return nil
}

// Step advances every enabled worker by one bounded slice, applies failure
// reassignment, updates aggregates, enforces max_speed, and checkpoints on
// schedule. It returns the engine's Ready state.
func (e *Engine) Step(ctx context.Context) (bool, error) {
	if !e.started {
		return false, fmt.Errorf("engine: Step called before Start")
	}
	if e.ready {
		return true, nil
	}

	now := time.Now()
	dt := now.Sub(e.lastStepTime)
	if dt <= 0 {
		dt = time.Millisecond
	}

	activeWorkers := e.countActive()
	perWorkerBudget := int64(0)
	if e.cfg.MaxSpeed > 0 && activeWorkers > 0 {
		perWorkerBudget = e.cfg.MaxSpeed / int64(activeWorkers)
		if e.limiter != nil {
			// Reserve the whole slice's worth of bytes up front; the
			// limiter's sleep is what keeps the average under max_speed.
			_ = e.limiter.WaitN(ctx, clampInt(perWorkerBudget*int64(activeWorkers)))
		}
	}

	// Each enabled connection advances on its own goroutine so that a slow
	// connect or a blocking read on one connection does not stall the
	// others within this slice; the coordinator waits for every worker's
	// bounded step before it is the sole mutator of the aggregates again
	// per-connection fields are written only by the owning worker during this
	// window.
	var g errgroup.Group
	for _, c := range e.conns {
		if !c.enabled {
			continue
		}
		c := c
		g.Go(func() error {
			c.w.Step(ctx, perWorkerBudget, e.cfg.ConnectionTimeout)
			return nil
		})
	}
	_ = g.Wait()

	e.reassignFailed()

	if e.allDisabled() {
		e.ready = false
		e.msgs.Error(e.taggedf("%v", enginerr.ErrAllConnectionsFailed))
		return false, enginerr.ErrAllConnectionsFailed
	}

	e.recomputeBytesDone()
	e.updateRate(dt)
	e.lastStepTime = now

	if e.stop.Raised() {
		e.checkpoint()
		e.closeWorkers()
		return false, nil
	}

	if e.allDone() {
		statefile.Delete(e.outputPath)
		e.ready = true
		return true, nil
	}

	if now.Sub(e.lastCheckpoint) >= e.cfg.CheckpointInterval {
		e.checkpoint()
		e.lastCheckpoint = now
	}

	return false, nil
}

func clampInt(n int64) int {
	if n <= 0 {
		return 1
	}
	if n > int64(^uint(0)>>1) {
		return int(^uint(0) >> 1)
	}
	return int(n)
}

func (e *Engine) countActive() int {
	n := 0
	for _, c := range e.conns {
		if c.enabled && c.w.State() != worker.Done && c.w.State() != worker.Failed {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

// reassignFailed moves each failed connection onto the next URL in the pool
// and retries it; once a connection has failed more than MaxRetries times it
// is disabled and its remaining range is handed to another connection via
// redistribute.
func (e *Engine) reassignFailed() {
	for _, c := range e.conns {
		if !c.enabled || c.w.State() != worker.Failed {
			continue
		}

		c.retries++
		if c.retries <= e.cfg.MaxRetries && len(e.urls) > 0 {
			c.urlIdx = (c.urlIdx + 1) % len(e.urls)
			u := e.urls[c.urlIdx]
			c.w.Reassign(transport.New(u, e.transportOptions()), c.w.LastByte())
			continue
		}

		// Exhausted retries and alternates: disable and redistribute.
		c.enabled = false
		e.redistribute(c)
	}
}

// redistribute hands a disabled connection's remaining range to the
// enabled connection with the smallest outstanding byte count, ties broken
// by lowest index.
func (e *Engine) redistribute(donor *connState) {
	remaining := donor.w.LastByte() - donor.w.CurrentByte()
	if remaining <= 0 {
		return
	}

	candidates := make([]*connState, 0, len(e.conns))
	for _, c := range e.conns {
		if c.enabled && c.w.State() != worker.Done {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		oi := candidates[i].w.LastByte() - candidates[i].w.CurrentByte()
		oj := candidates[j].w.LastByte() - candidates[j].w.CurrentByte()
		if oi != oj {
			return oi < oj
		}
		return candidates[i].w.Index < candidates[j].w.Index
	})

	target := candidates[0]
	target.w.ExtendLastByte(target.w.LastByte() + remaining)
	e.msgs.Info(e.taggedf("connection %d disabled; %d bytes redistributed to connection %d",
		donor.w.Index, remaining, target.w.Index))
}

func (e *Engine) allDisabled() bool {
	for _, c := range e.conns {
		if c.enabled {
			return false
		}
	}
	return true
}

func (e *Engine) allDone() bool {
	for _, c := range e.conns {
		if c.enabled && c.w.State() != worker.Done {
			return false
		}
	}
	return true
}

func (e *Engine) recomputeBytesDone() {
	var sum int64
	for _, c := range e.conns {
		sum += c.w.CurrentByte() - c.rangeStart
	}
	if sum > e.bytesDone {
		e.bytesDone = sum
	}
}

// updateRate applies an exponentially weighted moving average over dt,
// smoothed by cfg.SpeedSampleWindow, and projects finishTime.
func (e *Engine) updateRate(dt time.Duration) {
	instant := float64(e.bytesDone-e.startByte) / time.Since(e.startTime).Seconds()
	if e.bytesPerSecond == 0 {
		e.bytesPerSecond = instant
	} else {
		alpha := dt.Seconds() / e.cfg.SpeedSampleWindow.Seconds()
		if alpha > 1 {
			alpha = 1
		}
		e.bytesPerSecond = e.bytesPerSecond*(1-alpha) + instant*alpha
	}

	if e.totalSize >= 0 && e.bytesPerSecond > 0 {
		remaining := e.totalSize - e.bytesDone
		e.finishTime = time.Now().Add(time.Duration(float64(remaining)/e.bytesPerSecond) * time.Second)
	}
}

func (e *Engine) checkpoint() {
	conns := make([]statefile.ConnectionState, len(e.conns))
	for i, c := range e.conns {
		conns[i] = statefile.ConnectionState{CurrentByte: c.w.CurrentByte(), LastByte: c.w.LastByte()}
	}
	s := statefile.State{TotalSize: e.totalSize, Connections: conns}
	if err := statefile.Checkpoint(e.outputPath, s); err != nil {
		e.msgs.Error(e.taggedf("checkpoint failed: %v", err))
	}
}

func (e *Engine) closeWorkers() {
	for _, c := range e.conns {
		c.w.CloseClient()
	}
}

// DrainMessages returns all messages queued since the last drain.
func (e *Engine) DrainMessages() []message.Message {
	return e.msgs.Drain()
}

// Snapshot returns a consistent point-in-time view of the read-only fields.
func (e *Engine) Snapshot() EngineSnapshot {
	conns := make([]ConnectionSnapshot, len(e.conns))
	for i, c := range e.conns {
		conns[i] = ConnectionSnapshot{
			Index:            c.w.Index,
			CurrentByte:      c.w.CurrentByte(),
			LastByte:         c.w.LastByte(),
			LastTransferTime: c.w.LastTransferTime(),
			State:            c.w.State(),
			Enabled:          c.enabled,
		}
	}
	return EngineSnapshot{
		Ready:          e.ready,
		BytesDone:      e.bytesDone,
		BytesPerSecond: e.bytesPerSecond,
		Size:           e.totalSize,
		StartTime:      e.startTime,
		FinishTime:     e.finishTime,
		Filename:       e.outputPath,
		Connections:    conns,
	}
}

// Close joins every worker's transport client and, if the download finished,
// leaves no state file behind; if it did not finish, the last checkpoint
// remains on disk for a future resume. Idempotent.
func (e *Engine) Close() error {
	e.closeWorkers()
	if e.file != nil {
		err := e.file.Close()
		e.file = nil
		return err
	}
	return nil
}
