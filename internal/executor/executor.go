// Package executor implements the agent that runs on a build server:
// it prepares caches and the repository checkout, loads the build
// environment image, drives the build script inside a container, and
// streams structured progress to the control plane.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/terrpan/buildfleet/internal/ci"
	"github.com/terrpan/buildfleet/internal/protocol"
	"github.com/terrpan/buildfleet/internal/stream"
)

const (
	// cacheBaseDir is the root of all build caches on a server.
	// Trusted and untrusted builds get disjoint subtrees so a fork
	// build can never poison a trusted build's cache.
	cacheBaseDir = "/executor_cache"

	// setupSectionName labels the executor's own preparation work.
	setupSectionName = "Environment setup"

	// buildSectionName labels the implicit section covering container
	// start, closed by the driver script's first sentinel.
	buildSectionName = "Build start"
)

// Executor runs one build job to completion.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	runner commandRunner

	queue   *outputQueue
	outcome *outcomeTracker

	connMu sync.Mutex
	conn   *stream.Conn

	sectionOpen bool

	namedCacheRoot  string
	sharedCacheRoot string
	imageCacheDir   string
	repoDir         string
}

// New creates an Executor for the given job configuration.
func New(cfg Config, logger *slog.Logger) *Executor {
	trustDir := "unsafe"
	if cfg.Trusted {
		trustDir = "safe"
	}
	base := cfg.CacheRoot
	if base == "" {
		base = cacheBaseDir
	}
	cacheRoot := filepath.Join(base, trustDir)

	e := &Executor{
		cfg:             cfg,
		logger:          logger,
		runner:          osRunner{},
		queue:           newOutputQueue(),
		outcome:         &outcomeTracker{},
		namedCacheRoot:  filepath.Join(cacheRoot, "named"),
		sharedCacheRoot: filepath.Join(cacheRoot, "shared"),
		imageCacheDir:   filepath.Join(cfg.Home, "images"),
	}
	e.repoDir = filepath.Join(e.namedCacheRoot,
		ci.ResolveCachePath(cfg.CacheConfig.WriteTo, cfg.Branch))
	return e
}

// Run executes the whole build and reports the overall outcome.  The
// connection is opened concurrently with local setup; every failure
// path still produces a FinalStatus message and a human-readable
// explanation.
func (e *Executor) Run(ctx context.Context, connectURL string) bool {
	readerCtx, cancelReader := context.WithCancel(ctx)

	connCh := make(chan *stream.Conn, 1)
	senderDone := make(chan struct{})
	readerDone := make(chan struct{})

	// Connection establishment does not block local setup.  If the
	// dial fails the sender drains the queue into the local log so
	// producers never block.
	go func() {
		defer close(senderDone)

		conn, err := stream.Dial(ctx, connectURL, e.logger)
		if err != nil {
			e.logger.Error("output connection failed, logging locally",
				slog.String("error", err.Error()))
			connCh <- nil
			senderLoop(e.queue, logSender{logger: e.logger}, nil)
			return
		}
		e.connMu.Lock()
		e.conn = conn
		e.connMu.Unlock()
		connCh <- conn
		senderLoop(e.queue, conn, func(sendErr error) {
			e.logger.Error("sending build message failed",
				slog.String("error", sendErr.Error()))
		})
	}()

	go func() {
		defer close(readerDone)
		e.readerLoop(readerCtx, connCh)
	}()

	// Sequential phases with explicit outcomes; the first failure
	// short-circuits the rest but final reporting always runs.
	e.openSection(setupSectionName)
	result := e.setupCaches(ctx)
	if result.ok {
		result = e.setupRepo(ctx)
	}
	if result.ok {
		result = e.setupImage(ctx)
	}
	if result.ok {
		e.closeSection(true)
		e.runBuild(ctx)
	} else {
		e.logger.Error("setup failed", slog.String("detail", result.detail))
		e.queue.QueueOutput(result.detail)
		e.closeSection(false)
		e.outcome.markSetupFailed()
	}

	success := e.outcome.success()
	if err := e.outcome.claimFinal(); err == nil {
		e.queue.Queue(protocol.NewFinalStatus(success))
	}

	// Shutdown ordering: drain and stop the sender, then close the
	// connection to unblock the reader.  Teardown errors are logged,
	// never raised.
	e.queue.Close()
	<-senderDone
	cancelReader()
	e.connMu.Lock()
	conn := e.conn
	e.connMu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			e.logger.Debug("closing output connection", slog.String("error", err.Error()))
		}
	}
	<-readerDone

	return success
}

// readerLoop drains inbound messages.  They are informational; read
// errors end the reader without touching the build.
func (e *Executor) readerLoop(ctx context.Context, connCh <-chan *stream.Conn) {
	var conn *stream.Conn
	select {
	case <-ctx.Done():
		return
	case conn = <-connCh:
	}
	if conn == nil {
		return
	}

	for {
		msg, err := conn.Receive()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				e.logger.Debug("reader stopped", slog.String("error", err.Error()))
			}
			return
		}
		e.logger.Debug("control plane message",
			slog.String("type", string(msg.Kind())))
	}
}

func (e *Executor) openSection(name string) {
	e.queue.Queue(protocol.NewSectionStart(name))
	e.sectionOpen = true
}

func (e *Executor) closeSection(success bool) {
	e.queue.Queue(protocol.NewSectionEnd(success))
	e.sectionOpen = false
}

// ---------------------------------------------------------------------------
// Setup phases
// ---------------------------------------------------------------------------

// setupCaches creates the cache roots and warm-starts the job cache
// from the nearest prior build's cache when the write target does not
// exist yet.
func (e *Executor) setupCaches(ctx context.Context) phaseResult {
	e.queue.QueueOutput("Setting up caches")

	for _, dir := range []string{e.namedCacheRoot, e.sharedCacheRoot, e.imageCacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return phaseFailed("Failed to create cache directory %s: %v", dir, err)
		}
	}

	if _, err := os.Stat(e.repoDir); err == nil {
		return phaseOK()
	}

	for _, template := range e.cfg.CacheConfig.LoadFrom {
		source := filepath.Join(e.namedCacheRoot,
			ci.ResolveCachePath(template, e.cfg.Branch))
		if _, err := os.Stat(source); err != nil {
			continue
		}

		e.queue.QueueOutput(fmt.Sprintf("Copying existing cache from %s", source))
		exit, err := e.runner.run(ctx, commandSpec{
			name:     "cp",
			args:     []string{"-aT", source, e.repoDir},
			onStderr: e.queue.QueueOutput,
		})
		if err != nil {
			return phaseFailed("Failed to copy cache from %s: %v", source, err)
		}
		if exit != 0 {
			return phaseFailed("Cache copy from %s exited with code %d", source, exit)
		}
		break
	}
	return phaseOK()
}

// setupRepo clones or updates the repository in the job cache, checks
// out the exact commit, cleans untracked files and applies the shared
// cache symlink plan.
func (e *Executor) setupRepo(ctx context.Context) phaseResult {
	e.queue.QueueOutput("Setting up repository")

	if _, err := os.Stat(filepath.Join(e.repoDir, ".git")); err != nil {
		if res := e.git(ctx, "", "clone", e.cfg.Origin, e.repoDir); !res.ok {
			return res
		}
	}

	if res := e.git(ctx, e.repoDir, "remote", "set-url", "origin", e.cfg.Origin); !res.ok {
		return res
	}
	if res := e.git(ctx, e.repoDir, "fetch", "origin", e.cfg.Ref); !res.ok {
		return res
	}
	if res := e.git(ctx, e.repoDir, "checkout", e.cfg.CommitHash, "--force"); !res.ok {
		return res
	}
	// Build-to-build isolation despite cache reuse.
	if res := e.git(ctx, e.repoDir, "clean", "-f", "-d"); !res.ok {
		return res
	}

	return e.applySharedCaches()
}

func (e *Executor) git(ctx context.Context, dir string, args ...string) phaseResult {
	exit, err := e.runner.run(ctx, commandSpec{
		name:     "git",
		args:     args,
		dir:      dir,
		onStdout: e.queue.QueueOutput,
		onStderr: e.queue.QueueOutput,
	})
	if err != nil {
		return phaseFailed("Failed to run git %s: %v", strings.Join(args, " "), err)
	}
	if exit != 0 {
		return phaseFailed("git %s exited with code %d", strings.Join(args, " "), exit)
	}
	return phaseOK()
}

// applySharedCaches replaces configured in-tree paths with symlinks to
// shared cache directories, adopting an existing directory as the seed
// the first time.  Idempotent: already-linked paths are skipped.
func (e *Executor) applySharedCaches() phaseResult {
	for source, name := range e.cfg.CacheConfig.Shared {
		sourcePath := filepath.Join(e.repoDir, source)
		destPath := filepath.Join(e.sharedCacheRoot, name)

		if info, err := os.Lstat(sourcePath); err == nil && info.Mode()&os.ModeSymlink != 0 {
			continue
		}

		if _, err := os.Stat(destPath); err != nil {
			if info, err := os.Stat(sourcePath); err == nil && info.IsDir() {
				e.queue.QueueOutput(fmt.Sprintf("Adopting %s as shared cache %s", source, name))
				if err := os.Rename(sourcePath, destPath); err != nil {
					return phaseFailed("Failed to adopt %s as shared cache: %v", source, err)
				}
			} else if err := os.MkdirAll(destPath, 0o755); err != nil {
				return phaseFailed("Failed to create shared cache %s: %v", name, err)
			}
		}

		if err := os.RemoveAll(sourcePath); err != nil {
			return phaseFailed("Failed to clear %s for shared cache link: %v", source, err)
		}
		if err := os.MkdirAll(filepath.Dir(sourcePath), 0o755); err != nil {
			return phaseFailed("Failed to create parent of %s: %v", source, err)
		}
		if err := os.Symlink(destPath, sourcePath); err != nil {
			return phaseFailed("Failed to link %s to shared cache %s: %v", source, name, err)
		}
	}
	return phaseOK()
}

// setupImage ensures the build environment image is cached locally
// (a file already present is never re-downloaded) and loads it into
// podman.
func (e *Executor) setupImage(ctx context.Context) phaseResult {
	e.queue.QueueOutput(fmt.Sprintf("Setting up build image %s", e.cfg.ImageName))

	imagePath := filepath.Join(e.imageCacheDir, e.cfg.ImageFilename)
	if _, err := os.Stat(imagePath); err != nil {
		tempPath := imagePath + ".tmp"
		exit, runErr := e.runner.run(ctx, commandSpec{
			name:     "curl",
			args:     []string{"-fsSL", e.cfg.ImageDLURL, "-o", tempPath},
			onStderr: e.queue.QueueOutput,
		})
		if runErr != nil {
			return phaseFailed("Failed to download image %s: %v", e.cfg.ImageName, runErr)
		}
		if exit != 0 {
			return phaseFailed("Image download for %s exited with code %d", e.cfg.ImageName, exit)
		}
		if err := os.Rename(tempPath, imagePath); err != nil {
			return phaseFailed("Failed to move downloaded image into cache: %v", err)
		}
	}

	exit, err := e.runner.run(ctx, commandSpec{
		name:     "podman",
		args:     []string{"load", "-i", imagePath},
		onStdout: e.queue.QueueOutput,
		onStderr: e.queue.QueueOutput,
	})
	if err != nil {
		return phaseFailed("Failed to load image %s: %v", e.cfg.ImageName, err)
	}
	if exit != 0 {
		return phaseFailed("podman load for %s exited with code %d", e.cfg.ImageName, exit)
	}
	return phaseOK()
}

// ---------------------------------------------------------------------------
// Build phase
// ---------------------------------------------------------------------------

// runBuild loads the repository's build configuration, synthesizes the
// driver script and runs it inside the build container, translating
// sentinel lines into protocol messages.
func (e *Executor) runBuild(ctx context.Context) {
	e.openSection(buildSectionName)

	buildCfg, err := ci.LoadBuildConfiguration(e.repoDir)
	if err != nil {
		e.queue.QueueOutput(fmt.Sprintf("Failed to load build configuration: %v", err))
		e.closeSection(false)
		e.outcome.markSetupFailed()
		return
	}

	jobCfg, ok := buildCfg.Jobs[e.cfg.JobName]
	if !ok {
		e.queue.QueueOutput(fmt.Sprintf(
			"Build configuration has no job named %q", e.cfg.JobName))
		e.closeSection(false)
		e.outcome.markSetupFailed()
		return
	}

	script := buildDriverScript(e.repoDir, jobCfg.Steps)

	// A protocol violation cancels the subprocess; nothing it prints
	// afterwards can be trusted.
	buildCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	violated := false
	onStdout := func(line string) {
		if violated {
			return
		}
		if perr := e.handleBuildLine(line); perr != nil {
			violated = true
			e.queue.QueueOutput(fmt.Sprintf("Protocol violation in build output: %v", perr))
			cancel()
		}
	}

	exit, err := e.runner.run(buildCtx, commandSpec{
		name: "podman",
		args: []string{
			"run", "--rm", "-i",
			"-v", fmt.Sprintf("%s:%s:Z", e.repoDir, e.repoDir),
			"-v", fmt.Sprintf("%s:%s:Z", e.sharedCacheRoot, e.sharedCacheRoot),
			e.cfg.ImageName,
			"/bin/bash",
		},
		stdin:    strings.NewReader(script),
		onStdout: onStdout,
		onStderr: e.queue.QueueOutput,
	})

	switch {
	case violated:
		if e.sectionOpen {
			e.closeSection(false)
		}
		e.outcome.markSetupFailed()
		return
	case err != nil:
		e.queue.QueueOutput(fmt.Sprintf("Failed to run build container: %v", err))
		if e.sectionOpen {
			e.closeSection(false)
		}
		e.outcome.markSetupFailed()
		return
	}

	// The driver script always exits 0; a nonzero code means the
	// container itself broke.
	if exit != 0 {
		e.queue.QueueOutput(fmt.Sprintf("Build container exited with code %d", exit))
		e.outcome.markSetupFailed()
	}

	// Section-closure invariant: synthesize the missing SectionEnd
	// from the subprocess's aggregate exit status.
	if e.sectionOpen {
		e.closeSection(exit == 0)
	}
}

// handleBuildLine routes one stdout line from the build subprocess:
// sentinel lines become structural messages, everything else is build
// output.  Malformed marker lines are protocol violations.
func (e *Executor) handleBuildLine(line string) error {
	sentinel, isSentinel, err := protocol.ParseSentinel(line)
	if err != nil {
		return err
	}
	if !isSentinel {
		e.queue.QueueOutput(line)
		return nil
	}

	switch sentinel.Kind {
	case protocol.SentinelSectionStart:
		e.queue.Queue(protocol.NewSectionStart(sentinel.Name))
		e.sectionOpen = true
	case protocol.SentinelSectionEnd:
		success := sentinel.ExitCode == 0
		if !success {
			e.outcome.markBuildCommandsFailed()
		}
		e.queue.Queue(protocol.NewSectionEnd(success))
		e.sectionOpen = false
	}
	return nil
}

// logSender is the sender of last resort when the control plane is
// unreachable: build progress still lands in the local log.
type logSender struct {
	logger *slog.Logger
}

func (l logSender) Send(m protocol.Message) error {
	attrs := []any{slog.String("type", string(m.Kind()))}
	if out, ok := m.(protocol.BuildOutput); ok {
		attrs = append(attrs, slog.String("output", out.Output))
	}
	l.logger.Info("build message (no connection)", attrs...)
	return nil
}
