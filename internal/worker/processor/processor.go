package processor

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"upscaler/internal/pkg/errors"
	"upscaler/internal/pkg/logger"
	"upscaler/internal/pkg/metrics"
	"upscaler/internal/pkg/retry"
	"upscaler/internal/pkg/tracing"
	"upscaler/internal/ports"
	"upscaler/internal/repositories"
	"upscaler/internal/worker/comfy"
	"upscaler/internal/worker/graph"
	"upscaler/internal/worker/media"
	"upscaler/internal/worker/util"
)

// Result is what a job returns to its caller: a single output key, or
// {"error": message}.
type Result map[string]any

// Failure builds the error result for err.
func Failure(err error) Result {
	return Result{"error": errors.PublicMessage(err)}
}

// Failed reports whether r is an error result.
func (r Result) Failed() bool {
	_, ok := r["error"]
	return ok
}

// Templates loads execution graph templates by task type.
type Templates interface {
	Load(name string) (*graph.Template, error)
}

// Recorder persists job progress.
type Recorder interface {
	Start(ctx context.Context, id, taskType, sessionID string) error
	SetPromptID(ctx context.Context, id, promptID string) error
	Finish(ctx context.Context, id, outputRef string, warnings []string) error
	Fail(ctx context.Context, id, code, message string, warnings []string) error
}

type Deps struct {
	Backend   Backend
	Templates Templates
	Inspector media.Inspector
	SP        ports.StorageProvider
	Jobs      Recorder

	WorkDir  string
	InputDir string
	Download retry.Policy
	// HTTPClient downloads URL inputs.
	HTTPClient *http.Client

	// Session is the identity used for every job. When PerJobSession is set,
	// or Session is empty, each job gets a fresh one.
	Session       comfy.SessionID
	PerJobSession bool

	Metrics *metrics.Metrics
	Tracing *tracing.Provider
	Log     *logger.Logger
}

type Processor struct {
	backend   Backend
	templates Templates
	jobs      Recorder
	session   comfy.SessionID
	perJob    bool
	metrics   *metrics.Metrics
	tracing   *tracing.Provider
	log       *logger.Logger

	binder  Binder
	inputs  *InputHandler
	outputs *OutputHandler
	cleanup *Cleanup
}

func New(d Deps) *Processor {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("processor")

	jobs := d.Jobs
	if jobs == nil {
		jobs = repositories.NopJobRepository{}
	}

	p := &Processor{
		backend:   d.Backend,
		templates: d.Templates,
		jobs:      jobs,
		session:   d.Session,
		perJob:    d.PerJobSession || d.Session == "",
		metrics:   d.Metrics,
		tracing:   d.Tracing,
		log:       log,
	}

	p.binder = Binder{Inspector: d.Inspector}
	p.inputs = NewInputHandler(d.WorkDir, d.InputDir, d.Download, d.HTTPClient, d.Backend, d.Metrics, log)
	p.outputs = NewOutputHandler(d.Backend, d.SP)
	p.cleanup = NewCleanup(p.inputs, log)

	return p
}

// Handle runs one job and always returns a Result, including when the
// pipeline panics.
func (p *Processor) Handle(ctx context.Context, job Job) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			res = Failure(errors.Newf(errors.CodeInternal, "internal error: %v", r))
		}
	}()

	res, err := p.Run(ctx, job)
	if err != nil {
		return Failure(err)
	}
	return res
}

// Run executes the pipeline: validate, acquire, probe, measure, stage, bind,
// submit and wait, resolve, materialize.
func (p *Processor) Run(ctx context.Context, job Job) (Result, error) {
	parsed, err := ParseJob(job)
	if err != nil {
		p.log.FromContext(ctx).Warn("job rejected", "error", err.Error())
		return nil, err
	}

	// The task id names the scratch directory, so an id with nothing
	// usable left after sanitizing is replaced.
	taskID := sanitizeID(job.ID)
	if taskID == "" {
		taskID = util.NewID("task")
	}

	session := p.session
	if p.perJob {
		session = comfy.NewSessionID()
	}

	ctx = logger.ContextWithJobID(ctx, taskID)
	log := p.log.FromContext(ctx).WithSession(string(session))

	ctx, span := p.tracing.StartSpan(ctx, "job",
		attribute.String("job.id", taskID),
		attribute.String("job.task_type", parsed.Task.Type),
	)

	start := time.Now()
	p.metrics.JobStarted()
	log.Info("job started", "task_type", parsed.Task.Type, "source", string(parsed.Source.Kind), "network_volume", parsed.NetworkVolume)

	if err := p.jobs.Start(ctx, taskID, parsed.Task.Type, string(session)); err != nil {
		log.Warn("record job start failed", "error", err.Error())
	}

	run := &jobRun{id: taskID, job: parsed, session: session, log: log}
	out, err := p.execute(ctx, run)
	p.cleanup.CleanupJob(taskID, run.staged)

	outcome := "success"
	if err != nil {
		outcome = string(errors.GetCode(err))
	}
	p.metrics.JobFinished(parsed.Task.Type, outcome, time.Since(start))
	tracing.End(span, err)

	persistCtx := context.WithoutCancel(ctx)
	if err != nil {
		log.Error("job failed",
			"code", string(errors.GetCode(err)),
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		if rerr := p.jobs.Fail(persistCtx, taskID, string(errors.GetCode(err)), errors.PublicMessage(err), run.warnings); rerr != nil {
			log.Warn("record job failure failed", "error", rerr.Error())
		}
		return nil, err
	}

	log.Info("job completed", "duration_ms", time.Since(start).Milliseconds(), "warnings", len(run.warnings))
	if rerr := p.jobs.Finish(persistCtx, taskID, out.Location, run.warnings); rerr != nil {
		log.Warn("record job completion failed", "error", rerr.Error())
	}
	return out.Result, nil
}

type jobRun struct {
	id       string
	job      *ParsedJob
	session  comfy.SessionID
	log      *logger.Logger
	staged   Staged
	warnings []string
}

func (p *Processor) execute(ctx context.Context, r *jobRun) (*Output, error) {
	task := r.job.Task

	var inputPath string
	if err := p.stage(ctx, "acquire", func(ctx context.Context) (err error) {
		inputPath, err = p.inputs.Materialize(ctx, r.id, r.job.Source, task.Media)
		return err
	}); err != nil {
		return nil, err
	}

	if err := p.stage(ctx, "probe", p.backend.WaitReady); err != nil {
		return nil, err
	}

	var props media.Properties
	if err := p.stage(ctx, "measure", func(ctx context.Context) (err error) {
		props, err = p.binder.Measure(ctx, inputPath, task.Media)
		return err
	}); err != nil {
		return nil, err
	}
	r.log.Debug("input measured", "width", props.Width, "height", props.Height, "frame_rate", props.FrameRate)

	tmpl, err := p.templates.Load(task.Type)
	if err != nil {
		return nil, err
	}

	if err := p.stage(ctx, "stage_input", func(ctx context.Context) (err error) {
		r.staged, err = p.inputs.Stage(ctx, r.id, inputPath)
		return err
	}); err != nil {
		return nil, err
	}

	g, warnings, err := p.binder.Bind(tmpl, props, r.staged.Name, task.Interpolate)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		r.log.Warn(w)
	}
	r.warnings = append(r.warnings, warnings...)

	var artifact comfy.Artifact
	if err := p.stage(ctx, "execute", func(ctx context.Context) (err error) {
		artifact, err = p.submitAndWait(ctx, r, g)
		return err
	}); err != nil {
		return nil, err
	}

	var out *Output
	err = p.stage(ctx, "materialize", func(ctx context.Context) (err error) {
		out, err = p.outputs.Materialize(ctx, OutputRequest{TaskID: r.id, Job: r.job, Artifact: artifact})
		return err
	})
	return out, err
}

// submitAndWait opens the event channel before submitting so the terminal
// event cannot be missed, then resolves the artifact from history.
func (p *Processor) submitAndWait(ctx context.Context, r *jobRun, g *graph.Graph) (comfy.Artifact, error) {
	events, err := p.backend.Open(ctx, r.session)
	if err != nil {
		return comfy.Artifact{}, err
	}

	id, err := p.backend.Submit(ctx, r.session, g)
	if err != nil {
		_ = events.Close()
		return comfy.Artifact{}, err
	}
	log := r.log.WithPromptID(string(id))
	log.Info("prompt queued", "template", g.Template())

	if err := p.jobs.SetPromptID(ctx, r.id, string(id)); err != nil {
		log.Warn("record prompt id failed", "error", err.Error())
	}

	// The channel is torn down once the wait ends, before history is read.
	err = events.WaitFor(ctx, id)
	if cerr := events.Close(); cerr != nil {
		log.Debug("close event channel failed", "error", cerr.Error())
	}
	if err != nil {
		return comfy.Artifact{}, err
	}
	log.Debug("prompt finished")

	return p.backend.Resolve(ctx, id, r.job.Task.Category)
}

func (p *Processor) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := p.tracing.StartSpan(ctx, "job."+name)
	start := time.Now()
	err := fn(ctx)
	p.metrics.ObserveStage(name, time.Since(start))
	tracing.End(span, err)
	return err
}
