package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/structcap/internal/caption"
	"github.com/raphaelgruber/structcap/internal/config"
	"github.com/raphaelgruber/structcap/internal/jobs"
	"github.com/raphaelgruber/structcap/internal/models"
	"github.com/raphaelgruber/structcap/internal/render"
	"github.com/raphaelgruber/structcap/internal/vision"
)

// maxRequestBody caps POST /api/run bodies; inline templates are small.
const maxRequestBody = 1 << 20

// captionJob is a start request with server defaults applied.
type captionJob struct {
	provider     string
	apiKey       string
	parentDir    string
	imagesDir    string
	model        string
	template     models.Template
	inline       bool
	templateFile string
	opts         caption.Options
	objectPaths  []string
}

func (s *Server) resolve(req models.StartRequest) (captionJob, error) {
	job := captionJob{
		provider:    req.Provider,
		apiKey:      req.APIKey,
		parentDir:   req.ParentDir,
		model:       req.Model,
		objectPaths: req.ObjectPaths,
		opts: caption.Options{
			Model:          req.Model,
			NumViews:       req.NumViews,
			MaxTokens:      req.MaxTokens,
			RateLimitDelay: s.cfg.RateLimitDelay,
			Overwrite:      req.Overwrite,
			UseRanking:     s.cfg.UseRanking,
		},
	}
	if job.provider == "" {
		job.provider = s.cfg.Provider
	}
	if job.apiKey == "" {
		job.apiKey = s.cfg.APIKeyFor(job.provider)
	}
	if job.parentDir == "" {
		job.parentDir = s.cfg.ParentDir
	}
	job.imagesDir = s.cfg.ImagesDir(job.parentDir)
	if job.model == "" {
		job.model = s.cfg.Model
		job.opts.Model = s.cfg.Model
	}
	if job.opts.NumViews == 0 {
		job.opts.NumViews = s.cfg.NumViews
	}
	if job.opts.MaxTokens == 0 {
		job.opts.MaxTokens = s.cfg.MaxTokens
	}
	if req.RateLimitDelay != nil {
		job.opts.RateLimitDelay = time.Duration(*req.RateLimitDelay * float64(time.Second))
	}
	if req.UseRanking != nil {
		job.opts.UseRanking = *req.UseRanking
	}

	switch vision.Provider(job.provider) {
	case vision.ProviderAnthropic, vision.ProviderOpenAI, vision.ProviderOllama, vision.ProviderBedrock:
	default:
		return job, fmt.Errorf("unsupported provider %q", job.provider)
	}
	if vision.RequiresAPIKey(vision.Provider(job.provider)) && job.apiKey == "" {
		return job, errors.New("API key is required")
	}
	if job.opts.NumViews < 0 || job.opts.MaxTokens < 0 || job.opts.RateLimitDelay < 0 {
		return job, errors.New("num_views, max_tokens and rate_limit_delay must not be negative")
	}

	var inline string
	if req.UseInlineTemplate && len(req.InlineTemplate) > 0 {
		inline = string(req.InlineTemplate)
		job.inline = true
	}
	job.templateFile = req.TemplateFile
	if job.templateFile == "" {
		job.templateFile = s.cfg.TemplateFile
	}
	tmpl, err := models.LoadTemplate(inline, job.templateFile)
	if err != nil {
		return job, err
	}
	job.template = tmpl
	return job, nil
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req models.StartRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// Reject early so a conflicting request never builds a task.
	if s.supervisor.Running() {
		writeError(w, http.StatusConflict, jobs.ErrJobAlreadyRunning.Error())
		return
	}

	job, err := s.resolve(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := s.buildTask(r.Context(), job)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind := "caption"
	if len(job.objectPaths) > 0 {
		kind = "render+caption"
	}
	id, err := s.supervisor.Start(jobs.Definition{
		Kind:      kind,
		ParentDir: job.parentDir,
		Model:     job.model,
		Task:      task,
	})
	if errors.Is(err, jobs.ErrJobAlreadyRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, models.StartResponse{Status: "started", JobID: id})
}

func (s *Server) buildTask(ctx context.Context, job captionJob) (jobs.Task, error) {
	var captionTask jobs.Task
	if s.cfg.JobMode == config.JobModeInline {
		t, err := s.inlineTask(ctx, job)
		if err != nil {
			return nil, err
		}
		captionTask = t
	} else {
		if s.executable == "" {
			return nil, errors.New("cannot locate structcap executable")
		}
		captionTask = fatalAsFailure(jobs.CommandTask(captionCommand(s.executable, job, s.cfg)))
	}

	if len(job.objectPaths) == 0 {
		return captionTask, nil
	}
	if s.renderer == nil {
		return nil, render.ErrNotConfigured
	}
	renderTask, err := s.renderer.Task(job.objectPaths, job.imagesDir)
	if err != nil {
		return nil, err
	}
	return jobs.ChainTask(renderTask, captionTask), nil
}

// inlineTask runs the batch inside the server process.
func (s *Server) inlineTask(ctx context.Context, job captionJob) (jobs.Task, error) {
	model, err := s.newModel(ctx, s.cfg.Vision(job.provider, job.apiKey))
	if err != nil {
		return nil, fmt.Errorf("create vision model: %w", err)
	}
	if s.metrics != nil {
		model = vision.NewInstrumented(model, s.metrics)
	}
	proc := caption.NewProcessor(model, job.template, job.opts)

	return jobs.BatchTask(func(ctx context.Context, out io.Writer) (models.BatchSummary, error) {
		caption.WriteTemplateBanner(out, job.template)
		summary, err := caption.NewRunner(proc, out, s.metrics).Run(ctx, job.imagesDir)
		if err != nil {
			return summary, err
		}
		summary.WriteReport(out)
		return summary, nil
	}), nil
}

// captionCommand builds the child process invocation for a process-mode job.
// The child gets the resolved images directory and provider settings explicitly and
// ignores any config file, so it captions exactly what the server resolved.
// The API key travels in the environment so it never shows up in process listings.
func captionCommand(executable string, job captionJob, cfg config.Config) jobs.Command {
	args := []string{
		"caption",
		"--provider", job.provider,
		"--parent-dir", job.parentDir,
		"--images-dir", job.imagesDir,
		"--num-views", strconv.Itoa(job.opts.NumViews),
		"--max-tokens", strconv.Itoa(job.opts.MaxTokens),
		"--rate-limit-delay", strconv.FormatFloat(job.opts.RateLimitDelay.Seconds(), 'f', -1, 64),
	}
	if job.model != "" {
		args = append(args, "--model", job.model)
	}
	if job.inline {
		args = append(args, "--template-json", string(job.template))
	} else {
		args = append(args, "--template-file", job.templateFile)
	}
	if job.opts.Overwrite {
		args = append(args, "--overwrite")
	}
	if !job.opts.UseRanking {
		args = append(args, "--no-ranking")
	}

	env := []string{
		"STRUCTCAP_CONFIG=",
		"STRUCTCAP_LOG_LEVEL=WARN",
		"STRUCTCAP_IMAGES_SUBDIR=" + cfg.ImagesSubdir,
	}
	for key, val := range map[string]string{
		"OPENAI_BASE_URL":    cfg.OpenAIBaseURL,
		"OLLAMA_HOST":        cfg.OllamaHost,
		"AWS_REGION":         cfg.AWSRegion,
		"STRUCTCAP_LOG_FILE": cfg.LogFile,
	} {
		if val != "" {
			env = append(env, key+"="+val)
		}
	}
	switch vision.Provider(job.provider) {
	case vision.ProviderAnthropic:
		env = append(env, "ANTHROPIC_API_KEY="+job.apiKey)
	case vision.ProviderOpenAI:
		env = append(env, "OPENAI_API_KEY="+job.apiKey)
	}

	return jobs.Command{Name: executable, Args: args, Env: env, Grace: cfg.StopGrace}
}

// exitCodeFatal is what the caption command exits with when the batch cannot run at all.
const exitCodeFatal = 1

// fatalAsFailure turns the caption child's fatal exit into a job failure, so a
// missing images directory ends the job the same way in both job modes. The
// child's "Error: " line becomes the failure message instead of an output line.
func fatalAsFailure(task jobs.Task) jobs.Task {
	return func(ctx context.Context, emit func(string)) (jobs.Result, error) {
		var pending string
		res, err := task(ctx, func(line string) {
			if pending != "" {
				emit(pending)
				pending = ""
			}
			if strings.HasPrefix(line, "Error: ") {
				pending = line
				return
			}
			emit(line)
		})
		if err == nil && res.ExitCode == exitCodeFatal && pending != "" {
			return jobs.Result{}, errors.New(strings.TrimPrefix(pending, "Error: "))
		}
		if pending != "" {
			emit(pending)
		}
		return res, err
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	grace := s.cfg.StopGrace
	if grace <= 0 {
		grace = jobs.DefaultStopGrace
	}
	ctx, cancel := context.WithTimeout(r.Context(), grace+5*time.Second)
	defer cancel()

	err := s.supervisor.Stop(ctx)
	switch {
	case errors.Is(err, jobs.ErrNoRunningJob):
		writeJSON(w, http.StatusOK, models.StopResponse{Status: models.StopStatusNotRunning})
	case err != nil:
		s.logger.Warn("job did not stop in time", "error", err)
		writeJSON(w, http.StatusAccepted, models.StopResponse{Status: models.StopStatusStopping})
	default:
		writeJSON(w, http.StatusOK, models.StopResponse{Status: models.StopStatusStopped})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.supervisor.Status())
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotImplemented, "run history not configured")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	views := make([]models.RunView, len(runs))
	for i, run := range runs {
		views[i] = run.View()
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotImplemented, "metrics not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
