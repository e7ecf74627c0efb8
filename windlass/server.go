package windlass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"windlass.sh/core/log"
	"windlass.sh/core/notifier"
	"windlass.sh/core/pipeline"
	"windlass.sh/core/windlass/config"
	"windlass.sh/core/windlass/db"
	"windlass.sh/core/windlass/engine"
	"windlass.sh/core/windlass/models"
	"windlass.sh/core/windlass/queue"

	"github.com/urfave/cli/v3"
)

type Windlass struct {
	ctx       context.Context
	db        *db.DB
	l         *slog.Logger
	n         *notifier.Notifier
	eng       *engine.Engine
	jq        *queue.Queue
	cfg       *config.Config
	pipelines map[string]pipeline.Pipeline
}

func Command() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "run the windlass daemon",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return Run(ctx)
		},
	}
}

func Run(ctx context.Context) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}

	n := notifier.New()

	eng := engine.New(ctx, &statusReporter{db: d, n: &n}, cfg.Pipelines.LogDir)

	jq := queue.NewQueue(cfg.Pipelines.QueueSize, cfg.Pipelines.Workers)

	pipelines, err := LoadDir(ctx, cfg.Pipelines)
	if err != nil {
		return fmt.Errorf("failed to load pipelines: %w", err)
	}
	for name := range pipelines {
		logger.Info("loaded pipeline", "name", name)
	}

	s := Windlass{
		ctx:       ctx,
		db:        d,
		l:         logger,
		n:         &n,
		eng:       eng,
		jq:        jq,
		cfg:       cfg,
		pipelines: pipelines,
	}

	// starts run workers in the background
	jq.Start()
	defer jq.Stop()

	logger.Info("starting windlass server", "address", cfg.Server.ListenAddr)
	logger.Error("server error", "error", http.ListenAndServe(cfg.Server.ListenAddr, s.Router()))

	return nil
}

// LoadDir reads every pipeline file in the configured directory.
// Invalid files are skipped with a diagnostic rather than taking the
// daemon down; a missing directory is an empty set.
func LoadDir(ctx context.Context, cfg config.Pipelines) (map[string]pipeline.Pipeline, error) {
	l := log.FromContext(ctx)
	pipelines := make(map[string]pipeline.Pipeline)

	entries, err := os.ReadDir(cfg.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return pipelines, nil
	}
	if err != nil {
		return nil, err
	}

	defaultTimeout, err := pipeline.ParseDefaultTimeout(cfg.DefaultTimeout)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}

		contents, err := os.ReadFile(filepath.Join(cfg.Dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		name := strings.TrimSuffix(entry.Name(), ext)
		p, err := pipeline.FromFile(name, contents)
		if err != nil {
			l.Warn("skipping pipeline: parse error", "file", entry.Name(), "error", err)
			continue
		}
		if err := p.Validate(); err != nil {
			l.Warn("skipping pipeline: invalid", "file", entry.Name(), "error", err)
			continue
		}

		p.ApplyDefaultTimeout(defaultTimeout)
		pipelines[p.Name] = p
	}

	return pipelines, nil
}

func (s *Windlass) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(s.RequestLogger)

	mux.Post("/pipelines/{name}/runs", s.TriggerRun)
	mux.Get("/pipelines", s.ListPipelines)
	mux.Get("/runs", s.ListRuns)
	mux.Get("/runs/{id}", s.GetRun)
	mux.Get("/logs/{id}", s.Logs)
	mux.HandleFunc("/events", s.Events)

	return mux
}

func (s *Windlass) TriggerRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	p, ok := s.pipelines[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown pipeline %q", name))
		return
	}

	var trigger pipeline.Trigger
	if err := json.NewDecoder(r.Body).Decode(&trigger); err != nil {
		writeError(w, http.StatusBadRequest, "invalid trigger body")
		return
	}
	if err := trigger.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !p.Matches(trigger) {
		writeJSON(w, http.StatusOK, map[string]any{"matched": false})
		return
	}

	rid := models.NewRunId()
	if err := s.db.CreateRun(rid, p.Name, trigger, s.n); err != nil {
		s.l.Error("failed to create run", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	ok = s.jq.Enqueue(queue.Job{
		Run: func() error {
			_, err := s.eng.Run(s.ctx, rid, p, trigger)
			return err
		},
		OnFail: func(jobError error) {
			s.l.Error("run aborted", "run", rid, "error", jobError)
			if err := s.db.MarkRunFailed(rid, jobError.Error(), s.n); err != nil {
				s.l.Error("failed to mark run failed", "run", rid, "error", err)
			}
		},
	})
	if !ok {
		s.l.Error("failed to enqueue run: queue is full", "run", rid)
		writeError(w, http.StatusServiceUnavailable, "queue is full")
		return
	}

	s.l.Info("run enqueued successfully", "run", rid, "pipeline", p.Name)
	writeJSON(w, http.StatusAccepted, map[string]any{"matched": true, "run": rid})
}

func (s *Windlass) ListPipelines(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.pipelines))
	for name := range s.pipelines {
		names = append(names, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": names})
}

func (s *Windlass) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.GetRuns(r.URL.Query().Get("cursor"))
	if err != nil {
		s.l.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Windlass) GetRun(w http.ResponseWriter, r *http.Request) {
	rid := models.RunId(chi.URLParam(r, "id"))

	run, err := s.db.GetRun(rid)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown run %q", rid))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Windlass) Logs(w http.ResponseWriter, r *http.Request) {
	rid := models.RunId(chi.URLParam(r, "id"))

	file, err := engine.OpenLogFile(s.cfg.Pipelines.LogDir, rid)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no logs for run %q", rid))
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "application/jsonlines")
	io.Copy(w, file)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
