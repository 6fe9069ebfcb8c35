// Package pipeline runs the three estimation stages in order.
//
// Each stage is rendered into its own directory of the workspace, run
// through the engine, and reported on. Stage 1's logit matrix and saved
// data feed both later stages. A Gate is consulted after every stage and
// may stop the run. Nothing is retried: the first error ends the run and
// is returned tagged with its stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"threestep/internal/config"
	"threestep/internal/dataset"
	"threestep/internal/engine"
	"threestep/internal/extract"
	"threestep/internal/failure"
	"threestep/internal/interp"
	"threestep/internal/output"
	"threestep/internal/render"
	"threestep/internal/report"
	"threestep/internal/spec"
	"threestep/internal/workspace"
)

// Pipeline holds everything a run needs.
type Pipeline struct {
	Config *config.Config
	Engine engine.Engine
	Gate   Gate
	Logger *slog.Logger
}

// New returns a Pipeline. A nil gate proceeds through every checkpoint
// subject to the configured drift tolerance.
func New(cfg *config.Config, eng engine.Engine, gate Gate, logger *slog.Logger) *Pipeline {
	if gate == nil {
		gate = AutoGate{Tolerance: cfg.DriftTolerance}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{Config: cfg, Engine: eng, Gate: gate, Logger: logger}
}

// StageOutcome is what one completed stage produced.
type StageOutcome struct {
	Name     string
	Spec     *spec.ModelSpec
	Rendered *render.RenderedSpec
	Result   *output.Result
}

// Outcome is the result of a run. On error it holds the stages that
// completed before the failure.
type Outcome struct {
	RunID     string
	Dir       string
	Stages    []StageOutcome
	Logits    *interp.LogitMatrix
	SavedData *dataset.Dataset
}

// Stage returns the outcome of the named stage, if it completed.
func (o *Outcome) Stage(name string) (StageOutcome, bool) {
	for _, s := range o.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageOutcome{}, false
}

// LoadData reads the configured input dataset.
func LoadData(cfg *config.Config) (*dataset.Dataset, error) {
	d, err := dataset.LoadCSV(cfg.DataPath(), cfg.Data.NA...)
	if err != nil {
		return nil, fmt.Errorf("load data: %w", err)
	}
	return d, nil
}

// Render builds and writes the stage-1 files without running anything.
func Render(cfg *config.Config, dir string) (*render.RenderedSpec, error) {
	data, err := LoadData(cfg)
	if err != nil {
		return nil, err
	}
	s, err := Stage1Spec(cfg, data)
	if err != nil {
		return nil, failure.WithStage(Stage1, err)
	}
	r, err := render.Render(s, dir)
	if err != nil {
		return nil, failure.WithStage(Stage1, err)
	}
	if err := render.Write(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Run executes all three stages into the configured output directory.
func (p *Pipeline) Run(ctx context.Context) (*Outcome, error) {
	cfg := p.Config
	data, err := LoadData(cfg)
	if err != nil {
		return nil, err
	}

	ws, err := workspace.Create(cfg.OutputPath(), cfg.Title, p.Engine.Name())
	if err != nil {
		return nil, err
	}
	log := p.Logger.With("run", ws.Manifest.RunID)
	out := &Outcome{RunID: ws.Manifest.RunID, Dir: ws.Dir}
	for _, in := range []string{cfg.Path, cfg.DataPath()} {
		if in == "" {
			continue
		}
		if _, err := ws.CopyInput(in); err != nil {
			return out, err
		}
	}
	log.Info("run started", "dir", ws.Dir, "engine", p.Engine.Name(), "classes", cfg.Model.Classes)

	err = p.run(ctx, ws, log, data, out)
	if ierr := p.writeIndex(ws); ierr != nil && err == nil {
		err = ierr
	}
	if err != nil {
		log.Error("run stopped", "error", err)
		return out, err
	}
	log.Info("run finished")
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, ws *workspace.Workspace, log *slog.Logger, data *dataset.Dataset, out *Outcome) error {
	cfg := p.Config
	k := cfg.Model.Classes

	// stage 1: enumeration
	s1, err := Stage1Spec(cfg, data)
	if err != nil {
		return failure.WithStage(Stage1, err)
	}
	st1, err := p.stage(ctx, ws, log, s1, nil)
	if err != nil {
		return err
	}
	out.Stages = append(out.Stages, st1)

	logits, err := extract.Logits(st1.Result, k, cfg.ReferenceClass())
	if err != nil {
		return failure.WithStage(Stage1, err)
	}
	saved, err := extract.SavedData(st1.Result, st1.Rendered.Dir, extract.SavedDataOptions{
		Classes:      k,
		LatentColumn: cfg.LatentColumn(),
		ClassColumn:  cfg.Model.PseudoClass,
		Keep:         auxiliaries(cfg),
	})
	if err != nil {
		return failure.WithStage(Stage1, err)
	}
	out.Logits, out.SavedData = &logits, saved
	log.Info("stage 1 extracted", "logits", fmt.Sprintf("%dx%d", logits.Rows(), logits.Cols()), "cases", saved.Len())

	if err := p.inspect(ctx, ws, Checkpoint{
		Stage: Stage1, Next: Stage2, Result: st1.Result,
		ReportPath: filepath.Join(st1.Rendered.Dir, report.ReportFile),
		Logits:     &logits, SavedData: saved,
	}); err != nil {
		return err
	}

	// stage 2: covariates
	s2, err := Stage2Spec(cfg, saved, logits)
	if err != nil {
		return failure.WithStage(Stage2, err)
	}
	st2, err := p.stage(ctx, ws, log, s2, st1.Result)
	if err != nil {
		return err
	}
	out.Stages = append(out.Stages, st2)

	cp := Checkpoint{
		Stage: Stage2, Next: Stage3, Result: st2.Result,
		ReportPath: filepath.Join(st2.Rendered.Dir, report.ReportFile),
	}
	if base, cur := modelCounts(st1.Result), modelCounts(st2.Result); base != nil && cur != nil {
		d, err := report.MaxDrift(base, cur)
		if err != nil {
			return failure.WithStage(Stage2, failure.Mismatchf("%v", err))
		}
		cp.MaxDrift = &d
		log.Info("class proportion drift", "stage", Stage2, "max", d)
	}
	if err := p.inspect(ctx, ws, cp); err != nil {
		return err
	}

	// stage 3: distal outcomes
	s3, err := Stage3Spec(cfg, saved, logits)
	if err != nil {
		return failure.WithStage(Stage3, err)
	}
	st3, err := p.stage(ctx, ws, log, s3, st1.Result)
	if err != nil {
		return err
	}
	out.Stages = append(out.Stages, st3)

	return p.inspect(ctx, ws, Checkpoint{
		Stage: Stage3, Result: st3.Result,
		ReportPath: filepath.Join(st3.Rendered.Dir, report.ReportFile),
	})
}

// stage renders s, runs it and writes its report. baseline, when set,
// supplies the stage-1 proportions the report compares against.
func (p *Pipeline) stage(ctx context.Context, ws *workspace.Workspace, log *slog.Logger, s *spec.ModelSpec, baseline *output.Result) (StageOutcome, error) {
	dir, err := ws.StageDir(s.Name)
	if err != nil {
		return StageOutcome{}, err
	}
	r, err := render.Render(s, dir)
	if err != nil {
		return StageOutcome{}, failure.WithStage(s.Name, err)
	}
	if err := render.Write(r); err != nil {
		return StageOutcome{}, failure.WithStage(s.Name, err)
	}
	rec := workspace.StageRecord{Name: s.Name, Input: r.InputFile, SHA256: r.SHA256(), Status: workspace.StatusRendered}
	if err := ws.Record(rec); err != nil {
		return StageOutcome{}, err
	}
	log.Info("stage rendered", "stage", s.Name, "input", r.InputPath(), "sha256", rec.SHA256)

	res, err := p.Engine.Run(ctx, r)
	if err != nil {
		rec.Status, rec.Error = workspace.StatusFailed, err.Error()
		if rerr := ws.Record(rec); rerr != nil {
			log.Warn("manifest update failed", "error", rerr)
		}
		for _, d := range failure.Diagnostics(err) {
			log.Error("engine diagnostic", "stage", s.Name, "text", d)
		}
		return StageOutcome{}, failure.WithStage(s.Name, err)
	}
	for _, w := range res.Warnings {
		log.Warn("engine warning", "stage", s.Name, "text", w)
	}

	rs := report.Stage{
		Name:    s.Name,
		RunID:   ws.Manifest.RunID,
		Classes: s.Variable.Classes.K,
		Input:   r.InputFile,
		Result:  res,
	}
	if baseline != nil {
		rs.Baseline = modelCounts(baseline)
	}
	pages, err := report.Generate(rs)
	if err != nil {
		return StageOutcome{}, failure.WithStage(s.Name, err)
	}
	if err := report.Write(pages, dir); err != nil {
		return StageOutcome{}, failure.WithStage(s.Name, err)
	}

	rec.Status = workspace.StatusDone
	if err := ws.Record(rec); err != nil {
		return StageOutcome{}, err
	}
	log.Info("stage done", "stage", s.Name, "warnings", len(res.Warnings))
	return StageOutcome{Name: s.Name, Spec: s, Rendered: r, Result: res}, nil
}

func (p *Pipeline) inspect(ctx context.Context, ws *workspace.Workspace, cp Checkpoint) error {
	err := p.Gate.Inspect(ctx, cp)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrHalted) {
		if rec, ok := ws.Stage(cp.Stage); ok {
			rec.Status = workspace.StatusHalted
			rec.Error = err.Error()
			if rerr := ws.Record(rec); rerr != nil {
				return rerr
			}
		}
	}
	return failure.WithStage(cp.Stage, err)
}

// writeIndex links every stage report that exists.
func (p *Pipeline) writeIndex(ws *workspace.Workspace) error {
	var metas []report.Meta
	for _, s := range ws.Manifest.Stages {
		m, err := report.ReadMeta(filepath.Join(ws.Dir, s.Dir, report.ReportFile))
		if err != nil {
			continue
		}
		metas = append(metas, *m)
	}
	doc, err := report.Index(p.Config.Title, ws.Manifest.RunID, metas)
	if err != nil {
		return err
	}
	return report.Write(report.Pages{report.IndexFile: doc}, ws.Dir)
}

func modelCounts(r *output.Result) []output.ClassCount {
	if r == nil || r.ClassCounts == nil {
		return nil
	}
	return r.ClassCounts.Model
}
