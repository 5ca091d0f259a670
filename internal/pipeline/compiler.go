package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"conveyor/internal/cluster"
	"conveyor/internal/config"
	"conveyor/internal/spec"
	"conveyor/internal/state"
	"conveyor/internal/transform"
	"conveyor/internal/x12"
	"conveyor/sink"
	sinkfile "conveyor/sink/file"
	sinkkafka "conveyor/sink/kafka"
	"conveyor/sink/stdout"
	"conveyor/source"
	srcfile "conveyor/source/file"
	srckafka "conveyor/source/kafka"
)

const defaultAwaitTimeout = 30 * time.Second

// Overrides adjust a compiled pipeline file for one run.
type Overrides struct {
	// Input replaces the file source path and fills the {name} and {ext}
	// placeholders of the other paths.
	Input string
}

// Job is a compiled pipeline ready to run once.
type Job struct {
	*Runner
	App   App
	Spec  spec.File
	Input string
}

// Summary renders the app's report of res, or a generic one.
func (j *Job) Summary(res Result) string {
	if j.App.Summary != nil {
		return j.App.Summary(res)
	}
	return fmt.Sprintf("%d clusters written (%s)", res.ClustersWritten, res.Status)
}

// Compile builds a Job from a pipeline file and the registered app it names.
func Compile(path string, ov Overrides) (*Job, error) {
	cfg, err := config.LoadPipelineSpec(path)
	if err != nil {
		return nil, err
	}
	app, err := lookupApp(cfg.App)
	if err != nil {
		return nil, err
	}
	if len(app.Lanes) > 0 && len(app.Lanes) != len(cfg.Lanes) {
		return nil, fmt.Errorf("app %s routes to %d lanes, pipeline declares %d", cfg.App, len(app.Lanes), len(cfg.Lanes))
	}

	input := cfg.Source.Path
	if ov.Input != "" {
		input = ov.Input
	}
	expand := placeholders(input)

	rc, err := runnerConfig(cfg, app)
	if err != nil {
		return nil, err
	}
	r := NewRunner(rc)

	// sinks without an element separator follow the one the source detects
	detected := &x12.Detected{}
	src, err := buildSource(cfg.Source, input, expand, detected)
	if err != nil {
		return nil, err
	}
	r.SetSource(src)

	for i, l := range cfg.Lanes {
		if l.Name == "" && i < len(app.Lanes) {
			l.Name = app.Lanes[i]
		}
		s, err := buildSink(l, cfg, expand, detected)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("lane %d: %w", i, err), closeAll(r.sinks))
		}
		r.AddSink(s)
	}
	return &Job{Runner: r, App: app, Spec: cfg, Input: input}, nil
}

func runnerConfig(cfg spec.File, app App) (Config, error) {
	specs := app.State
	if len(cfg.State.Entries) > 0 {
		specs = cfg.State.Entries
	}
	entries, err := state.ParseEntries(specs)
	if err != nil {
		return Config{}, err
	}

	cc := app.Cluster
	if v := cfg.Clustering.MarkerStartsCluster; v != nil {
		cc.MarkerStartsCluster = *v
	}
	if v := cfg.Clustering.PrependHead; v != nil {
		cc.PrependHead = *v
	}
	if v := cfg.Clustering.AppendFoot; v != nil {
		cc.AppendFoot = *v
	}
	if cfg.Clustering.Deferral != "" {
		cc.Deferral = cluster.DeferralPolicy(cfg.Clustering.Deferral)
	}
	if cc.Deferral != "" && !cc.Deferral.Valid() {
		return Config{}, fmt.Errorf("clustering.deferral %q must be none, per_cluster or until_record_initiation", cc.Deferral)
	}

	tc := transform.Config{
		Concurrency: cfg.Transform.Concurrency,
		MaxInFlight: cfg.Transform.MaxInFlight,
		Policy:      transform.ErrorPolicy(cfg.Transform.ErrorPolicy),
	}
	if tc.Policy != "" && !tc.Policy.Valid() {
		return Config{}, fmt.Errorf("transform.error_policy %q must be abort, drain or skip", tc.Policy)
	}
	await := defaultAwaitTimeout
	if ms := cfg.Transform.AwaitTimeoutMS; ms > 0 {
		await = time.Duration(ms) * time.Millisecond
	}

	return Config{
		State:        entries,
		AwaitTimeout: await,
		Cluster:      cc,
		Transform:    tc,
		Func:         app.Transform,
		Router:       app.Router,
	}, nil
}

func buildSource(s spec.SourceSpec, input string, expand func(string) string, detected *x12.Detected) (source.Adapter, error) {
	src, err := source.NewAdapter(s.Kind)
	if err != nil {
		return nil, err
	}
	switch s.Kind {
	case "file":
		if input == "" {
			return nil, errors.New("file source: no input path")
		}
		err = src.Configure(srcfile.Config{Path: input, SegmentTerminator: s.SegmentTerminator, Detected: detected})
	case "kafka":
		var kc srckafka.Config
		if kc, err = srckafka.LoadConfig(expand(s.Config)); err != nil {
			return nil, err
		}
		if s.SegmentTerminator != "" {
			kc.SegmentTerminator = s.SegmentTerminator
		}
		kc.Detected = detected
		err = src.Configure(kc)
	default:
		err = fmt.Errorf("no config block for source %q", s.Kind)
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

func buildSink(l spec.LaneSpec, cfg spec.File, expand func(string) string, detected *x12.Detected) (sink.Adapter, error) {
	s, err := sink.NewAdapter(l.Kind)
	if err != nil {
		return nil, err
	}
	switch l.Kind {
	case "file":
		err = s.Configure(sinkfile.Config{
			Path:              expand(l.Path),
			ElementSeparator:  l.ElementSeparator,
			SegmentTerminator: l.SegmentTerminator,
			Detected:          detected,
		})
	case "stdout":
		err = s.Configure(stdout.Config{
			Lane:         l.Name,
			DelayMS:      cfg.Debug.PerRecordDelayMS,
			PrintCounter: cfg.Debug.PrintCounter,
			Detected:     detected,
		})
	case "kafka":
		var kc sinkkafka.Config
		if kc, err = sinkkafka.LoadConfig(expand(l.Config)); err != nil {
			return nil, err
		}
		if kc.Key == "" {
			kc.Key = l.Name
		}
		if l.ElementSeparator != "" {
			kc.ElementSeparator = l.ElementSeparator
		}
		if l.SegmentTerminator != "" {
			kc.SegmentTerminator = l.SegmentTerminator
		}
		kc.Detected = detected
		err = s.Configure(kc)
	default:
		err = fmt.Errorf("no config block for sink %q", l.Kind)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// placeholders fills {name} and {ext} from the input file name. Without an
// input file (a Kafka source) {name} becomes "stream" and {ext} ".x12".
func placeholders(input string) func(string) string {
	name, ext := "stream", ".x12"
	if input != "" {
		base := filepath.Base(input)
		ext = filepath.Ext(base)
		name = strings.TrimSuffix(base, ext)
	}
	return strings.NewReplacer("{name}", name, "{ext}", ext).Replace
}

func closeAll(sinks []sink.Adapter) error {
	var errs *multierror.Error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
