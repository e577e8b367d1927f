package params

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// Valid values for the enumerated options.
const (
	ValidModeStep  = "step"
	ValidModeEpoch = "epoch"

	BackendLocal = "local"
	BackendGRPC  = "grpc"
)

var (
	Optimizers      = []string{"adamw", "adam", "sgd"}
	DecayStyles     = []string{"linear", "cosine", "inverse_sqrt", "constant"}
	DatasetTypes    = []string{"binary", "jsonl", "text", "parquet", "sqlite"}
	FormatterTypes  = []string{"tokenized", "text"}
	TokenizerTypes  = []string{"piece", "bpe"}
	OutputFunctions = []string{"basic", "ppl", "acc"}
)

// ConfigError reports a missing, malformed or out-of-range option.
type ConfigError struct {
	Section string
	Key     string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config: [%s]: %s", e.Section, e.Reason)
	}
	return fmt.Sprintf("config: [%s] %s: %s", e.Section, e.Key, e.Reason)
}

// RunConfig is the typed snapshot of every section. It is built once by Load
// and must be treated as read-only afterwards.
type RunConfig struct {
	Train       TrainConfig
	Eval        EvalConfig
	Distributed DistributedConfig
	Data        DataConfig
	Model       ModelConfig
	Output      OutputConfig
}

type TrainConfig struct {
	Epoch         int     // maximum passes over the training shards
	BatchSize     int     // samples per micro-batch
	Shuffle       bool    // random shard interleaving
	ReaderNum     int     // concurrent shard readers / prefetch depth
	Optimizer     string  // adamw | adam | sgd
	LearningRate  float64 // peak learning rate
	WeightDecay   float64 // decoupled, 0 disables
	StepSize      int     // micro-batches accumulated per optimizer step
	LRMultiplier  float64 // applied on top of the schedule
	MaxLen        int     // tokens per sample after packing
	MLMProb       float64 // per-token selection probability
	WarmupSteps   int     // linear warmup steps
	TrainingSteps int     // step budget
	MaxGradNorm   float64 // 0 disables clipping
	FP16          bool    // dynamic loss scaling + half gradient storage
	ValidMode     string  // step | epoch
	StepEpoch     int     // steps between evaluations in step mode

	// Optional knobs with defaults.
	Seed            int64
	DecayStyle      string
	AdamBeta1       float64
	AdamBeta2       float64
	AdamEps         float64
	LossScale       float64 // initial dynamic loss scale
	LossScaleWindow int     // overflow-free steps before the scale doubles
	MinLossScale    float64
	Hysteresis      int // consecutive overflows before the scale halves
	MaxSkippedSteps int // consecutive overflows tolerated before failing
	Resume          bool
}

type EvalConfig struct {
	BatchSize int
	Shuffle   bool
	ReaderNum int
}

type DistributedConfig struct {
	Use     bool
	Backend string // local | grpc

	WorldSize         int
	Rank              int
	MasterAddr        string
	MasterPort        int
	Timeout           time.Duration // rendezvous
	CollectiveTimeout time.Duration
}

// Address is the rendezvous endpoint hosted by rank 0.
func (d DistributedConfig) Address() string {
	return fmt.Sprintf("%s:%d", d.MasterAddr, d.MasterPort)
}

type DataConfig struct {
	TrainDatasetType   string
	TrainFormatterType string
	TrainData          string   // root path
	TrainFiles         []string // shard names under TrainData
	ValidDatasetType   string
	ValidFormatterType string
	ValidData          string
	ValidFiles         []string

	TokenizerType string
	TokenizerPath string
}

type ModelConfig struct {
	ModelName string
	VocabSize int
	DModel    int
}

type OutputConfig struct {
	OutputTime     int    // log every N steps
	TestTime       int    // checkpoint every N steps (step mode) or epochs (epoch mode)
	ModelPath      string // checkpoint root
	ModelName      string // checkpoint subdirectory and file prefix
	OutputFunction string // basic | ppl | acc
	KeepLast       int    // 0 keeps every checkpoint
}

// Load reads and validates the configuration file at path.
func Load(path string) (*RunConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(&ConfigError{Section: "*", Reason: err.Error()}, "load %s", path)
	}
	return Parse(raw)
}

// Parse builds a RunConfig from sectioned key/value text.
func Parse(src []byte) (*RunConfig, error) {
	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, src)
	if err != nil {
		return nil, &ConfigError{Section: "*", Reason: err.Error()}
	}
	r := &reader{file: f}
	cfg := &RunConfig{}

	t := &cfg.Train
	t.Epoch = r.posInt("train", "epoch")
	t.BatchSize = r.posInt("train", "batch_size")
	t.Shuffle = r.boolean("train", "shuffle")
	t.ReaderNum = r.posInt("train", "reader_num")
	t.Optimizer = r.oneOf("train", "optimizer", Optimizers)
	t.LearningRate = r.float("train", "learning_rate")
	t.WeightDecay = r.float("train", "weight_decay")
	t.StepSize = r.posInt("train", "step_size")
	t.LRMultiplier = r.float("train", "lr_multiplier")
	t.MaxLen = r.posInt("train", "max_len")
	t.MLMProb = r.float("train", "mlm_prob")
	t.WarmupSteps = r.integer("train", "warmup_steps")
	t.TrainingSteps = r.posInt("train", "training_steps")
	t.MaxGradNorm = r.float("train", "max_grad_norm")
	t.FP16 = r.boolean("train", "fp16")
	t.ValidMode = r.oneOf("train", "valid_mode", []string{ValidModeStep, ValidModeEpoch})
	t.StepEpoch = r.posInt("train", "step_epoch")

	t.Seed = int64(r.optInt("train", "seed", 42))
	t.DecayStyle = r.optOneOf("train", "decay_style", DecayStyles, "linear")
	t.AdamBeta1 = r.optFloat("train", "adam_beta1", 0.9)
	t.AdamBeta2 = r.optFloat("train", "adam_beta2", 0.999)
	t.AdamEps = r.optFloat("train", "adam_eps", 1e-8)
	t.LossScale = r.optFloat("train", "loss_scale", 65536)
	t.LossScaleWindow = r.optInt("train", "loss_scale_window", 1000)
	t.MinLossScale = r.optFloat("train", "min_loss_scale", 1)
	t.Hysteresis = r.optInt("train", "hysteresis", 1)
	t.MaxSkippedSteps = r.optInt("train", "max_skipped_steps", 50)
	t.Resume = r.optBool("train", "resume", true)

	e := &cfg.Eval
	e.BatchSize = r.posInt("eval", "batch_size")
	e.Shuffle = r.boolean("eval", "shuffle")
	e.ReaderNum = r.posInt("eval", "reader_num")

	d := &cfg.Distributed
	d.Use = r.boolean("distributed", "use")
	d.Backend = r.oneOf("distributed", "backend", []string{BackendLocal, BackendGRPC})
	d.WorldSize = r.envInt("distributed", "world_size", "WORLD_SIZE", 1)
	d.Rank = r.envInt("distributed", "rank", "RANK", 0)
	d.MasterAddr = r.envString("distributed", "master_addr", "MASTER_ADDR", "localhost")
	d.MasterPort = r.envInt("distributed", "master_port", "MASTER_PORT", 6000)
	d.Timeout = time.Duration(r.optInt("distributed", "timeout_seconds", 60)) * time.Second
	d.CollectiveTimeout = time.Duration(r.optInt("distributed", "collective_timeout_seconds", 600)) * time.Second

	dc := &cfg.Data
	dc.TrainDatasetType = r.oneOf("data", "train_dataset_type", DatasetTypes)
	dc.TrainFormatterType = r.oneOf("data", "train_formatter_type", FormatterTypes)
	dc.TrainData = r.str("data", "train_data")
	dc.TrainFiles = r.list("data", "train_files")
	dc.ValidDatasetType = r.oneOf("data", "valid_dataset_type", DatasetTypes)
	dc.ValidFormatterType = r.oneOf("data", "valid_formatter_type", FormatterTypes)
	dc.ValidData = r.str("data", "valid_data")
	dc.ValidFiles = r.list("data", "valid_files")
	dc.TokenizerType = r.optOneOf("data", "tokenizer_type", TokenizerTypes, "piece")
	dc.TokenizerPath = r.optString("data", "tokenizer_path", "")

	m := &cfg.Model
	m.ModelName = r.str("model", "model_name")
	m.VocabSize = r.optInt("model", "vocab_size", 16384)
	m.DModel = r.optInt("model", "d_model", 64)

	o := &cfg.Output
	o.OutputTime = r.posInt("output", "output_time")
	o.TestTime = r.posInt("output", "test_time")
	o.ModelPath = r.str("output", "model_path")
	o.ModelName = r.str("output", "model_name")
	o.OutputFunction = r.oneOf("output", "output_function", OutputFunctions)
	o.KeepLast = r.optInt("output", "keep_last", 0)

	if r.err != nil {
		return nil, r.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks the ranges and cross-key constraints that single-key
// parsing cannot see.
func (c *RunConfig) validate() error {
	t := c.Train
	switch {
	case t.LearningRate <= 0:
		return &ConfigError{"train", "learning_rate", "must be > 0"}
	case t.WeightDecay < 0:
		return &ConfigError{"train", "weight_decay", "must be >= 0"}
	case t.MaxGradNorm < 0:
		return &ConfigError{"train", "max_grad_norm", "must be >= 0 (0 disables clipping)"}
	case t.LRMultiplier <= 0:
		return &ConfigError{"train", "lr_multiplier", "must be > 0"}
	case t.MLMProb < 0 || t.MLMProb > 1:
		return &ConfigError{"train", "mlm_prob", "must be within [0, 1]"}
	case t.WarmupSteps < 0 || t.WarmupSteps > t.TrainingSteps:
		return &ConfigError{"train", "warmup_steps", fmt.Sprintf("must be within [0, training_steps=%d]", t.TrainingSteps)}
	case t.AdamBeta1 < 0 || t.AdamBeta1 >= 1:
		return &ConfigError{"train", "adam_beta1", "must be within [0, 1)"}
	case t.AdamBeta2 < 0 || t.AdamBeta2 >= 1:
		return &ConfigError{"train", "adam_beta2", "must be within [0, 1)"}
	case t.FP16 && t.LossScale <= 0:
		return &ConfigError{"train", "loss_scale", "must be > 0"}
	case t.FP16 && (t.MinLossScale <= 0 || t.MinLossScale > t.LossScale):
		return &ConfigError{"train", "min_loss_scale", "must be within (0, loss_scale]"}
	case t.LossScaleWindow <= 0:
		return &ConfigError{"train", "loss_scale_window", "must be > 0"}
	case t.Hysteresis <= 0:
		return &ConfigError{"train", "hysteresis", "must be > 0"}
	case t.MaxSkippedSteps <= 0:
		return &ConfigError{"train", "max_skipped_steps", "must be > 0"}
	}

	d := c.Distributed
	if !d.Use && d.WorldSize != 1 {
		return &ConfigError{"distributed", "world_size", "must be 1 when use=false"}
	}
	if d.WorldSize <= 0 {
		return &ConfigError{"distributed", "world_size", "must be > 0"}
	}
	if d.Rank < 0 || d.Rank >= d.WorldSize {
		return &ConfigError{"distributed", "rank", fmt.Sprintf("must be within [0, %d)", d.WorldSize)}
	}
	if d.Timeout <= 0 || d.CollectiveTimeout <= 0 {
		return &ConfigError{"distributed", "timeout_seconds", "timeouts must be > 0"}
	}

	dc := c.Data
	if len(dc.TrainFiles) == 0 {
		return &ConfigError{"data", "train_files", "no shard names"}
	}
	if len(dc.ValidFiles) == 0 {
		return &ConfigError{"data", "valid_files", "no shard names"}
	}
	if (dc.TrainFormatterType == "text" || dc.ValidFormatterType == "text") && dc.TokenizerPath == "" {
		return &ConfigError{"data", "tokenizer_path", "required by the text formatter"}
	}

	m := c.Model
	if m.VocabSize < 5 {
		return &ConfigError{"model", "vocab_size", "must hold the special tokens (>= 5)"}
	}
	if m.DModel <= 0 {
		return &ConfigError{"model", "d_model", "must be > 0"}
	}
	if c.Output.KeepLast < 0 {
		return &ConfigError{"output", "keep_last", "must be >= 0"}
	}
	return nil
}

// reader keeps the first error and turns every later lookup into a no-op, so
// Parse reads like a flat list of declarations.
type reader struct {
	file *ini.File
	err  error
}

func (r *reader) fail(section, key, reason string) {
	if r.err == nil {
		r.err = &ConfigError{Section: section, Key: key, Reason: reason}
	}
}

func (r *reader) lookup(section, key string, required bool) (*ini.Key, bool) {
	if r.err != nil {
		return nil, false
	}
	sec, err := r.file.GetSection(section)
	if err != nil {
		if required {
			r.fail(section, "", "missing section")
		}
		return nil, false
	}
	if !sec.HasKey(key) {
		if required {
			r.fail(section, key, "missing required key")
		}
		return nil, false
	}
	k := sec.Key(key)
	if strings.TrimSpace(k.String()) == "" {
		if required {
			r.fail(section, key, "empty value")
		}
		return nil, false
	}
	return k, true
}

func (r *reader) str(section, key string) string {
	k, ok := r.lookup(section, key, true)
	if !ok {
		return ""
	}
	return strings.TrimSpace(k.String())
}

func (r *reader) optString(section, key, def string) string {
	k, ok := r.lookup(section, key, false)
	if !ok {
		return def
	}
	return strings.TrimSpace(k.String())
}

func (r *reader) integer(section, key string) int {
	k, ok := r.lookup(section, key, true)
	if !ok {
		return 0
	}
	v, err := k.Int()
	if err != nil {
		r.fail(section, key, fmt.Sprintf("not an integer: %q", k.String()))
	}
	return v
}

func (r *reader) posInt(section, key string) int {
	v := r.integer(section, key)
	if r.err == nil && v <= 0 {
		r.fail(section, key, "must be > 0")
	}
	return v
}

func (r *reader) optInt(section, key string, def int) int {
	k, ok := r.lookup(section, key, false)
	if !ok {
		return def
	}
	v, err := k.Int()
	if err != nil {
		r.fail(section, key, fmt.Sprintf("not an integer: %q", k.String()))
	}
	return v
}

func (r *reader) float(section, key string) float64 {
	k, ok := r.lookup(section, key, true)
	if !ok {
		return 0
	}
	v, err := k.Float64()
	if err != nil {
		r.fail(section, key, fmt.Sprintf("not a number: %q", k.String()))
	}
	return v
}

func (r *reader) optFloat(section, key string, def float64) float64 {
	k, ok := r.lookup(section, key, false)
	if !ok {
		return def
	}
	v, err := k.Float64()
	if err != nil {
		r.fail(section, key, fmt.Sprintf("not a number: %q", k.String()))
	}
	return v
}

func (r *reader) boolean(section, key string) bool {
	k, ok := r.lookup(section, key, true)
	if !ok {
		return false
	}
	v, err := k.Bool()
	if err != nil {
		r.fail(section, key, fmt.Sprintf("not a boolean: %q", k.String()))
	}
	return v
}

func (r *reader) optBool(section, key string, def bool) bool {
	k, ok := r.lookup(section, key, false)
	if !ok {
		return def
	}
	v, err := k.Bool()
	if err != nil {
		r.fail(section, key, fmt.Sprintf("not a boolean: %q", k.String()))
	}
	return v
}

func (r *reader) list(section, key string) []string {
	k, ok := r.lookup(section, key, true)
	if !ok {
		return nil
	}
	var out []string
	for _, s := range k.Strings(",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (r *reader) oneOf(section, key string, allowed []string) string {
	v := strings.ToLower(r.str(section, key))
	if r.err == nil && !slices.Contains(allowed, v) {
		r.fail(section, key, fmt.Sprintf("%q is not one of %s", v, strings.Join(allowed, ", ")))
	}
	return v
}

func (r *reader) optOneOf(section, key string, allowed []string, def string) string {
	v := strings.ToLower(r.optString(section, key, def))
	if r.err == nil && !slices.Contains(allowed, v) {
		r.fail(section, key, fmt.Sprintf("%q is not one of %s", v, strings.Join(allowed, ", ")))
	}
	return v
}

// envInt lets launcher variables (WORLD_SIZE, RANK, MASTER_PORT) win over the file.
func (r *reader) envInt(section, key, env string, def int) int {
	if s, ok := os.LookupEnv(env); ok && s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			r.fail(section, key, fmt.Sprintf("$%s is not an integer: %q", env, s))
		}
		return v
	}
	return r.optInt(section, key, def)
}

func (r *reader) envString(section, key, env, def string) string {
	if s, ok := os.LookupEnv(env); ok && s != "" {
		return s
	}
	return r.optString(section, key, def)
}
