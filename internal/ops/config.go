package ops

import (
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"github.com/yanun0323/go-hft/internal/adapter"
	"github.com/yanun0323/go-hft/internal/chaos"
	"github.com/yanun0323/go-hft/internal/connector"
	"github.com/yanun0323/go-hft/internal/order"
	"github.com/yanun0323/go-hft/internal/persist"
	"github.com/yanun0323/go-hft/internal/reconcile"
	"github.com/yanun0323/go-hft/internal/risk"
	"github.com/yanun0323/go-hft/pkg/backoff"
	"github.com/yanun0323/go-hft/pkg/conn"
)

// Persistence drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = conn.DriverPostgres
	DriverSQLite   = conn.DriverSQLite
)

// Duration decodes from strings such as "1.5s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := sonic.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "duration must be a string")
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Engine      EngineConfig      `json:"engine"`
	Reconcile   ReconcileConfig   `json:"reconcile"`
	Exchanges   []ExchangeConfig  `json:"exchanges"`
	Risk        *RiskConfig       `json:"risk"`
	Persistence PersistenceConfig `json:"persistence"`
	Kafka       *KafkaConfig      `json:"kafka"`
	Admin       AdminConfig       `json:"admin"`
	Profiler    *ProfilerConfig   `json:"profiler"`
}

type EngineConfig struct {
	AckTimeout         Duration `json:"ackTimeout"`
	Retention          Duration `json:"retention"`
	MaintainInterval   Duration `json:"maintainInterval"`
	CheckpointInterval Duration `json:"checkpointInterval"`
	CancelAllLimit     int      `json:"cancelAllLimit"`
}

type RiskConfig struct {
	KillSwitch       bool            `json:"killSwitch"`
	MaxOrderQuantity adapter.Decimal `json:"maxOrderQuantity"`
	MaxOrderNotional adapter.Decimal `json:"maxOrderNotional"`
	OrderRateLimit   int             `json:"orderRateLimit"`
	OrderRateWindow  Duration        `json:"orderRateWindow"`
}

type ReconcileConfig struct {
	Interval Duration        `json:"interval"`
	Grace    Duration        `json:"grace"`
	Epsilon  adapter.Decimal `json:"epsilon"`
}

// ExchangeConfig describes one paper venue and the connector in front of it.
type ExchangeConfig struct {
	Name          string                     `json:"name"`
	RatePerSecond float64                    `json:"ratePerSecond"`
	Burst         int                        `json:"burst"`
	MaxWait       Duration                   `json:"maxWait"`
	CallTimeout   Duration                   `json:"callTimeout"`
	ReadAttempts  int                        `json:"readAttempts"`
	DegradedAfter int                        `json:"degradedAfter"`
	DownAfter     int                        `json:"downAfter"`
	Backoff       *BackoffConfig             `json:"backoff"`
	Balances      map[string]adapter.Decimal `json:"balances"`
	Chaos         *ChaosConfig               `json:"chaos"`
}

type BackoffConfig struct {
	Min    Duration `json:"min"`
	Max    Duration `json:"max"`
	Factor float64  `json:"factor"`
	Jitter float64  `json:"jitter"`
}

type ChaosConfig struct {
	Seed          uint64   `json:"seed"`
	DropRate      float64  `json:"dropRate"`
	DuplicateRate float64  `json:"duplicateRate"`
	ReorderWindow int      `json:"reorderWindow"`
	MaxDelay      Duration `json:"maxDelay"`
}

type PersistenceConfig struct {
	Driver string `json:"driver"`
	// Path is the sqlite database file, or the journal directory of the
	// file driver.
	Path            string `json:"path"`
	SegmentMaxBytes int64  `json:"segmentMaxBytes"`
	SyncEveryAppend bool   `json:"syncEveryAppend"`
	ConnString string   `json:"connString"`
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	User       string   `json:"user"`
	Password   string   `json:"password"`
	Database   string   `json:"database"`
	SSLMode    string   `json:"sslMode"`
	MaxOpen    int      `json:"maxOpen"`
	MaxIdle    int      `json:"maxIdle"`
	MaxLife    Duration `json:"maxLife"`
}

type KafkaConfig struct {
	Brokers   []string `json:"brokers"`
	Topic     string   `json:"topic"`
	QueueSize int      `json:"queueSize"`
}

type AdminConfig struct {
	Addr string `json:"addr"`
}

type ProfilerConfig struct {
	ApplicationName string `json:"applicationName"`
	ServerAddress   string `json:"serverAddress"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Engine      order.Config
	Reconcile   reconcile.Config
	Exchanges   []Exchange
	Risk        *risk.Config
	Persistence Persistence
	Kafka       *KafkaConfig
	Admin       AdminConfig
	Profiler    *ProfilerConfig
}

type Exchange struct {
	Connector connector.Config
	Balances  map[string]adapter.Decimal
	Chaos     *chaos.Config
}

// Persistence selects the journal store. Option is set for the database
// drivers, File for the file driver.
type Persistence struct {
	Driver string
	Option conn.Option
	File   persist.FileConfig
}

// Load reads a JSON config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse resolves a JSON config document.
func Parse(data []byte) (Loaded, error) {
	var cfg FileConfig
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "decode config")
	}
	return Resolve(cfg)
}

// Resolve validates cfg and fills the defaults. Reconcile interval, rate
// budgets and the ack timeout have no defaults.
func Resolve(cfg FileConfig) (Loaded, error) {
	engine, err := resolveEngine(cfg.Engine)
	if err != nil {
		return Loaded{}, err
	}
	rec, err := resolveReconcile(cfg.Reconcile)
	if err != nil {
		return Loaded{}, err
	}
	if len(cfg.Exchanges) == 0 {
		return Loaded{}, errors.New("no exchange configured")
	}

	seen := make(map[string]struct{}, len(cfg.Exchanges))
	exchanges := make([]Exchange, 0, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		if _, ok := seen[ex.Name]; ok {
			return Loaded{}, errors.Errorf("duplicate exchange %q", ex.Name)
		}
		seen[ex.Name] = struct{}{}

		resolved, err := resolveExchange(ex)
		if err != nil {
			return Loaded{}, err
		}
		exchanges = append(exchanges, resolved)
	}

	var guard *risk.Config
	if cfg.Risk != nil {
		guard = &risk.Config{
			KillSwitch:       cfg.Risk.KillSwitch,
			MaxOrderQuantity: cfg.Risk.MaxOrderQuantity,
			MaxOrderNotional: cfg.Risk.MaxOrderNotional,
			OrderRateLimit:   cfg.Risk.OrderRateLimit,
			OrderRateWindow:  cfg.Risk.OrderRateWindow.Std(),
		}
		if err := guard.Validate(); err != nil {
			return Loaded{}, err
		}
	}

	persistence, err := resolvePersistence(cfg.Persistence)
	if err != nil {
		return Loaded{}, err
	}
	if cfg.Kafka != nil {
		if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
			return Loaded{}, errors.New("kafka requires brokers and topic")
		}
		if cfg.Kafka.QueueSize <= 0 {
			cfg.Kafka.QueueSize = 4096
		}
	}
	if cfg.Profiler != nil && cfg.Profiler.ServerAddress == "" {
		return Loaded{}, errors.New("profiler requires a server address")
	}

	return Loaded{
		Engine:      engine,
		Reconcile:   rec,
		Exchanges:   exchanges,
		Risk:        guard,
		Persistence: persistence,
		Kafka:       cfg.Kafka,
		Admin:       cfg.Admin,
		Profiler:    cfg.Profiler,
	}, nil
}

func resolveEngine(cfg EngineConfig) (order.Config, error) {
	if cfg.AckTimeout <= 0 {
		return order.Config{}, errors.New("engine ackTimeout is required")
	}
	if cfg.Retention < 0 || cfg.MaintainInterval < 0 || cfg.CheckpointInterval < 0 {
		return order.Config{}, errors.New("engine intervals must not be negative")
	}
	maintain := cfg.MaintainInterval.Std()
	if maintain == 0 {
		maintain = time.Second
	}
	return order.Config{
		AckTimeout:         cfg.AckTimeout.Std(),
		Retention:          cfg.Retention.Std(),
		MaintainInterval:   maintain,
		CheckpointInterval: cfg.CheckpointInterval.Std(),
		CancelAllLimit:     cfg.CancelAllLimit,
	}, nil
}

func resolveReconcile(cfg ReconcileConfig) (reconcile.Config, error) {
	if cfg.Interval <= 0 {
		return reconcile.Config{}, errors.New("reconcile interval is required")
	}
	if cfg.Grace < 0 || cfg.Epsilon.IsNegative() {
		return reconcile.Config{}, errors.New("reconcile grace and epsilon must not be negative")
	}
	return reconcile.Config{
		Interval: cfg.Interval.Std(),
		Grace:    cfg.Grace.Std(),
		Epsilon:  cfg.Epsilon,
	}, nil
}

func resolveExchange(cfg ExchangeConfig) (Exchange, error) {
	if cfg.Name == "" {
		return Exchange{}, errors.New("exchange name is empty")
	}
	if cfg.RatePerSecond <= 0 || cfg.Burst <= 0 {
		return Exchange{}, errors.Errorf("exchange %s requires ratePerSecond and burst", cfg.Name)
	}
	if cfg.MaxWait <= 0 || cfg.CallTimeout <= 0 {
		return Exchange{}, errors.Errorf("exchange %s requires maxWait and callTimeout", cfg.Name)
	}
	for currency, total := range cfg.Balances {
		if total.IsNegative() {
			return Exchange{}, errors.Errorf("exchange %s balance %s must not be negative", cfg.Name, currency)
		}
	}

	policy := backoff.Default()
	if cfg.Backoff != nil {
		policy = backoff.Policy{
			Min:    cfg.Backoff.Min.Std(),
			Max:    cfg.Backoff.Max.Std(),
			Factor: cfg.Backoff.Factor,
			Jitter: cfg.Backoff.Jitter,
		}
	}
	degraded, down := cfg.DegradedAfter, cfg.DownAfter
	if degraded <= 0 {
		degraded = 3
	}
	if down <= 0 {
		down = 2 * degraded
	}
	if down < degraded {
		return Exchange{}, errors.Errorf("exchange %s downAfter must not be below degradedAfter", cfg.Name)
	}

	ex := Exchange{
		Connector: connector.Config{
			Exchange:      cfg.Name,
			RatePerSecond: cfg.RatePerSecond,
			Burst:         cfg.Burst,
			MaxWait:       cfg.MaxWait.Std(),
			CallTimeout:   cfg.CallTimeout.Std(),
			ReadAttempts:  cfg.ReadAttempts,
			DegradedAfter: degraded,
			DownAfter:     down,
			Backoff:       policy,
		},
		Balances: cfg.Balances,
	}
	if cfg.Chaos != nil {
		c := chaos.Config{
			Seed:          cfg.Chaos.Seed,
			DropRate:      cfg.Chaos.DropRate,
			DuplicateRate: cfg.Chaos.DuplicateRate,
			ReorderWindow: max(cfg.Chaos.ReorderWindow, 1),
			MaxDelay:      cfg.Chaos.MaxDelay.Std(),
		}
		if err := c.Validate(); err != nil {
			return Exchange{}, errors.Wrapf(err, "exchange %s chaos", cfg.Name)
		}
		ex.Chaos = &c
	}
	return ex, nil
}

func resolvePersistence(cfg PersistenceConfig) (Persistence, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return Persistence{Driver: DriverMemory}, nil
	case DriverFile:
		if cfg.Path == "" {
			return Persistence{}, errors.New("file persistence requires a path")
		}
		if cfg.SegmentMaxBytes < 0 {
			return Persistence{}, errors.New("file persistence segmentMaxBytes must not be negative")
		}
		return Persistence{
			Driver: DriverFile,
			File: persist.FileConfig{
				Dir:             cfg.Path,
				SegmentMaxBytes: cfg.SegmentMaxBytes,
				SyncEveryAppend: cfg.SyncEveryAppend,
			},
		}, nil
	case DriverSQLite:
		if cfg.Path == "" {
			return Persistence{}, errors.New("sqlite persistence requires a path")
		}
	case DriverPostgres:
	default:
		return Persistence{}, errors.Errorf("unsupported persistence driver %q", cfg.Driver)
	}

	return Persistence{
		Driver: cfg.Driver,
		Option: conn.Option{
			Driver:     cfg.Driver,
			Path:       cfg.Path,
			ConnString: cfg.ConnString,
			Host:       cfg.Host,
			Port:       cfg.Port,
			User:       cfg.User,
			Password:   cfg.Password,
			Database:   cfg.Database,
			SSLMode:    cfg.SSLMode,
			MaxOpen:    cfg.MaxOpen,
			MaxIdle:    cfg.MaxIdle,
			MaxLife:    cfg.MaxLife.Std(),
		},
	}, nil
}
