package replica

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type SyncMode int

const (
	ModeRefreshOnly SyncMode = iota
	ModeRefreshAndPersist
	ModeDirSync
)

func (self SyncMode) String() string {
	switch self {
	case ModeRefreshOnly:
		return "refreshOnly"
	case ModeRefreshAndPersist:
		return "refreshAndPersist"
	case ModeDirSync:
		return "dirSync"
	default:
		return "unknown"
	}
}

type SyncData int

const (
	DataPlain SyncData = iota
	DataAccessLog
	DataChangeLog
)

func (self SyncData) String() string {
	switch self {
	case DataPlain:
		return "default"
	case DataAccessLog:
		return "accesslog"
	case DataChangeLog:
		return "changelog"
	default:
		return "unknown"
	}
}

// RetryPair is one step of the retry schedule: try every Interval, Attempts
// times. Attempts of -1 means forever.
type RetryPair struct {
	Interval time.Duration
	Attempts int
}

const RetryForever = -1

// RetrySchedule consumes pairs as failures accumulate; a completed refresh
// resets it.
type RetrySchedule struct {
	pairs     []RetryPair
	remaining []int
	current   int
}

func NewRetrySchedule(pairs []RetryPair) *RetrySchedule {
	schedule := &RetrySchedule{
		pairs:     pairs,
		remaining: make([]int, len(pairs)),
	}
	schedule.Reset()
	return schedule
}

// ParseRetrySchedule parses the directive form: pairs of
// "<interval> <count|+>", e.g. "60 10 300 3 3600 +".
func ParseRetrySchedule(text string) (*RetrySchedule, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, nil
	}
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("%w: retry schedule %q needs interval/count pairs", ErrConfig, text)
	}
	pairs := []RetryPair{}
	for i := 0; i < len(fields); i += 2 {
		seconds, err := strconv.Atoi(fields[i])
		if err != nil || seconds <= 0 {
			return nil, fmt.Errorf("%w: retry interval %q", ErrConfig, fields[i])
		}
		attempts := RetryForever
		if fields[i+1] != "+" {
			attempts, err = strconv.Atoi(fields[i+1])
			if err != nil || attempts <= 0 {
				return nil, fmt.Errorf("%w: retry count %q", ErrConfig, fields[i+1])
			}
		}
		if attempts == RetryForever && i+2 != len(fields) {
			return nil, fmt.Errorf("%w: retry schedule %q has + before the last pair", ErrConfig, text)
		}
		pairs = append(pairs, RetryPair{
			Interval: time.Duration(seconds) * time.Second,
			Attempts: attempts,
		})
	}
	return NewRetrySchedule(pairs), nil
}

func (self *RetrySchedule) Reset() {
	if self == nil {
		return
	}
	self.current = 0
	for i, pair := range self.pairs {
		self.remaining[i] = pair.Attempts
	}
}

// NextRetry consumes one attempt and returns the interval to wait. ok is
// false once the schedule is exhausted.
func (self *RetrySchedule) NextRetry() (time.Duration, bool) {
	if self == nil || len(self.pairs) == 0 {
		return 0, false
	}
	for self.current < len(self.pairs) && self.remaining[self.current] == 0 {
		self.current += 1
	}
	if self.current == len(self.pairs) {
		return 0, false
	}
	if self.remaining[self.current] != RetryForever {
		self.remaining[self.current] -= 1
	}
	return self.pairs[self.current].Interval, true
}

// SourceConfig is one consumer directive, already parsed.
type SourceConfig struct {
	Rid      int           `yaml:"rid"`
	Provider string        `yaml:"provider"`
	SearchBase string      `yaml:"searchbase"`
	ScopeName  string      `yaml:"scope"`
	Filter     string      `yaml:"filter"`
	TypeName   string      `yaml:"type"`
	Interval   time.Duration `yaml:"interval"`
	Retry      string      `yaml:"retry"`
	Attrs      []string    `yaml:"attrs"`
	ExAttrs    []string    `yaml:"exattrs"`
	SyncDataName string    `yaml:"syncdata"`
	SchemaChecking bool    `yaml:"schemachecking"`
	LogBase    string      `yaml:"logbase"`
	LogFilter  string      `yaml:"logfilter"`
	SuffixMassage string   `yaml:"suffixmassage"`
	ManageDSAit bool       `yaml:"manageDSAit"`
	SizeLimit  int         `yaml:"sizelimit"`
	TimeLimit  int         `yaml:"timelimit"`
	LazyCommit bool        `yaml:"lazycommit"`
	StrictRefresh bool     `yaml:"strictrefresh"`

	BindDN      string `yaml:"binddn"`
	Credentials string `yaml:"credentials"`
	BearerToken string `yaml:"bearer_token"`
	AuthzID     string `yaml:"authzid"`

	// decoded fields
	Mode     SyncMode       `yaml:"-"`
	SyncData SyncData       `yaml:"-"`
	Scope    Scope          `yaml:"-"`
	Schedule *RetrySchedule `yaml:"-"`
}

func (self *SourceConfig) Validate() error {
	if self.Rid < 0 || MaxSid < self.Rid {
		return fmt.Errorf("%w: rid %d out of range", ErrConfig, self.Rid)
	}
	if self.Provider == "" {
		return fmt.Errorf("%w: rid %d without provider", ErrConfig, self.Rid)
	}

	switch self.TypeName {
	case "", "refreshOnly":
		self.Mode = ModeRefreshOnly
	case "refreshAndPersist":
		self.Mode = ModeRefreshAndPersist
	case "dirSync":
		self.Mode = ModeDirSync
	default:
		return fmt.Errorf("%w: type %q", ErrConfig, self.TypeName)
	}

	switch self.SyncDataName {
	case "", "default":
		self.SyncData = DataPlain
	case "accesslog":
		self.SyncData = DataAccessLog
	case "changelog":
		self.SyncData = DataChangeLog
	default:
		return fmt.Errorf("%w: syncdata %q", ErrConfig, self.SyncDataName)
	}
	if self.SyncData != DataPlain && self.LogBase == "" {
		return fmt.Errorf("%w: rid %d syncdata=%s without logbase", ErrConfig, self.Rid, self.SyncData)
	}

	switch self.ScopeName {
	case "", "sub", "subtree":
		self.Scope = ScopeSub
	case "one", "onelevel":
		self.Scope = ScopeOne
	case "base":
		self.Scope = ScopeBase
	default:
		return fmt.Errorf("%w: scope %q", ErrConfig, self.ScopeName)
	}

	if self.Filter == "" {
		self.Filter = "(objectClass=*)"
	}
	if self.Interval == 0 {
		self.Interval = time.Hour
	}

	schedule, err := ParseRetrySchedule(self.Retry)
	if err != nil {
		return err
	}
	if schedule == nil {
		schedule = NewRetrySchedule([]RetryPair{{Interval: time.Hour, Attempts: RetryForever}})
	}
	self.Schedule = schedule
	return nil
}

func (self *SourceConfig) RidText() string {
	return fmt.Sprintf("rid=%03d", self.Rid)
}

// DatabaseConfig is one replicated database with its sources.
type DatabaseConfig struct {
	Suffix      string `yaml:"suffix"`
	ServerID    int    `yaml:"serverid"`
	SubentryCSN bool   `yaml:"subentry_csn"`
	MultiMaster bool   `yaml:"multimaster"`

	Store struct {
		Type string `yaml:"type"`
		DSN  string `yaml:"dsn"`
	} `yaml:"store"`

	Sources []*SourceConfig `yaml:"sources"`
}

type Config struct {
	Databases []*DatabaseConfig `yaml:"databases"`
}

func ParseConfig(raw []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	for _, database := range config.Databases {
		if database.Suffix == "" {
			return nil, fmt.Errorf("%w: database without suffix", ErrConfig)
		}
		if database.ServerID < 0 || MaxSid < database.ServerID {
			return nil, fmt.Errorf("%w: serverid %d out of range", ErrConfig, database.ServerID)
		}
		seen := map[int]bool{}
		for _, source := range database.Sources {
			if err := source.Validate(); err != nil {
				return nil, err
			}
			if seen[source.Rid] {
				return nil, fmt.Errorf("%w: duplicate rid %d", ErrConfig, source.Rid)
			}
			seen[source.Rid] = true
		}
	}
	return config, nil
}
