// Package domain holds the entity types shared across the ingestion,
// clustering, code-indexing, and RCA pipelines. Entities reference each
// other by opaque string identifier rather than by pointer so storage and
// vector-store adapters can round-trip them without cyclic references.
package domain

import "time"

// GitProvider enumerates the code hosts the code indexer's API back-end
// understands.
type GitProvider string

const (
	GitProviderGitHub GitProvider = "github"
	GitProviderGitLab GitProvider = "gitlab"
)

// IndexingStatus tracks the outcome of the most recent indexing attempt
// for a Service.
type IndexingStatus string

const (
	IndexingStatusNotIndexed IndexingStatus = "not_indexed"
	IndexingStatusIndexing   IndexingStatus = "indexing"
	IndexingStatusCompleted  IndexingStatus = "completed"
	IndexingStatusFailed     IndexingStatus = "failed"
)

// Service is a tenant: one onboarded application whose logs are ingested,
// whose source tree is indexed, and whose exceptions are clustered.
type Service struct {
	ServiceID      string
	Name           string
	RepositoryURL  string
	GitBranch      string
	GitProvider    GitProvider
	GitRepoPath    string // local-mode indexing root; mutually exclusive with AccessToken
	AccessToken    string // API-mode credential; mutually exclusive with GitRepoPath
	UseAPIMode     bool

	LogProcessingEnabled bool
	RCAGenerationEnabled bool
	CodeIndexingEnabled  bool

	LogFetchDurationMinutes int
	LogFetchDurationHours   int
	LogFetchDurationDays    int
	RCAGenerationIntervalMinutes int

	LastLogFetch       *time.Time
	LastRCAGeneration  *time.Time
	LastCodeIndexing   *time.Time
	CodeIndexingStatus IndexingStatus
	LastIndexedCommit  string

	IsActive bool
}

// LogFetchDuration resolves the service's configured fetch cadence to a
// single duration. Minutes wins on a tie per the service's configuration
// contract: only one of the three knobs need be set, and when more than
// one is, the finer-grained unit takes priority.
func (s *Service) LogFetchDuration() time.Duration {
	if s.LogFetchDurationMinutes > 0 {
		return time.Duration(s.LogFetchDurationMinutes) * time.Minute
	}
	if s.LogFetchDurationHours > 0 {
		return time.Duration(s.LogFetchDurationHours) * time.Hour
	}
	if s.LogFetchDurationDays > 0 {
		return time.Duration(s.LogFetchDurationDays) * 24 * time.Hour
	}
	return 0
}

// LogSourceType enumerates supported backend dialects for pulling logs.
type LogSourceType string

const (
	LogSourceOpenSearch    LogSourceType = "opensearch"
	LogSourceElasticsearch LogSourceType = "elasticsearch"
	LogSourceLoki          LogSourceType = "loki"
	LogSourceCloudWatch    LogSourceType = "cloudwatch"
	LogSourceSplunk        LogSourceType = "splunk"
	LogSourceFluentd       LogSourceType = "fluentd"
	LogSourceSyslog        LogSourceType = "syslog"
)

// ConnectionStatus reports the last-observed health of a LogSource's
// backend connection.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionError        ConnectionStatus = "error"
	ConnectionUnknown      ConnectionStatus = "unknown"
)

// LogSource is one configured log backend owned by a Service.
type LogSource struct {
	LogSourceID string
	ServiceID   string

	SourceType   LogSourceType
	Host         string
	Port         int
	Username     string
	Password     string
	UseSSL       bool
	VerifyCerts  bool
	IndexPattern string
	QueryFilter  string

	FetchEnabled        bool
	FetchIntervalMinutes int
	IsActive            bool

	ConnectionStatus ConnectionStatus
	LastFetchAt      *time.Time
	LastError        string
}

// ClusterStatus is the lifecycle state of an ExceptionCluster.
type ClusterStatus string

const (
	ClusterActive   ClusterStatus = "active"
	ClusterSkipped  ClusterStatus = "skipped"
	ClusterResolved ClusterStatus = "resolved"
)

// StackFrame is one parsed frame of an exception's stack trace.
type StackFrame struct {
	Symbol    string
	File      string
	Line      int
	FrameType string // "java" | "python"
}

// ExceptionCluster groups recurring exceptions under a stable fingerprint,
// scoped to the (ServiceID, LogSourceID) tenant pair.
type ExceptionCluster struct {
	ClusterID   string
	ServiceID   string
	LogSourceID string

	ExceptionType     string
	ExceptionMessage  string
	FingerprintStatic string
	FingerprintTemplate string
	FingerprintSemantic string
	FingerprintCategory string
	ErrorCategory     string

	RepresentativeLogID string
	StackTrace          []StackFrame
	LoggerPath          string

	ClusterSize   int64
	FirstSeen     time.Time
	LastSeen      time.Time
	Frequency24h  int64
	Frequency7d   int64

	Status          ClusterStatus
	StatusUpdatedAt time.Time
	StatusUpdatedBy string

	HasRCA        bool
	RCAGeneratedAt *time.Time
}

// RCAResult is one LLM-generated root-cause analysis for a cluster.
// History is preserved: a cluster may accumulate several over time.
type RCAResult struct {
	RCAID     string
	ClusterID string

	RootCauseFile   string
	RootCauseSymbol string
	LineStart       int
	LineEnd         int
	ConfidenceScore float64
	Explanation     string

	InvolvedParameters []string
	FixSuggestions     []string
	TestsToAdd         []string
	SupportingEvidence []CodeBlockReference

	Model      string
	TokensUsed int

	ValidationScore float64
	CreatedAt       time.Time
}

// CodeBlockReference is a lightweight pointer from an RCAResult back to
// the CodeBlock that supported it.
type CodeBlockReference struct {
	BlockID    string
	FilePath   string
	SymbolName string
}

// SymbolType enumerates the structural kinds a language extractor emits.
type SymbolType string

const (
	SymbolFunction SymbolType = "function"
	SymbolClass    SymbolType = "class"
	SymbolMethod   SymbolType = "method"
)

// CodeBlock is one structural unit (function, class, or method) extracted
// from a Service's source tree at a given commit.
type CodeBlock struct {
	BlockID    string
	ServiceID  string
	FilePath   string
	SymbolName string
	CommitSHA  string

	CodeSnippet       string
	Docstring         string
	FunctionSignature string
	SymbolType        SymbolType
	LineStart         int
	LineEnd           int
	Repository        string
	Version           string

	EmbeddingID string
}

// IndexingMode distinguishes a full re-ingest from an incremental,
// changed-files-only pass.
type IndexingMode string

const (
	IndexingModeFull        IndexingMode = "full"
	IndexingModeIncremental IndexingMode = "incremental"
	IndexingModeAPI         IndexingMode = "api"
	IndexingModeLocal       IndexingMode = "local"
	IndexingModeSkip        IndexingMode = "skip"
)

// IndexingMetadata is the one-record-per-(service, repository) bookkeeping
// row a code-indexing run leaves behind.
type IndexingMetadata struct {
	ServiceID         string
	Repository        string
	CommitSHA         string
	IndexedAt         time.Time
	FilesIndexed      int
	CodeBlocksCreated int
	IndexingMode      IndexingMode
}

// TaskStatus is the lifecycle state of a TaskExecution row.
type TaskStatus string

const (
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
)

// Task names dispatched by the scheduler.
const (
	TaskLogFetch     = "log_fetch"
	TaskRCAGeneration = "rca_generation"
	TaskCodeIndexing  = "code_indexing"
)

// TaskExecution is an append-only audit row for one dispatched task run.
type TaskExecution struct {
	ExecutionID  string
	ServiceID    string
	TaskName     string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Status       TaskStatus
	Stats        map[string]any
	ErrorMessage string
}

// ExceptionDescriptor is the Extractor's (C2) output: an exception
// recognized in a normalized log record, carrying enough identity to be
// clustered.
type ExceptionDescriptor struct {
	LogID            string
	ServiceHint      string
	ExceptionType    string
	ExceptionMessage string
	Frames           []StackFrame
	HasStackTrace    bool

	FingerprintStatic   string
	FingerprintTemplate string
	FingerprintSemantic string
	FingerprintCategory string
	ErrorCategory       string
	KeyTerms            []string
	LoggerPath          string

	Timestamp time.Time
	RawMessage string
}
