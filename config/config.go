// Package config parses node configuration from flags, an optional
// config file, and environment, following the teacher's
// mining/simulator/config.go and kasparov/kasparovd/config/config.go:
// a flat struct tagged for github.com/jessevdk/go-flags, populated by
// a single parseConfig-style entry point that also applies the
// cross-field validation go-flags itself cannot express.
package config

import (
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"github.com/kaspanet/hybridchain/util"
)

const (
	defaultAppName       = "hybridnoded"
	defaultLogFilename   = "hybridnoded.log"
	defaultErrLogFilename = "hybridnoded_err.log"
	defaultDataDirname   = "data"
)

var (
	defaultHomeDir    = util.AppDataDir(defaultAppName, false)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogFile    = filepath.Join(defaultHomeDir, defaultLogFilename)
	defaultErrLogFile = filepath.Join(defaultHomeDir, defaultErrLogFilename)
)

// Config is the node's complete set of tunables: spec section 6's
// named parameters, plus the ambient logging/data-directory flags the
// teacher attaches to every daemon-style config struct.
type Config struct {
	// Ambient / daemon flags, in the teacher's style.
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	DataDir     string `long:"datadir" description:"Directory to store the chain state and mempool snapshots"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	Verbose     bool   `short:"v" long:"verbose" description:"Enable debug-level logging"`

	// Voting (spec section 4.7).
	VotingPeriodBlocks uint64  `long:"votingperiodblocks" description:"Number of blocks per voting period" default:"100"`
	MaxVotesPerPeriod  uint64  `long:"maxvotesperperiod" description:"Maximum votes a single validator may cast per voting period" default:"1"`
	MinVotesForValidity float64 `long:"minvotesforvalidity" description:"Minimum turnout, as a fraction of active validators, a voting period must reach before its tally is considered decisive; short of quorum defaults to the pre-fork chain" default:"0.1"`
	VotePowerDecay     float64 `long:"votepowerdecay" description:"Per-period multiplicative decay applied to stale voting power" default:"0.99"`
	MaxVoteAge         time.Duration `long:"maxvoteage" description:"Maximum age of a vote before it is rejected as stale" default:"24h"`
	VoteRateLimitPerSecond float64 `long:"voteratelimit" description:"Maximum votes accepted per second per voter" default:"10"`
	VoteRateLimitBurst int     `long:"voteratelimitburst" description:"Burst allowance for the per-voter vote rate limiter" default:"20"`
	VoteCacheTTL       time.Duration `long:"votecachettl" description:"How long a vote admission decision is cached" default:"1m"`
	NodeSelectionThreshold float64 `long:"nodeselectionthreshold" description:"Minimum share of approve votes, of approve plus reject, required for a fork's new chain to win a vote" default:"0.66"`

	// Proof of work / difficulty (spec section 4.6).
	InitialDifficulty            uint64  `long:"initialdifficulty" description:"Difficulty assigned to the genesis block" default:"1"`
	MinDifficulty                uint64  `long:"mindifficulty" description:"Difficulty floor" default:"1"`
	MaxDifficulty                uint64  `long:"maxdifficulty" description:"Difficulty ceiling; when non-zero it is only checked at startup to be at least --mindifficulty, and retargeting does not clamp to it" default:"0"`
	TargetTimespan                time.Duration `long:"targettimespan" description:"Window over which difficulty is retargeted" default:"1h"`
	TargetBlockTime               time.Duration `long:"targetblocktime" description:"Desired average time between blocks" default:"10s"`
	DifficultyAdjustmentInterval uint64  `long:"difficultyadjustmentinterval" description:"Number of blocks between difficulty retargets" default:"360"`
	MaxAdjustmentFactor          float64 `long:"maxadjustmentfactor" description:"Maximum multiplicative change a single retarget may apply" default:"4"`
	MaxTarget                    string  `long:"maxtarget" description:"Maximum (easiest) PoW target, as a hex-encoded 256-bit integer"`
	HashBatchSize                uint64  `long:"hashbatchsize" description:"Number of nonces tried per mining batch before yielding" default:"65536"`
	EmergencyPoWThreshold        float64 `long:"emergencypowthreshold" description:"Minimum PoW score a fork block needs to be accepted when no voting period is active" default:"0.1"`

	// Hybrid consensus circuit breaker (spec section 4.8 / 5).
	ConsensusCircuitBreakerThreshold int           `long:"consensuscircuitbreakerthreshold" description:"Consecutive validation failures before the consensus engine's circuit breaker opens" default:"5"`
	ConsensusCircuitBreakerReset     time.Duration `long:"consensuscircuitbreakerreset" description:"Time the consensus circuit breaker stays open before allowing a trial request" default:"30s"`
	RejectionCacheTTL                time.Duration `long:"rejectioncachettl" description:"How long a block's validation verdict is cached to short-circuit resubmission" default:"5m"`

	// Block and transaction limits (spec section 4.3 / 4.5).
	MaxBlockSize   int           `long:"maxblocksize" description:"Maximum serialized block size in bytes" default:"1000000"`
	MaxTransactions int          `long:"maxtransactions" description:"Maximum transactions per block" default:"5000"`
	MaxTxSize      int           `long:"maxtxsize" description:"Maximum serialized transaction size in bytes" default:"100000"`
	MaxInputs      int           `long:"maxinputs" description:"Maximum inputs per transaction" default:"100"`
	MaxOutputs     int           `long:"maxoutputs" description:"Maximum outputs per transaction" default:"100"`
	MinFeePerByte  uint64        `long:"minfeeperbyte" description:"Minimum fee, in base units, required per serialized byte" default:"1"`
	MinInputAge    uint64        `long:"mininputage" description:"Minimum confirmations an input must have before it may be spent" default:"0"`
	MaxTimeDrift   time.Duration `long:"maxtimedrift" description:"Maximum allowed clock drift between a transaction's or block's timestamp and local time" default:"2h"`

	// Fork handling (spec section 4.8 / 4.9).
	MaxForkDepth  uint64 `long:"maxforkdepth" description:"Maximum blocks a reorg may revert" default:"100"`
	MaxForkLength uint64 `long:"maxforklength" description:"Maximum number of fork blocks a fork resolution vote accepts; longer forks are rejected" default:"100"`
	MaxTipTraversalSteps int `long:"maxtiptraversalsteps" description:"Maximum steps walked back from a side tip while classifying it" default:"100"`

	// Timeouts (spec section 5).
	ValidationTimeout       time.Duration `long:"validationtimeout" description:"Maximum time a single transaction or block validation may run" default:"5s"`
	ProcessingTimeout       time.Duration `long:"processingtimeout" description:"Block processing time limit; the value is accepted but no code path enforces it" default:"10s"`
	ForkResolutionTimeout   time.Duration `long:"forkresolutiontimeout" description:"Maximum time a fork resolution vote may remain pending" default:"30s"`

	// Mempool (spec section 4.4).
	MaxMempoolSize     int           `long:"maxmempoolsize" description:"Maximum total serialized size, in bytes, the mempool will hold" default:"50000000"`
	MempoolHighWatermarkRatio float64 `long:"mempoolhighwatermarkratio" description:"Fraction of MaxMempoolSize above which eviction and reject-unless-high-fee mode engage" default:"0.9"`
	MempoolTTL         time.Duration `long:"mempoolttl" description:"Maximum time a transaction may sit in the mempool before eviction" default:"1h"`
	MempoolCleanupInterval time.Duration `long:"mempoolcleanupinterval" description:"Interval between mempool maintenance sweeps" default:"30s"`
	MempoolMaxStrikes  int           `long:"mempoolmaxstrikes" description:"Validation failures from one source before it is blacklisted" default:"10"`
	MempoolRateLimitPerSecond float64 `long:"mempoolratelimit" description:"Maximum transactions accepted per second per sender" default:"20"`
	MempoolRateLimitBurst     int     `long:"mempoolratelimitburst" description:"Burst allowance for the per-sender submission rate limiter" default:"40"`

	// Chain manager (spec section 4.9).
	HeightCacheTTL       time.Duration `long:"heightcachettl" description:"How long the cached tip height is served before refreshing" default:"1s"`
	HealthCheckThreshold int           `long:"healthcheckthreshold" description:"Consecutive failures before the chain manager's circuit breaker opens" default:"5"`
	HealthCheckReset     time.Duration `long:"healthcheckreset" description:"Time the circuit breaker stays open before allowing a trial request" default:"30s"`

	// Coinbase reward schedule (spec section 6).
	HalvingInterval uint64 `long:"halvinginterval" description:"Number of blocks between reward halvings" default:"210000"`
	InitialReward   uint64 `long:"initialreward" description:"Coinbase reward paid by the genesis-era block schedule, in base units" default:"5000000000"`
	MinReward       uint64 `long:"minreward" description:"Coinbase reward floor, in base units" default:"0"`
	MaxSupply       uint64 `long:"maxsupply" description:"Total base units that may ever be minted" default:"2100000000000000"`
}

// Load parses Config from the process's command-line arguments,
// applying defaults and then the cross-field validation go-flags
// cannot express on its own.
func Load(args []string) (*Config, error) {
	cfg := &Config{
		DataDir: defaultDataDir,
		LogDir:  defaultHomeDir,
	}

	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects flag combinations go-flags' struct tags cannot
// express on their own, mirroring the teacher's parseConfig pattern of
// a single post-parse validation pass returning wrapped errors.
func validate(cfg *Config) error {
	if cfg.MinDifficulty == 0 {
		return errors.New("--mindifficulty must be at least 1")
	}
	if cfg.MaxDifficulty != 0 && cfg.MaxDifficulty < cfg.MinDifficulty {
		return errors.New("--maxdifficulty must be greater than or equal to --mindifficulty")
	}
	if cfg.InitialDifficulty < cfg.MinDifficulty {
		return errors.New("--initialdifficulty must be at least --mindifficulty")
	}
	if cfg.MaxAdjustmentFactor <= 1 {
		return errors.New("--maxadjustmentfactor must be greater than 1")
	}
	if cfg.MinVotesForValidity <= 0 || cfg.MinVotesForValidity > 1 {
		return errors.New("--minvotesforvalidity must be in (0, 1]")
	}
	if cfg.NodeSelectionThreshold <= 0 || cfg.NodeSelectionThreshold > 1 {
		return errors.New("--nodeselectionthreshold must be in (0, 1]")
	}
	if cfg.VotePowerDecay <= 0 || cfg.VotePowerDecay > 1 {
		return errors.New("--votepowerdecay must be in (0, 1]")
	}
	if cfg.MempoolHighWatermarkRatio <= 0 || cfg.MempoolHighWatermarkRatio > 1 {
		return errors.New("--mempoolhighwatermarkratio must be in (0, 1]")
	}
	if cfg.MaxForkDepth == 0 {
		return errors.New("--maxforkdepth must be at least 1")
	}
	if cfg.MinReward > cfg.InitialReward {
		return errors.New("--minreward cannot exceed --initialreward")
	}
	if cfg.MaxTxSize > cfg.MaxBlockSize {
		return errors.New("--maxtxsize cannot exceed --maxblocksize")
	}
	return nil
}
