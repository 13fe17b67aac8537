package raft

import (
	"errors"
	"time"
)

const (
	minElectionTimeout     = time.Duration(10 * time.Millisecond)
	maxElectionTimeout     = time.Duration(30000 * time.Millisecond)
	defaultElectionTimeout = time.Duration(1000 * time.Millisecond)

	minRequestTimeout     = time.Duration(10 * time.Millisecond)
	maxRequestTimeout     = time.Duration(600000 * time.Millisecond)
	defaultRequestTimeout = time.Duration(120000 * time.Millisecond)

	minMaxEntriesSize     = 1024
	maxMaxEntriesSize     = 64 * 1024 * 1024
	defaultMaxEntriesSize = 1024 * 1024

	minNumRetries     = 1
	defaultNumRetries = 5

	defaultReopenConnectionInterval = time.Duration(5000 * time.Millisecond)
)

// Logger supports logging messages at the debug, info, warn, error, and
// fatal level.
type Logger interface {
	// Debug logs a message at debug level.
	Debug(args ...interface{})

	// Debugf logs a formatted message at debug level.
	Debugf(format string, args ...interface{})

	// Info logs a message at info level.
	Info(args ...interface{})

	// Infof logs a formatted message at info level.
	Infof(format string, args ...interface{})

	// Warn logs a message at warn level.
	Warn(args ...interface{})

	// Warnf logs a formatted message at warn level.
	Warnf(format string, args ...interface{})

	// Error logs a message at error level.
	Error(args ...interface{})

	// Errorf logs a formatted message at error level.
	Errorf(format string, args ...interface{})

	// Fatal logs a message at fatal level.
	Fatal(args ...interface{})

	// Fatalf logs a formatted message at fatal level.
	Fatalf(format string, args ...interface{})
}

type options struct {
	// Base election timeout. A random timeout between electionTimeout and
	// 2 * electionTimeout is drawn at each reset to determine when a
	// replica will hold an election.
	electionTimeout time.Duration

	// The interval between AppendEntries RPCs the leader sends to the
	// followers. Defaults to a quarter of the election timeout.
	heartbeatInterval time.Duration

	// Per-RPC deadline, for both peer RPCs and client submissions.
	requestTimeout time.Duration

	// The maximum number of payload bytes transmitted in a single
	// AppendEntries RPC.
	maxEntriesSize int

	// Client-side retry bound per submission.
	numRetries int

	// Backoff applied after a failed peer connection before dialing again.
	reopenConnectionInterval time.Duration

	// Log store block size. Format-level: immutable once the log exists.
	blockSize int

	// Log store blocks per file before rollover.
	blocksPerFile int

	// A logger for debugging and important events.
	logger Logger

	// The transport carrying RPCs between replicas and from clients.
	transport Transport

	// The replicated log store.
	log Log

	// Storage for the durable term and vote.
	stateStorage StateStorage
}

// Option is a function that updates the options associated with a replica
// or client.
type Option func(options *options) error

// WithElectionTimeout sets the base election timeout.
func WithElectionTimeout(timeout time.Duration) Option {
	return func(options *options) error {
		if timeout < minElectionTimeout || timeout > maxElectionTimeout {
			return errors.New("election timeout value is invalid")
		}
		options.electionTimeout = timeout
		return nil
	}
}

// WithHeartbeatInterval sets the leader heartbeat interval.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(options *options) error {
		if interval <= 0 {
			return errors.New("heartbeat interval value is invalid")
		}
		options.heartbeatInterval = interval
		return nil
	}
}

// WithRequestTimeout sets the per-RPC deadline.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(options *options) error {
		if timeout < minRequestTimeout || timeout > maxRequestTimeout {
			return errors.New("request timeout value is invalid")
		}
		options.requestTimeout = timeout
		return nil
	}
}

// WithMaxEntriesSize sets the byte cap on the entries carried by a single
// AppendEntries RPC.
func WithMaxEntriesSize(size int) Option {
	return func(options *options) error {
		if size < minMaxEntriesSize || size > maxMaxEntriesSize {
			return errors.New("maximum entries size value is invalid")
		}
		options.maxEntriesSize = size
		return nil
	}
}

// WithNumRetries sets the client-side retry bound per submission.
func WithNumRetries(retries int) Option {
	return func(options *options) error {
		if retries < minNumRetries {
			return errors.New("number of retries value is invalid")
		}
		options.numRetries = retries
		return nil
	}
}

// WithReopenConnectionInterval sets the backoff after a failed peer
// connection.
func WithReopenConnectionInterval(interval time.Duration) Option {
	return func(options *options) error {
		if interval <= 0 {
			return errors.New("reopen connection interval value is invalid")
		}
		options.reopenConnectionInterval = interval
		return nil
	}
}

// WithBlockSize sets the log store block size. The value is format-level:
// it is chosen when the log is created and may never change.
func WithBlockSize(size int) Option {
	return func(options *options) error {
		if size < 32 {
			return errors.New("block size value is invalid")
		}
		options.blockSize = size
		return nil
	}
}

// WithBlocksPerFile sets how many blocks a log file holds before rollover.
func WithBlocksPerFile(blocks int) Option {
	return func(options *options) error {
		if blocks < 1 {
			return errors.New("blocks per file value is invalid")
		}
		options.blocksPerFile = blocks
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(options *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		options.logger = logger
		return nil
	}
}

// WithTransport sets the transport. Primarily intended for testing.
func WithTransport(transport Transport) Option {
	return func(options *options) error {
		if transport == nil {
			return errors.New("transport must not be nil")
		}
		options.transport = transport
		return nil
	}
}

// WithLog sets the log store. Primarily intended for testing.
func WithLog(log Log) Option {
	return func(options *options) error {
		if log == nil {
			return errors.New("log must not be nil")
		}
		options.log = log
		return nil
	}
}

// WithStateStorage sets the durable state storage. Primarily intended for
// testing.
func WithStateStorage(storage StateStorage) Option {
	return func(options *options) error {
		if storage == nil {
			return errors.New("state storage must not be nil")
		}
		options.stateStorage = storage
		return nil
	}
}
