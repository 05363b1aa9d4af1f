package messaging

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/BTreeMap/CareNudge/internal/correlate"
	"github.com/BTreeMap/CareNudge/internal/models"
	"github.com/BTreeMap/CareNudge/internal/phone"
	"github.com/BTreeMap/CareNudge/internal/store"
)

// Defaults for the ResponseHandler.
const (
	DefaultWorkers        = 4
	DefaultDedupCacheSize = 4096
)

// Inbound handling results, reported to the observer.
const (
	ResultHandled    = "handled"
	ResultUnmatched  = "unmatched"
	ResultDuplicate  = "duplicate"
	ResultRejected   = store.OutcomeRejected
	ResultDedupError = "dedup_error"
)

// InboundHandler correlates one inbound reply.
type InboundHandler interface {
	HandleInbound(ctx context.Context, reply models.InboundReply) (correlate.Result, error)
}

// ResponseHandlerOpts holds configuration options for the ResponseHandler.
type ResponseHandlerOpts struct {
	Workers        int
	DedupCacheSize int
	InboundLog     store.InboundLog
	Normalizer     *phone.Normalizer
	Observe        func(result string)
}

// ResponseHandlerOption defines a configuration option for the ResponseHandler.
type ResponseHandlerOption func(*ResponseHandlerOpts)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) ResponseHandlerOption {
	return func(o *ResponseHandlerOpts) {
		o.Workers = n
	}
}

// WithDedupCacheSize sets the in-memory message-id cache size.
func WithDedupCacheSize(n int) ResponseHandlerOption {
	return func(o *ResponseHandlerOpts) {
		o.DedupCacheSize = n
	}
}

// WithInboundLog enables durable dedup across restarts and records how each
// delivery was handled.
func WithInboundLog(log store.InboundLog) ResponseHandlerOption {
	return func(o *ResponseHandlerOpts) {
		o.InboundLog = log
	}
}

// WithNormalizer shards replies on the canonical sender number, so differently
// formatted numbers of one sender share a worker.
func WithNormalizer(n *phone.Normalizer) ResponseHandlerOption {
	return func(o *ResponseHandlerOpts) {
		o.Normalizer = n
	}
}

// WithResultObserver registers a callback for every handling result.
func WithResultObserver(fn func(result string)) ResponseHandlerOption {
	return func(o *ResponseHandlerOpts) {
		o.Observe = fn
	}
}

// ResponseHandler drains a Service's Responses channel with a pool of workers.
// Replies from one sender always go to the same worker, so they are handled in
// arrival order. Carrier message IDs are de-duplicated before correlation.
type ResponseHandler struct {
	msgService Service
	handler    InboundHandler
	cfg        ResponseHandlerOpts

	seen *lru.Cache[string, struct{}]
	wg   sync.WaitGroup
}

// NewResponseHandler creates a ResponseHandler feeding replies from msgService to handler.
func NewResponseHandler(msgService Service, handler InboundHandler, opts ...ResponseHandlerOption) (*ResponseHandler, error) {
	cfg := ResponseHandlerOpts{Workers: DefaultWorkers, DedupCacheSize: DefaultDedupCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.DedupCacheSize < 1 {
		cfg.DedupCacheSize = DefaultDedupCacheSize
	}
	seen, err := lru.New[string, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("inbound dedup cache init: %w", err)
	}
	return &ResponseHandler{msgService: msgService, handler: handler, cfg: cfg, seen: seen}, nil
}

// Start launches the dispatcher and workers. They exit when the Responses channel
// closes or ctx is canceled; Wait blocks until then.
func (rh *ResponseHandler) Start(ctx context.Context) {
	queues := make([]chan models.InboundReply, rh.cfg.Workers)
	for i := range queues {
		queues[i] = make(chan models.InboundReply, DefaultChannelBufferSize)
		rh.wg.Add(1)
		go func(q <-chan models.InboundReply) {
			defer rh.wg.Done()
			for reply := range q {
				if err := rh.ProcessResponse(ctx, reply); err != nil {
					slog.Error("ResponseHandler failed to process reply", "error", err, "from", reply.From)
				}
			}
		}(queues[i])
	}

	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			select {
			case reply, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				select {
				case queues[shard(rh.senderKey(reply.From), len(queues))] <- reply:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping due to context cancellation")
				return
			}
		}
	}()
	slog.Info("ResponseHandler started", "workers", rh.cfg.Workers)
}

// Wait blocks until every worker has exited.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}

// ProcessResponse de-duplicates and correlates one reply. Benign outcomes (unknown
// sender, nothing pending, duplicates) are not errors. A message ID only counts as
// seen once its delivery ended in a non-rejected outcome, so a redelivery after a
// failure or a crash is correlated again.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, reply models.InboundReply) error {
	duplicate, err := rh.isDuplicate(reply)
	if err != nil {
		rh.observe(ResultDedupError)
		// Correlation is idempotent per expectation, so a dedup failure is not fatal.
		slog.Warn("ResponseHandler dedup check failed, processing anyway", "error", err, "message_id", reply.MessageID)
	}
	if duplicate {
		rh.observe(ResultDuplicate)
		slog.Debug("ResponseHandler dropping duplicate delivery", "message_id", reply.MessageID, "from", reply.From)
		return nil
	}

	result, err := rh.handler.HandleInbound(ctx, reply)
	outcome := ResultHandled
	switch {
	case errors.Is(err, correlate.ErrNoPendingExpectation), errors.Is(err, correlate.ErrUnrecognizedSender):
		outcome = ResultUnmatched
	case err != nil:
		outcome = ResultRejected
	}
	rh.observe(outcome)
	rh.markProcessed(reply, outcome, result.Expectation.ID)
	if outcome != ResultRejected && reply.MessageID != "" {
		rh.seen.Add(reply.MessageID, struct{}{})
	}

	switch outcome {
	case ResultUnmatched:
		slog.Info("ResponseHandler reply matched nothing", "from", reply.From, "reason", err)
		return nil
	case ResultRejected:
		return fmt.Errorf("correlate reply from %s: %w", reply.From, err)
	}
	slog.Debug("ResponseHandler reply handled", "from", reply.From, "expectationID", result.Expectation.ID, "duplicate", result.Duplicate, "late", result.Late)
	return nil
}

func (rh *ResponseHandler) isDuplicate(reply models.InboundReply) (bool, error) {
	if reply.MessageID == "" {
		return false, nil
	}
	if rh.seen.Contains(reply.MessageID) {
		return true, nil
	}

	if rh.cfg.InboundLog == nil {
		return false, nil
	}
	pending, err := rh.cfg.InboundLog.RecordInbound(reply)
	if err != nil {
		return false, err
	}
	return !pending, nil
}

// senderKey is the canonical number when From parses, the raw string otherwise.
func (rh *ResponseHandler) senderKey(from string) string {
	if rh.cfg.Normalizer == nil {
		return from
	}
	number, err := rh.cfg.Normalizer.Normalize(from)
	if err != nil {
		return from
	}
	return number.String()
}

func (rh *ResponseHandler) markProcessed(reply models.InboundReply, outcome string, expID models.ExpectationID) {
	if reply.MessageID == "" || rh.cfg.InboundLog == nil {
		return
	}
	if err := rh.cfg.InboundLog.MarkProcessed(reply.MessageID, outcome, expID); err != nil {
		slog.Warn("ResponseHandler failed to mark reply processed", "error", err, "message_id", reply.MessageID)
	}
}

func (rh *ResponseHandler) observe(result string) {
	if rh.cfg.Observe != nil {
		rh.cfg.Observe(result)
	}
}

func shard(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
