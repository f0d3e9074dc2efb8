// Package orchestrator is the per-request glue: account selection, reactive
// refresh, the failover loop, and flow-record emission.
package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiroproxy/internal/apierr"
	"kiroproxy/internal/auth"
	"kiroproxy/internal/logging"
	"kiroproxy/internal/models"
	"kiroproxy/internal/pool"
	"kiroproxy/internal/ratelimit"
	"kiroproxy/internal/stats"
	"kiroproxy/internal/translator"
	"kiroproxy/internal/upstream"
	"kiroproxy/internal/utils"
)

// maxTotalAttempts is the whole-request upstream attempt budget. Same-account
// retries and account switches both draw from it.
const maxTotalAttempts = 3

// sameAccountFailureLimit is how many failures one account absorbs before the
// next attempt is steered to an alternate.
const sameAccountFailureLimit = 2

// reactiveRefreshWindow triggers an in-line refresh when the selected
// account's token is this close to expiry.
const reactiveRefreshWindow = 2 * time.Minute

// Orchestrator coordinates one dispatch per client request.
type Orchestrator struct {
	pool           *pool.Pool
	refresher      *auth.Refresher
	client         *upstream.Client
	pacer          *ratelimit.Pacer
	sink           logging.FlowSink
	stats          *stats.Manager
	requestTimeout time.Duration
	backoff        func(retry int) time.Duration
	logger         *utils.Logger
}

// New wires the orchestrator.
func New(p *pool.Pool, refresher *auth.Refresher, client *upstream.Client,
	pacer *ratelimit.Pacer, sink logging.FlowSink, statsMgr *stats.Manager,
	requestTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		pool:           p,
		refresher:      refresher,
		client:         client,
		pacer:          pacer,
		sink:           sink,
		stats:          statsMgr,
		requestTimeout: requestTimeout,
		backoff:        retryBackoff,
		logger:         utils.NewLogger("orchestrator"),
	}
}

// retryBackoff returns the delay before retry index i (0-based): 0.5s, 1s,
// 2s, jittered ±25%.
func retryBackoff(i int) time.Duration {
	base := 500 * time.Millisecond << uint(i)
	jitter := 1 + (rand.Float64()*0.5 - 0.25)
	return time.Duration(float64(base) * jitter)
}

// Dispatch selects an account and opens the upstream stream. Retry, backoff,
// and account failover share one budget: at most maxTotalAttempts upstream
// calls per request, with network and 5xx failures retried on the same
// account until it has failed sameAccountFailureLimit times, then steered to
// an alternate. The returned Dispatch must be Released when the response is
// finished.
func (o *Orchestrator) Dispatch(ctx context.Context, req *translator.Request, flow *Flow) (*Dispatch, error) {
	dctx, cancel := context.WithTimeout(ctx, o.requestTimeout)

	var (
		lastErr      error
		exclude      []string
		failures     = make(map[string]int) // per-account failure count
		retries      = 0                    // backoff rung for network/5xx retries
		retryAccount *models.Account        // non-nil: retry this account before re-selecting
	)
	for attempt := 1; attempt <= maxTotalAttempts; attempt++ {
		account := retryAccount
		retryAccount = nil
		if account == nil || !account.Selectable() {
			var err error
			account, err = o.pool.Select(req.SessionKey, exclude...)
			if err != nil {
				cancel()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, err
			}
		}
		flow.BindAccount(account.ID)

		if wait := o.pacer.Reserve(account.ID); wait > 0 {
			select {
			case <-time.After(wait):
			case <-dctx.Done():
				cancel()
				return nil, apierr.Wrap(apierr.KindClientCancelled, dctx.Err(), "cancelled while pacing")
			}
		}

		// Reactive refresh when the token is about to lapse.
		if account.Credential.ExpiresWithin(time.Now(), reactiveRefreshWindow) {
			if err := o.refreshAccount(dctx, account); err != nil {
				lastErr = err
				continue
			}
		}

		caller, err := o.caller(account.ID)
		if err != nil {
			lastErr = err
			continue
		}

		stream, err := o.client.Send(dctx, caller, req.Body, attempt)
		if err == nil {
			return &Dispatch{AccountID: account.ID, Stream: stream, cancel: cancel}, nil
		}

		kind, message := o.classify(err)
		switch kind {
		case apierr.KindContentTooLong:
			// Permanent for this request; the account stays Active.
			o.pool.ReportFailure(account.ID, kind, message)
			cancel()
			return nil, apierr.New(apierr.KindContentTooLong, "%s", message)

		case apierr.KindQuotaExceeded:
			// The account cools down; selection can't return it again.
			o.pool.ReportFailure(account.ID, kind, message)
			lastErr = apierr.New(apierr.KindQuotaExceeded, "%s", message)

		case apierr.KindAuthExpired:
			o.pool.ReportFailure(account.ID, kind, message)
			if err := o.refreshAccount(dctx, account); err != nil {
				// Refresh dead: the account is parked, move on.
				exclude = append(exclude, account.ID)
				lastErr = err
			} else {
				// Fresh token: the next attempt may hit the same account.
				lastErr = apierr.New(apierr.KindAuthExpired, "%s", message)
			}

		case apierr.KindNetwork, apierr.KindUpstreamServerError:
			// Status unchanged. The same account absorbs the first retry;
			// after that the next attempt is steered elsewhere.
			o.pool.ReportFailure(account.ID, kind, message)
			failures[account.ID]++
			if failures[account.ID] < sameAccountFailureLimit {
				retryAccount = account
			} else {
				exclude = append(exclude, account.ID)
			}
			lastErr = apierr.New(kind, "%s", message)
			if attempt < maxTotalAttempts {
				select {
				case <-time.After(o.backoff(retries)):
				case <-dctx.Done():
					cancel()
					return nil, apierr.Wrap(apierr.KindClientCancelled, dctx.Err(), "cancelled during backoff")
				}
				retries++
			}

		case apierr.KindClientCancelled:
			cancel()
			return nil, err

		default:
			cancel()
			return nil, err
		}
		o.logger.Warn("Dispatch attempt failed", "account", account.ID, "attempt", attempt, "kind", kind)
	}

	cancel()
	return nil, lastErr
}

// refreshAccount refreshes the account's credential in line, marking it
// Unhealthy when the refresh token is dead.
func (o *Orchestrator) refreshAccount(ctx context.Context, account *models.Account) error {
	res, err := o.refresher.Refresh(ctx, account)
	if err != nil {
		if apierr.KindOf(err) == apierr.KindInvalidRefreshToken {
			o.pool.MarkUnhealthy(account.ID, err.Error())
			// Surfaces to the caller as AuthExpired if no alternate succeeds.
			return apierr.Wrap(apierr.KindAuthExpired, err, "credential refresh failed")
		}
		return err
	}
	o.pool.ApplyRefresh(account.ID, res.AccessToken, res.RefreshToken, res.ExpiresAt, res.ProfileArn)
	return nil
}

// caller snapshots the account's token and fingerprint under the pool lock.
func (o *Orchestrator) caller(accountID string) (upstream.Caller, error) {
	token, fingerprint, profileArn, _, err := o.pool.AccessToken(accountID)
	if err != nil {
		return upstream.Caller{}, err
	}
	return upstream.Caller{
		AccountID:   accountID,
		AccessToken: token,
		Fingerprint: fingerprint,
		ProfileArn:  profileArn,
	}, nil
}

// classify maps a dispatch error to an error kind plus message.
func (o *Orchestrator) classify(err error) (apierr.Kind, string) {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		return pool.ClassifyUpstreamFailure(statusErr.Status, statusErr.Body), statusErr.Error()
	}
	return apierr.KindOf(err), err.Error()
}

// ReportMidStreamFailure applies pool bookkeeping for a failure after bytes
// were already forwarded. No failover happens mid-stream; the handler ends
// the response with an in-band error event.
func (o *Orchestrator) ReportMidStreamFailure(accountID string, status int, body string) apierr.Kind {
	kind := pool.ClassifyUpstreamFailure(status, body)
	o.pool.ReportFailure(accountID, kind, body)
	return kind
}

// Dispatch is an opened upstream stream bound to an account.
type Dispatch struct {
	AccountID string
	Stream    *upstream.Stream
	cancel    context.CancelFunc
}

// Release closes the stream and releases the request deadline.
func (d *Dispatch) Release() {
	if d.Stream != nil {
		d.Stream.Close()
	}
	if d.cancel != nil {
		d.cancel()
	}
}

// Flow tracks one request's flow record and emits it exactly once.
type Flow struct {
	mu   sync.Mutex
	rec  models.FlowRecord
	o    *Orchestrator
	done bool
}

// NewFlow opens a flow record for a request.
func (o *Orchestrator) NewFlow(protocol, clientModel, upstreamModel string) *Flow {
	return &Flow{
		o: o,
		rec: models.FlowRecord{
			ID:            uuid.New().String(),
			Protocol:      protocol,
			ClientModel:   clientModel,
			UpstreamModel: upstreamModel,
			StartedAt:     time.Now(),
		},
	}
}

// BindAccount stamps the account the request ended up on.
func (f *Flow) BindAccount(accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec.AccountID = accountID
}

// Complete emits a success record.
func (f *Flow) Complete(tokensIn, tokensOut int64) {
	f.finish(models.FlowCompleted, "", tokensIn, tokensOut)
}

// Fail emits a failure record.
func (f *Flow) Fail(kind apierr.Kind) {
	f.finish(models.FlowFailed, string(kind), 0, 0)
}

// Cancel emits a cancellation record.
func (f *Flow) Cancel() {
	f.finish(models.FlowCancelled, string(apierr.KindClientCancelled), 0, 0)
}

func (f *Flow) finish(status models.FlowStatus, errorKind string, tokensIn, tokensOut int64) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.rec.FinishedAt = time.Now()
	f.rec.Status = status
	f.rec.ErrorKind = errorKind
	f.rec.TokensIn = tokensIn
	f.rec.TokensOut = tokensOut
	rec := f.rec
	f.mu.Unlock()

	f.o.sink.Record(&rec)
	f.o.stats.RecordRequest(rec.AccountID, rec.UpstreamModel,
		status == models.FlowCompleted, rec.Duration())
}
