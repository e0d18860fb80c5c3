package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/offlinecache/internal/manifest"
)

// AgentState tracks the interception lifecycle.
type AgentState string

const (
	StateInstalling AgentState = "installing"
	StateInstalled  AgentState = "installed"
	StateActivating AgentState = "activating"
	StateActivated  AgentState = "activated"
)

var ErrInvalidState = errors.New("invalid state")

// DefaultDynamicBound caps the dynamic-responses namespace. Eviction past the
// bound is FIFO by insertion order, never LRU.
const DefaultDynamicBound = 50

const installFetchConcurrency = 4

// Event is emitted on agent lifecycle and failure transitions for the UI and
// operator tooling.
type Event struct {
	Type   string    `json:"type"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

type EventSink interface {
	Emit(Event)
}

// Result is what an intercepted request resolves to. Source reports where the
// body came from, which the tests and the proxy response headers rely on.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
	Source string
	OpID   string
}

const (
	SourceNetwork  = "network"
	SourceCache    = "cache"
	SourceStore    = "store"
	SourceFallback = "fallback"
	SourceQueued   = "queued"
)

var staticExtensions = map[string]bool{
	".html": true, ".htm": true, ".css": true, ".js": true, ".mjs": true,
	".map": true, ".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".svg": true, ".ico": true, ".woff": true, ".woff2": true, ".ttf": true,
}

type AgentOptions struct {
	Caches          *NamespaceManager
	Records         RecordStore
	Transport       Transport
	Sync            *SyncCoordinator
	Manifest        manifest.Manifest
	DynamicBound    int
	ReceiptTTL      time.Duration
	Logger          Logger
	Events          EventSink
	OnQuotaExceeded func(error)
}

// Agent intercepts every outgoing request from the UI, applies a caching
// strategy per request class, and defers mutations to the sync coordinator
// when the network is away. All internal failures are absorbed into fallback
// responses; only quota and replay-rejection conditions bubble out through
// callbacks.
type Agent struct {
	caches    *NamespaceManager
	records   RecordStore
	transport Transport
	sync      *SyncCoordinator
	bound     int
	logger    Logger
	events    EventSink
	onQuota   func(error)

	// receipts remembers recent mutation outcomes by OpID so a retried
	// submission returns the original receipt instead of re-delivering.
	receipts   *TTLCache
	receiptTTL time.Duration

	opCounter uint64

	mu       sync.Mutex
	state    AgentState
	man      manifest.Manifest
	static   *Namespace
	dynamic  *Namespace
	fallback RequestIdentity

	inflightMu sync.Mutex
	inflight   map[string]chan struct{}
}

func NewAgent(opts AgentOptions) (*Agent, error) {
	if opts.Caches == nil || opts.Records == nil || opts.Transport == nil || opts.Sync == nil {
		return nil, ErrInvalidInput
	}
	bound := opts.DynamicBound
	if bound <= 0 {
		bound = DefaultDynamicBound
	}
	receiptTTL := opts.ReceiptTTL
	if receiptTTL <= 0 {
		receiptTTL = 5 * time.Minute
	}
	return &Agent{
		caches:     opts.Caches,
		records:    opts.Records,
		transport:  opts.Transport,
		sync:       opts.Sync,
		bound:      bound,
		logger:     opts.Logger,
		events:     opts.Events,
		onQuota:    opts.OnQuotaExceeded,
		receipts:   NewTTLCache(),
		receiptTTL: receiptTTL,
		state:      StateInstalling,
		man:        opts.Manifest,
		inflight:   map[string]chan struct{}{},
	}, nil
}

// State reports the current lifecycle state.
func (a *Agent) State() AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Version reports the manifest version the agent was installed with.
func (a *Agent) Version() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.man.Version
}

// Install pre-populates the static-assets namespace for the manifest version.
// Every manifest asset (and the offline fallback) is fetched first; any
// failure aborts the install atomically and no namespace is created for the
// version.
func (a *Agent) Install(ctx context.Context) error {
	a.mu.Lock()
	man := a.man
	a.state = StateInstalling
	a.mu.Unlock()

	if man.Version == "" {
		return fmt.Errorf("%w: manifest version is empty", ErrInvalidInput)
	}

	assets := append([]string{}, man.Assets...)
	if man.OfflineFallback != "" && !containsString(assets, man.OfflineFallback) {
		assets = append(assets, man.OfflineFallback)
	}

	fetched := make([]CachedResponse, len(assets))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(installFetchConcurrency)
	for i, asset := range assets {
		i, asset := i, asset
		group.Go(func() error {
			identity := RequestIdentity{Method: http.MethodGet, URL: asset}
			response, err := a.transport.RoundTrip(groupCtx, identity, nil, nil)
			if err != nil {
				return fmt.Errorf("prefetch %s: %w", asset, err)
			}
			if !response.ok() {
				return fmt.Errorf("prefetch %s: status %d", asset, response.Status)
			}
			fetched[i] = response
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	static, err := a.caches.Open(ScopeStaticAssets, man.Version)
	if err != nil {
		return err
	}
	for i, asset := range assets {
		identity := RequestIdentity{Method: http.MethodGet, URL: asset}
		if err := a.caches.Put(static, identity, fetched[i]); err != nil {
			// Roll the half-populated namespace back so a retried install
			// starts clean.
			_ = a.caches.Delete(static.Key)
			return err
		}
	}
	dynamic, err := a.caches.Open(ScopeDynamicResponses, man.Version)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.static = static
	a.dynamic = dynamic
	a.fallback = RequestIdentity{Method: http.MethodGet, URL: man.OfflineFallback}
	a.state = StateInstalled
	a.mu.Unlock()
	a.emit("installed", man.Version)
	return nil
}

// Activate makes the installed version current and garbage-collects every
// older generation of both scopes.
func (a *Agent) Activate(ctx context.Context) error {
	_ = ctx
	a.mu.Lock()
	if a.state != StateInstalled && a.state != StateActivating {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: cannot activate from %s", ErrInvalidState, state)
	}
	a.state = StateActivating
	version := a.man.Version
	a.mu.Unlock()

	if err := a.caches.Activate(version); err != nil {
		return err
	}
	a.mu.Lock()
	a.state = StateActivated
	a.mu.Unlock()
	a.emit("activated", version)
	return nil
}

// SkipWaiting forces immediate activation. Delivered through the control
// channel.
func (a *Agent) SkipWaiting(ctx context.Context) error {
	if a.State() == StateActivated {
		return nil
	}
	return a.Activate(ctx)
}

// Deploy installs and activates a new manifest version. The manifest watcher
// calls this when the deploy artifact changes; when activate is false the new
// generation waits for a skip-wait signal.
func (a *Agent) Deploy(ctx context.Context, man manifest.Manifest, activate bool) error {
	a.mu.Lock()
	a.man = man
	a.mu.Unlock()
	if err := a.Install(ctx); err != nil {
		return err
	}
	if !activate {
		return nil
	}
	return a.Activate(ctx)
}

// ClearAll deletes every namespace for every scope unconditionally. Used for
// diagnostics and reset through the control channel.
func (a *Agent) ClearAll(ctx context.Context) {
	_ = ctx
	a.caches.DeleteAll()
	a.emit("cleared", "")
}

// Intercept resolves a read request through the caching strategies. Non-GET
// requests must go through Passthrough instead.
func (a *Agent) Intercept(ctx context.Context, identity RequestIdentity, header http.Header) Result {
	if !identity.Cacheable() {
		return a.Passthrough(ctx, identity, header, nil)
	}
	// The host serializes handlers for the same request identity; different
	// identities interleave freely.
	release := a.lockIdentity(identity.Key())
	defer release()

	if a.isStaticAsset(identity.URL) {
		return a.cacheFirst(ctx, identity, header)
	}
	return a.networkFirst(ctx, identity, header)
}

// Passthrough forwards a non-cacheable request straight to the network. On a
// connectivity failure of a recognized domain mutation, the request is handed
// to the sync coordinator instead of failing outright.
func (a *Agent) Passthrough(ctx context.Context, identity RequestIdentity, header http.Header, body []byte) Result {
	kind, targetID, mutating := classifyMutation(identity)
	if mutating {
		receipt, err := a.RecordMutation(ctx, MutationRequest{
			Kind:     kind,
			TargetID: targetID,
			Payload:  body,
			OpID:     header.Get("X-Idempotency-Key"),
		})
		if err != nil {
			var rejected *RejectedError
			if errors.As(err, &rejected) {
				return Result{
					Status: rejected.StatusCode,
					Body:   []byte(rejected.Message),
					Source: SourceNetwork,
					OpID:   rejected.OpID,
				}
			}
			return Result{Status: http.StatusBadRequest, Body: []byte(err.Error()), Source: SourceNetwork}
		}
		if receipt.DeliveredNow {
			return Result{Status: http.StatusOK, Source: SourceNetwork, OpID: receipt.OpID}
		}
		return Result{Status: http.StatusAccepted, Source: SourceQueued, OpID: receipt.OpID}
	}

	response, err := a.transport.RoundTrip(ctx, identity, header, body)
	if err != nil {
		return a.offlineFallback(identity, header)
	}
	return Result{Status: response.Status, Header: response.Header, Body: response.Body, Source: SourceNetwork}
}

func (a *Agent) cacheFirst(ctx context.Context, identity RequestIdentity, header http.Header) Result {
	if cached, ok := a.caches.MatchScope(ScopeStaticAssets, identity); ok {
		return Result{Status: cached.Status, Header: cached.Header, Body: cached.Body, Source: SourceCache}
	}
	response, err := a.transport.RoundTrip(ctx, identity, header, nil)
	if err != nil {
		return a.offlineFallback(identity, header)
	}
	if response.ok() {
		a.storeStatic(identity, response)
	}
	return Result{Status: response.Status, Header: response.Header, Body: response.Body, Source: SourceNetwork}
}

func (a *Agent) networkFirst(ctx context.Context, identity RequestIdentity, header http.Header) Result {
	response, err := a.transport.RoundTrip(ctx, identity, header, nil)
	if err == nil {
		if response.ok() {
			a.absorbRecords(ctx, identity, response)
			a.storeDynamic(identity, response)
		}
		return Result{Status: response.Status, Header: response.Header, Body: response.Body, Source: SourceNetwork}
	}

	if cached, ok := a.caches.MatchScope(ScopeDynamicResponses, identity); ok {
		return Result{Status: cached.Status, Header: cached.Header, Body: cached.Body, Source: SourceCache}
	}
	if result, ok := a.answerFromStore(ctx, identity); ok {
		return result
	}
	return a.offlineFallback(identity, header)
}

func (a *Agent) storeStatic(identity RequestIdentity, response CachedResponse) {
	a.mu.Lock()
	static := a.static
	a.mu.Unlock()
	if static == nil {
		return
	}
	if err := a.caches.Put(static, identity, response); err != nil {
		a.logf("store static %s: %v", identity.URL, err)
	}
}

func (a *Agent) storeDynamic(identity RequestIdentity, response CachedResponse) {
	a.mu.Lock()
	dynamic := a.dynamic
	a.mu.Unlock()
	if dynamic == nil {
		return
	}
	if err := a.caches.Put(dynamic, identity, response); err != nil {
		a.logf("store dynamic %s: %v", identity.URL, err)
		return
	}
	a.caches.Trim(dynamic, a.bound)
}

// absorbRecords decodes successful report reads into the record store so the
// records remain browsable when the network goes away entirely.
func (a *Agent) absorbRecords(ctx context.Context, identity RequestIdentity, response CachedResponse) {
	if identity.Method != http.MethodGet {
		return
	}
	_, listURL, itemID := parseReportURL(identity.URL)
	switch {
	case itemID != "":
		var record Record
		if err := json.Unmarshal(response.Body, &record); err != nil || record.ID == "" {
			return
		}
		a.putRecord(ctx, record)
	case listURL:
		var records []Record
		if err := json.Unmarshal(response.Body, &records); err != nil {
			return
		}
		for _, record := range records {
			if record.ID == "" {
				continue
			}
			a.putRecord(ctx, record)
		}
	}
}

func (a *Agent) putRecord(ctx context.Context, record Record) {
	err := a.records.Put(ctx, record)
	if err == nil {
		return
	}
	if errors.Is(err, ErrQuotaExceeded) {
		a.reportQuota(err)
		return
	}
	a.logf("absorb record %s: %v", record.ID, err)
}

// answerFromStore serves report reads from the structured store when both the
// network and the dynamic cache miss.
func (a *Agent) answerFromStore(ctx context.Context, identity RequestIdentity) (Result, bool) {
	ok, listURL, itemID := parseReportURL(identity.URL)
	if !ok {
		return Result{}, false
	}
	if itemID != "" {
		record, err := a.records.Get(ctx, itemID)
		if err != nil {
			return Result{}, false
		}
		body, err := json.Marshal(record)
		if err != nil {
			return Result{}, false
		}
		return Result{Status: http.StatusOK, Header: jsonHeader(), Body: body, Source: SourceStore}, true
	}
	if listURL {
		records, err := a.records.GetAll(ctx)
		if err != nil {
			return Result{}, false
		}
		if records == nil {
			records = []Record{}
		}
		body, err := json.Marshal(records)
		if err != nil {
			return Result{}, false
		}
		return Result{Status: http.StatusOK, Header: jsonHeader(), Body: body, Source: SourceStore}, true
	}
	return Result{}, false
}

func (a *Agent) offlineFallback(identity RequestIdentity, header http.Header) Result {
	_ = identity
	if acceptsHTML(header) {
		a.mu.Lock()
		fallback := a.fallback
		a.mu.Unlock()
		if fallback.URL != "" {
			if cached, ok := a.caches.MatchScope(ScopeStaticAssets, fallback); ok {
				return Result{Status: cached.Status, Header: cached.Header, Body: cached.Body, Source: SourceFallback}
			}
		}
	}
	return Result{
		Status: http.StatusServiceUnavailable,
		Body:   []byte("offline"),
		Source: SourceFallback,
	}
}

// MutationRequest is a domain mutation submitted by the UI. An empty OpID is
// assigned; a repeated OpID within the receipt TTL returns the original
// receipt without re-delivery.
type MutationRequest struct {
	Kind     OperationKind   `json:"kind"`
	TargetID string          `json:"targetId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	OpID     string          `json:"opId,omitempty"`
}

type MutationReceipt struct {
	DeliveredNow bool   `json:"deliveredNow"`
	OpID         string `json:"opId"`
}

// RecordMutation attempts to deliver a mutation now. A connectivity failure
// enqueues the operation for replay; a server-side rejection is surfaced
// immediately and never queued.
func (a *Agent) RecordMutation(ctx context.Context, req MutationRequest) (MutationReceipt, error) {
	if req.Kind != OperationCreate && req.Kind != OperationUpdate {
		return MutationReceipt{}, fmt.Errorf("%w: unknown mutation kind %q", ErrInvalidInput, req.Kind)
	}
	opID := strings.TrimSpace(req.OpID)
	if opID == "" {
		opID = a.newOpID()
	} else if cached, ok := a.receipts.Get("receipt:" + opID); ok {
		if receipt, ok := cached.(MutationReceipt); ok {
			return receipt, nil
		}
	}

	op := QueuedOperation{
		OpID:     opID,
		Kind:     req.Kind,
		TargetID: req.TargetID,
		Payload:  req.Payload,
		QueuedAt: time.Now().UTC(),
	}
	err := a.sync.Backend().Deliver(ctx, op)
	switch {
	case err == nil || errors.Is(err, ErrAlreadyApplied):
		a.applyLocally(ctx, op)
		receipt := MutationReceipt{DeliveredNow: true, OpID: opID}
		a.receipts.Put("receipt:"+opID, receipt, a.receiptTTL)
		return receipt, nil
	case errors.Is(err, ErrNetworkUnavailable):
		if enqueueErr := a.sync.Enqueue(op); enqueueErr != nil {
			return MutationReceipt{}, enqueueErr
		}
		a.applyLocally(ctx, op)
		a.emit("mutation-queued", opID)
		receipt := MutationReceipt{DeliveredNow: false, OpID: opID}
		a.receipts.Put("receipt:"+opID, receipt, a.receiptTTL)
		return receipt, nil
	default:
		return MutationReceipt{}, err
	}
}

// applyLocally folds the mutation payload into the record store so offline
// browsing reflects local writes before the backend confirms them.
func (a *Agent) applyLocally(ctx context.Context, op QueuedOperation) {
	if len(op.Payload) == 0 {
		return
	}
	var record Record
	if err := json.Unmarshal(op.Payload, &record); err != nil {
		return
	}
	if record.ID == "" {
		record.ID = op.TargetID
	}
	if record.ID == "" {
		return
	}
	a.putRecord(ctx, record)
}

// OnConnectivityRestored flushes the write queue and reports per-operation
// outcomes.
func (a *Agent) OnConnectivityRestored(ctx context.Context) []FlushOutcome {
	outcomes := a.sync.Flush(ctx)
	for _, outcome := range outcomes {
		switch {
		case outcome.Delivered:
			a.emit("replay-delivered", outcome.OpID)
		case outcome.Dropped:
			a.emit("replay-rejected", outcome.OpID)
		}
	}
	return outcomes
}

// QueueDepth reports how many operations await replay.
func (a *Agent) QueueDepth() int {
	return a.sync.Depth()
}

// Namespaces reports every namespace identifier with its entry count.
func (a *Agent) Namespaces() map[string]int {
	return a.caches.List()
}

func (a *Agent) reportQuota(err error) {
	a.emit("quota-exceeded", err.Error())
	if a.onQuota != nil {
		a.onQuota(err)
	}
}

func (a *Agent) isStaticAsset(rawURL string) bool {
	a.mu.Lock()
	man := a.man
	a.mu.Unlock()
	if man.Contains(rawURL) {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return staticExtensions[strings.ToLower(path.Ext(parsed.Path))]
}

func (a *Agent) lockIdentity(key string) func() {
	a.inflightMu.Lock()
	for {
		ch, ok := a.inflight[key]
		if !ok {
			break
		}
		a.inflightMu.Unlock()
		<-ch
		a.inflightMu.Lock()
	}
	ch := make(chan struct{})
	a.inflight[key] = ch
	a.inflightMu.Unlock()
	return func() {
		a.inflightMu.Lock()
		delete(a.inflight, key)
		close(ch)
		a.inflightMu.Unlock()
	}
}

func (a *Agent) newOpID() string {
	n := atomic.AddUint64(&a.opCounter, 1)
	return "op_" + strconv.FormatInt(time.Now().UnixNano(), 36) + "_" + strconv.FormatUint(n, 36)
}

func (a *Agent) emit(eventType, detail string) {
	if a.events == nil {
		return
	}
	a.events.Emit(Event{Type: eventType, Detail: detail, Time: time.Now().UTC()})
}

func (a *Agent) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}

// classifyMutation recognizes domain-mutating calls by method and path.
func classifyMutation(identity RequestIdentity) (OperationKind, string, bool) {
	parsed, err := url.Parse(identity.URL)
	if err != nil {
		return "", "", false
	}
	ok, listURL, itemID := parseReportPath(parsed.Path)
	if !ok {
		return "", "", false
	}
	switch {
	case identity.Method == http.MethodPost && listURL:
		return OperationCreate, "", true
	case identity.Method == http.MethodPut && itemID != "":
		return OperationUpdate, itemID, true
	default:
		return "", "", false
	}
}

func parseReportURL(rawURL string) (ok bool, listURL bool, itemID string) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, false, ""
	}
	return parseReportPath(parsed.Path)
}

func parseReportPath(p string) (ok bool, listURL bool, itemID string) {
	p = strings.TrimSuffix(p, "/")
	if p == "/v1/reports" {
		return true, true, ""
	}
	rest, found := strings.CutPrefix(p, "/v1/reports/")
	if !found || rest == "" || strings.Contains(rest, "/") {
		return false, false, ""
	}
	return true, false, rest
}

func acceptsHTML(header http.Header) bool {
	return strings.Contains(header.Get("Accept"), "text/html")
}

func jsonHeader() http.Header {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return header
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
